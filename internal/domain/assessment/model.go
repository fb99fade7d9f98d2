package assessment

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrSubmissionNotFound = errors.New("submission not found")

// Review status of a submission in the intake inbox.
const (
	StatusNew       = "new"
	StatusInReview  = "in-review"
	StatusContacted = "contacted"
	StatusClosed    = "closed"
)

// Forwarding status of the triage payload to the intake team.
const (
	ForwardPending   = "pending"
	ForwardForwarded = "forwarded"
	ForwardFailed    = "failed"
)

var validSubmissionStatuses = map[string]bool{
	StatusNew: true, StatusInReview: true, StatusContacted: true, StatusClosed: true,
}

// Contact is what the client leaves so the intake team can reach them.
type Contact struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	PreferredMethod string `json:"preferred_method"`
	Message         string `json:"message"`
	Consent         bool   `json:"consent"`
}

// Submission maps to the assessment_submission table.
type Submission struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	AssessmentType  string           `db:"assessment_type" json:"assessment_type"`
	TotalScore      int              `db:"total_score" json:"total_score"`
	MaxScore        int              `db:"max_score" json:"max_score"`
	Severity        Severity         `db:"severity" json:"severity"`
	ResultText      string           `db:"result_text" json:"result_text"`
	Recommendations []Recommendation `db:"recommendations" json:"recommendations"`
	AuxiliaryFlags  Flags            `db:"auxiliary_flags" json:"auxiliary_flags"`
	ContactName     *string          `db:"contact_name" json:"contact_name,omitempty"`
	ContactEmail    *string          `db:"contact_email" json:"contact_email,omitempty"`
	ContactPhone    *string          `db:"contact_phone" json:"contact_phone,omitempty"`
	PreferredMethod *string          `db:"preferred_method" json:"preferred_method,omitempty"`
	Message         *string          `db:"message" json:"message,omitempty"`
	Consent         bool             `db:"consent" json:"consent"`
	Status          string           `db:"status" json:"status"`
	ForwardStatus   string           `db:"forward_status" json:"forward_status"`
	ForwardError    *string          `db:"forward_error" json:"forward_error,omitempty"`
	ReviewedBy      *string          `db:"reviewed_by" json:"reviewed_by,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// NewSubmission copies a triage payload and contact details into a new
// submission with status new and forwarding pending.
func NewSubmission(p TriagePayload, c Contact) *Submission {
	return &Submission{
		AssessmentType:  p.AssessmentType,
		TotalScore:      p.Score,
		MaxScore:        p.MaxScore,
		Severity:        p.Severity,
		ResultText:      p.ResultText,
		Recommendations: p.Recommendations,
		AuxiliaryFlags:  p.AuxiliaryFlags,
		ContactName:     optString(c.Name),
		ContactEmail:    optString(c.Email),
		ContactPhone:    optString(c.Phone),
		PreferredMethod: optString(c.PreferredMethod),
		Message:         optString(c.Message),
		Consent:         c.Consent,
		Status:          StatusNew,
		ForwardStatus:   ForwardPending,
	}
}

// Payload rebuilds the triage payload stored with the submission.
func (s *Submission) Payload() TriagePayload {
	return BuildTriagePayload(ScoreResult{
		TotalScore: s.TotalScore,
		MaxScore:   s.MaxScore,
		Severity:   s.Severity,
		ResultText: s.ResultText,
	}, s.Recommendations, s.AuxiliaryFlags, s.AssessmentType)
}

// SeverityCount is one row of the submission statistics.
type SeverityCount struct {
	AssessmentType string   `json:"assessment_type"`
	Severity       Severity `json:"severity"`
	Count          int      `json:"count"`
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
