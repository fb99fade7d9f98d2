package assessment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrInvalidResponse   = errors.New("response out of range")
	ErrSessionNotFound   = errors.New("session not found")
)

// State is the position of a session in the assessment flow.
type State string

const (
	StateNotStarted     State = "not-started"
	StateAnswering      State = "answering"
	StateAuxiliaryFlags State = "auxiliary-flags"
	StateScored         State = "scored"
	StateSubmitted      State = "submitted"
)

// Session is one client's pass through an instrument. It is a plain value
// so it can be stored and resumed; every transition is a method that
// returns ErrInvalidTransition when the current state does not allow it.
type Session struct {
	ID             uuid.UUID      `json:"id"`
	AssessmentType string         `json:"assessment_type"`
	State          State          `json:"state"`
	Current        int            `json:"current"`
	Responses      []int          `json:"responses"`
	Flags          Flags          `json:"flags"`
	Result         *TriagePayload `json:"result,omitempty"`
	SubmissionID   *uuid.UUID     `json:"submission_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// ruleErr holds rule evaluation failures from the last Score call.
	ruleErr error
}

// NewSession returns a NotStarted session with every item unanswered.
func NewSession(in *Instrument) *Session {
	responses := make([]int, in.ItemCount())
	for i := range responses {
		responses[i] = Unanswered
	}
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.New(),
		AssessmentType: in.ID,
		State:          StateNotStarted,
		Responses:      responses,
		Flags:          Flags{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Session) transitionErr(op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, s.State)
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Start moves to the first item.
func (s *Session) Start() error {
	if s.State != StateNotStarted {
		return s.transitionErr("start")
	}
	s.State = StateAnswering
	s.Current = 0
	s.touch()
	return nil
}

// Answer records value for the current item and advances. After the last
// item the session moves to AuxiliaryFlags when the instrument declares
// flags, otherwise it stays on the last item ready to be scored.
func (s *Session) Answer(in *Instrument, value int) error {
	if s.State != StateAnswering {
		return s.transitionErr("answer")
	}
	if value < MinResponse || value > MaxResponse {
		return fmt.Errorf("%w: %d", ErrInvalidResponse, value)
	}
	s.Responses[s.Current] = value
	switch {
	case s.Current < len(s.Responses)-1:
		s.Current++
	case len(in.Flags) > 0:
		s.State = StateAuxiliaryFlags
	}
	s.touch()
	return nil
}

// Back revisits the previous item. Answers are kept.
func (s *Session) Back() error {
	switch {
	case s.State == StateAnswering && s.Current > 0:
		s.Current--
	case s.State == StateAuxiliaryFlags:
		s.State = StateAnswering
		s.Current = len(s.Responses) - 1
	default:
		return s.transitionErr("back")
	}
	s.touch()
	return nil
}

// SetFlags records auxiliary answers. Only declared flags are kept.
func (s *Session) SetFlags(in *Instrument, flags Flags) error {
	if s.State != StateAuxiliaryFlags {
		return s.transitionErr("set flags")
	}
	s.Flags = DeclaredFlags(in, flags)
	s.touch()
	return nil
}

// Score evaluates the session. It requires every item to be answered.
func (s *Session) Score(in *Instrument) (TriagePayload, error) {
	if s.State != StateAnswering && s.State != StateAuxiliaryFlags {
		return TriagePayload{}, s.transitionErr("score")
	}
	if !Complete(s.Responses, in) {
		return TriagePayload{}, ErrIncompleteResponses
	}
	payload, ruleErr := EvaluateChecked(s.Responses, s.Flags, in)
	s.ruleErr = ruleErr
	s.Result = &payload
	s.State = StateScored
	s.touch()
	return payload, nil
}

// MarkSubmitted closes the session. Submitted is terminal.
func (s *Session) MarkSubmitted(submissionID uuid.UUID) error {
	if s.State != StateScored {
		return s.transitionErr("submit")
	}
	s.SubmissionID = &submissionID
	s.State = StateSubmitted
	s.touch()
	return nil
}
