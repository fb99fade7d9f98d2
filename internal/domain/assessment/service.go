package assessment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidContact   = errors.New("invalid contact details")
	ErrAlreadyForwarded = errors.New("submission was already forwarded")
	ErrNoForwarder      = errors.New("no intake forwarder configured")
)

// Forwarder hands a stored submission to the human-reviewed intake inbox.
type Forwarder interface {
	ForwardTriage(ctx context.Context, s *Submission) error
}

// FieldCipher encrypts contact fields at rest.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	NeedsReEncryption(ciphertext string) bool
}

// Recorder receives scoring and submission events for metrics.
type Recorder interface {
	RecordScored(ctx context.Context, instrument string, severity string, total int)
	RecordSubmission(ctx context.Context, instrument string, forwardStatus string)
}

type Service struct {
	registry    *Registry
	submissions SubmissionRepository
	sessions    SessionStore
	forwarder   Forwarder
	background  *backgroundQueue
	cipher      FieldCipher
	recorder    Recorder
	logger      zerolog.Logger
}

func NewService(registry *Registry, submissions SubmissionRepository, sessions SessionStore, logger zerolog.Logger) *Service {
	return &Service{
		registry:    registry,
		submissions: submissions,
		sessions:    sessions,
		logger:      logger,
	}
}

// SetForwarder attaches the intake inbox forwarder. Without one, submissions
// stay pending.
func (s *Service) SetForwarder(f Forwarder) {
	s.forwarder = f
}

// SetBackgroundForwarder attaches a forwarder that runs on a worker pool
// after the synchronous forwarder succeeds, so slow receivers such as the
// intake webhook do not hold up the response. A failed background delivery
// marks the submission failed for RetryForward. Call Close on shutdown.
func (s *Service) SetBackgroundForwarder(f Forwarder, cfg BackgroundConfig) {
	s.background = newBackgroundQueue(f, cfg, s.backgroundFailed)
}

// Close waits for queued background deliveries to finish or for ctx to end.
func (s *Service) Close(ctx context.Context) error {
	if s.background == nil {
		return nil
	}
	return s.background.close(ctx)
}

// SetCipher enables at-rest encryption of contact fields.
func (s *Service) SetCipher(c FieldCipher) {
	s.cipher = c
}

func (s *Service) SetRecorder(r Recorder) {
	s.recorder = r
}

// -- Instruments --

func (s *Service) Instruments() []*Instrument {
	return s.registry.List()
}

func (s *Service) Instrument(id string) (*Instrument, error) {
	return s.registry.Lookup(id)
}

// -- Scoring --

// Evaluate scores responses against the named instrument and derives its
// recommendations. The only error is an unknown instrument.
func (s *Service) Evaluate(ctx context.Context, assessmentType string, responses []int, flags Flags) (TriagePayload, error) {
	in, err := s.registry.Lookup(assessmentType)
	if err != nil {
		return TriagePayload{}, err
	}
	if _, clamped := Normalize(responses, in); len(clamped) > 0 {
		s.logger.Warn().
			Str("assessment_type", in.ID).
			Ints("clamped_items", clamped).
			Msg("responses outside the scale were scored as 0")
	}
	payload, ruleErr := EvaluateChecked(responses, flags, in)
	s.logRuleErrors(in, ruleErr)
	if s.recorder != nil {
		s.recorder.RecordScored(ctx, in.ID, string(payload.Severity), payload.Score)
	}
	return payload, nil
}

// logRuleErrors reports rules that could not be decided. The payload is
// still returned without their recommendations.
func (s *Service) logRuleErrors(in *Instrument, err error) {
	if err == nil {
		return
	}
	s.logger.Error().
		Err(err).
		Str("assessment_type", in.ID).
		Msg("recommendation rule failed to evaluate")
}

// -- Submissions --

func validateContact(c Contact) error {
	if !c.Consent {
		return fmt.Errorf("%w: consent is required", ErrInvalidContact)
	}
	email := strings.TrimSpace(c.Email)
	phone := strings.TrimSpace(c.Phone)
	if email == "" && phone == "" {
		return fmt.Errorf("%w: email or phone is required", ErrInvalidContact)
	}
	if email != "" && !strings.Contains(email, "@") {
		return fmt.Errorf("%w: email is not valid", ErrInvalidContact)
	}
	switch c.PreferredMethod {
	case "", "email", "phone", "text":
	default:
		return fmt.Errorf("%w: preferred_method must be email, phone, or text", ErrInvalidContact)
	}
	return nil
}

// Submit scores the responses and stores the result with the client's
// contact details, then forwards it to the intake inbox. A forwarding
// failure is recorded on the submission and does not fail the call.
func (s *Service) Submit(ctx context.Context, assessmentType string, responses []int, flags Flags, contact Contact) (*Submission, error) {
	if err := validateContact(contact); err != nil {
		return nil, err
	}
	payload, err := s.Evaluate(ctx, assessmentType, responses, flags)
	if err != nil {
		return nil, err
	}
	return s.submitPayload(ctx, payload, contact)
}

func (s *Service) submitPayload(ctx context.Context, payload TriagePayload, contact Contact) (*Submission, error) {
	sub := NewSubmission(payload, contact)
	stored, err := s.sealed(sub)
	if err != nil {
		return nil, err
	}
	if err := s.submissions.Create(ctx, stored); err != nil {
		return nil, fmt.Errorf("store submission: %w", err)
	}
	sub.ID = stored.ID
	sub.CreatedAt = stored.CreatedAt
	sub.UpdatedAt = stored.UpdatedAt

	s.logger.Info().
		Str("submission_id", sub.ID.String()).
		Str("assessment_type", sub.AssessmentType).
		Str("severity", string(sub.Severity)).
		Msg("assessment submitted")

	s.forward(ctx, sub)
	return sub, nil
}

func (s *Service) forward(ctx context.Context, sub *Submission) {
	if s.forwarder == nil && s.background == nil {
		if s.recorder != nil {
			s.recorder.RecordSubmission(ctx, sub.AssessmentType, sub.ForwardStatus)
		}
		return
	}
	var err error
	if s.forwarder != nil {
		err = s.forwarder.ForwardTriage(ctx, sub)
	}
	if err == nil && s.background != nil {
		err = s.background.enqueue(ctx, sub)
	}
	status := ForwardForwarded
	var errMsg *string
	if err != nil {
		s.logger.Error().Err(err).Str("submission_id", sub.ID.String()).Msg("forward to intake inbox failed")
		status = ForwardFailed
		msg := err.Error()
		errMsg = &msg
	}
	if err := s.submissions.UpdateForwardStatus(ctx, sub.ID, status, errMsg); err != nil {
		s.logger.Error().Err(err).Str("submission_id", sub.ID.String()).Msg("record forward status failed")
	}
	sub.ForwardStatus = status
	sub.ForwardError = errMsg
	if s.recorder != nil {
		s.recorder.RecordSubmission(ctx, sub.AssessmentType, status)
	}
}

// backgroundFailed runs on a worker once the request is long gone.
func (s *Service) backgroundFailed(ctx context.Context, sub *Submission, err error) {
	s.logger.Error().Err(err).
		Str("submission_id", sub.ID.String()).
		Str("assessment_type", sub.AssessmentType).
		Msg("background forward failed")
	msg := err.Error()
	if err := s.submissions.UpdateForwardStatus(ctx, sub.ID, ForwardFailed, &msg); err != nil {
		s.logger.Error().Err(err).Str("submission_id", sub.ID.String()).Msg("record forward status failed")
	}
	if s.recorder != nil {
		s.recorder.RecordSubmission(ctx, sub.AssessmentType, ForwardFailed)
	}
}

// RetryForward re-sends a submission whose forwarding failed or is pending.
func (s *Service) RetryForward(ctx context.Context, id uuid.UUID) (*Submission, error) {
	sub, err := s.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.ForwardStatus == ForwardForwarded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyForwarded, id)
	}
	if s.forwarder == nil && s.background == nil {
		return nil, ErrNoForwarder
	}
	s.forward(ctx, sub)
	return sub, nil
}

func (s *Service) GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error) {
	sub, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.opened(sub)
}

func (s *Service) SearchSubmissions(ctx context.Context, params map[string]string, limit, offset int) ([]*Submission, int, error) {
	items, total, err := s.submissions.Search(ctx, params, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for i, it := range items {
		if items[i], err = s.opened(it); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

func (s *Service) UpdateSubmissionStatus(ctx context.Context, id uuid.UUID, status string, reviewedBy string) error {
	if !validSubmissionStatuses[status] {
		return fmt.Errorf("invalid status: %s", status)
	}
	return s.submissions.UpdateStatus(ctx, id, status, optString(reviewedBy))
}

func (s *Service) SubmissionStats(ctx context.Context) ([]SeverityCount, error) {
	return s.submissions.CountBySeverity(ctx)
}

// sealed returns a copy of sub with contact fields encrypted.
func (s *Service) sealed(sub *Submission) (*Submission, error) {
	out := *sub
	if s.cipher == nil {
		return &out, nil
	}
	for _, f := range []**string{&out.ContactName, &out.ContactEmail, &out.ContactPhone, &out.Message} {
		if *f == nil {
			continue
		}
		enc, err := s.cipher.Encrypt(**f)
		if err != nil {
			return nil, fmt.Errorf("encrypt contact field: %w", err)
		}
		*f = &enc
	}
	return &out, nil
}

// opened returns a copy of sub with contact fields decrypted.
func (s *Service) opened(sub *Submission) (*Submission, error) {
	out := *sub
	if s.cipher == nil {
		return &out, nil
	}
	for _, f := range []**string{&out.ContactName, &out.ContactEmail, &out.ContactPhone, &out.Message} {
		if *f == nil {
			continue
		}
		dec, err := s.cipher.Decrypt(**f)
		if err != nil {
			return nil, fmt.Errorf("decrypt contact field: %w", err)
		}
		*f = &dec
	}
	return &out, nil
}

// ErrNoCipher is returned by RotateContactKeys when encryption is off.
var ErrNoCipher = errors.New("no field cipher configured")

// RotateContactKeys re-seals contact fields that were encrypted with a
// retired key and returns how many submissions were rewritten. Callers
// wrap it in db.WithTx so a failure leaves every row as it was.
func (s *Service) RotateContactKeys(ctx context.Context, batch int) (int, error) {
	if s.cipher == nil {
		return 0, ErrNoCipher
	}
	if batch <= 0 {
		batch = 100
	}
	rewritten := 0
	for offset := 0; ; {
		items, total, err := s.submissions.Search(ctx, map[string]string{}, batch, offset)
		if err != nil {
			return rewritten, fmt.Errorf("list submissions: %w", err)
		}
		for _, sub := range items {
			changed, err := s.reseal(sub)
			if err != nil {
				return rewritten, fmt.Errorf("submission %s: %w", sub.ID, err)
			}
			if !changed {
				continue
			}
			if err := s.submissions.UpdateContact(ctx, sub); err != nil {
				return rewritten, fmt.Errorf("submission %s: %w", sub.ID, err)
			}
			rewritten++
		}
		offset += len(items)
		if len(items) == 0 || offset >= total {
			break
		}
	}
	s.logger.Info().Int("rewritten", rewritten).Msg("contact fields re-encrypted")
	return rewritten, nil
}

// reseal swaps any contact field sealed with a retired key for one sealed
// with the current key, in place.
func (s *Service) reseal(sub *Submission) (bool, error) {
	changed := false
	for _, f := range []**string{&sub.ContactName, &sub.ContactEmail, &sub.ContactPhone, &sub.Message} {
		if *f == nil || !s.cipher.NeedsReEncryption(**f) {
			continue
		}
		plain, err := s.cipher.Decrypt(**f)
		if err != nil {
			return false, err
		}
		enc, err := s.cipher.Encrypt(plain)
		if err != nil {
			return false, err
		}
		*f = &enc
		changed = true
	}
	return changed, nil
}

// -- Draft sessions --

func (s *Service) loadSession(ctx context.Context, id uuid.UUID) (*Session, *Instrument, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	in, err := s.registry.Lookup(sess.AssessmentType)
	if err != nil {
		return nil, nil, err
	}
	return sess, in, nil
}

func (s *Service) StartSession(ctx context.Context, assessmentType string) (*Session, error) {
	in, err := s.registry.Lookup(assessmentType)
	if err != nil {
		return nil, err
	}
	sess := NewSession(in)
	if err := sess.Start(); err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.sessions.Get(ctx, id)
}

// mutateSession loads a session, applies fn and saves it back only when
// fn succeeds.
func (s *Service) mutateSession(ctx context.Context, id uuid.UUID, fn func(*Session, *Instrument) error) (*Session, error) {
	sess, in, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess, in); err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

func (s *Service) AnswerSession(ctx context.Context, id uuid.UUID, value int) (*Session, error) {
	return s.mutateSession(ctx, id, func(sess *Session, in *Instrument) error {
		return sess.Answer(in, value)
	})
}

func (s *Service) BackSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.mutateSession(ctx, id, func(sess *Session, _ *Instrument) error {
		return sess.Back()
	})
}

func (s *Service) SetSessionFlags(ctx context.Context, id uuid.UUID, flags Flags) (*Session, error) {
	return s.mutateSession(ctx, id, func(sess *Session, in *Instrument) error {
		return sess.SetFlags(in, flags)
	})
}

func (s *Service) ScoreSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.mutateSession(ctx, id, func(sess *Session, in *Instrument) error {
		payload, err := sess.Score(in)
		if err != nil {
			return err
		}
		s.logRuleErrors(in, sess.ruleErr)
		if s.recorder != nil {
			s.recorder.RecordScored(ctx, in.ID, string(payload.Severity), payload.Score)
		}
		return nil
	})
}

// SubmitSession stores the scored result of a session and closes it.
func (s *Service) SubmitSession(ctx context.Context, id uuid.UUID, contact Contact) (*Submission, error) {
	if err := validateContact(contact); err != nil {
		return nil, err
	}
	sess, _, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.State != StateScored || sess.Result == nil {
		return nil, sess.transitionErr("submit")
	}
	sub, err := s.submitPayload(ctx, *sess.Result, contact)
	if err != nil {
		return nil, err
	}
	if err := sess.MarkSubmitted(sub.ID); err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		s.logger.Error().Err(err).Str("session_id", id.String()).Msg("save submitted session failed")
	}
	return sub, nil
}
