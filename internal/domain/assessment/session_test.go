package assessment

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func answerAll(t *testing.T, s *Session, in *Instrument, value int) {
	t.Helper()
	for i := 0; i < in.ItemCount(); i++ {
		if err := s.Answer(in, value); err != nil {
			t.Fatalf("answer item %d: %v", i, err)
		}
	}
}

func TestSession_New(t *testing.T) {
	in := mustInstrument(t, "anxiety")
	s := NewSession(in)

	if s.State != StateNotStarted {
		t.Errorf("expected not-started, got %s", s.State)
	}
	if len(s.Responses) != 8 {
		t.Fatalf("expected 8 response slots, got %d", len(s.Responses))
	}
	for i, v := range s.Responses {
		if v != Unanswered {
			t.Errorf("slot %d: expected unanswered, got %d", i, v)
		}
	}
}

func TestSession_FullFlowWithFlags(t *testing.T) {
	in := mustInstrument(t, "nicotine")
	s := NewSession(in)

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	answerAll(t, s, in, 0)
	if s.State != StateAuxiliaryFlags {
		t.Fatalf("expected auxiliary-flags after the last item, got %s", s.State)
	}
	if err := s.SetFlags(in, Flags{"pregnant": true, "unknown": true}); err != nil {
		t.Fatalf("set flags: %v", err)
	}
	if _, ok := s.Flags["unknown"]; ok {
		t.Error("undeclared flag kept on the session")
	}

	p, err := s.Score(in)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if s.State != StateScored || s.Result == nil {
		t.Fatalf("expected scored with result, got %s", s.State)
	}
	if p.Severity != SeverityLow || !hasRec(p.Recommendations, "perinatal-cessation") {
		t.Errorf("unexpected payload %+v", p)
	}

	subID := uuid.New()
	if err := s.MarkSubmitted(subID); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if s.State != StateSubmitted || s.SubmissionID == nil || *s.SubmissionID != subID {
		t.Errorf("unexpected submitted session %+v", s)
	}
}

func TestSession_NoFlagsStaysOnLastItem(t *testing.T) {
	in := mustInstrument(t, "social-anxiety")
	s := NewSession(in)
	_ = s.Start()
	answerAll(t, s, in, 1)

	if s.State != StateAnswering {
		t.Fatalf("expected answering, got %s", s.State)
	}
	if s.Current != in.ItemCount()-1 {
		t.Errorf("expected cursor on last item, got %d", s.Current)
	}
	if _, err := s.Score(in); err != nil {
		t.Fatalf("score: %v", err)
	}
}

func TestSession_Back(t *testing.T) {
	in := mustInstrument(t, "anxiety")
	s := NewSession(in)
	_ = s.Start()

	if err := s.Back(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("back on first item: expected ErrInvalidTransition, got %v", err)
	}

	_ = s.Answer(in, 2)
	_ = s.Answer(in, 3)
	if err := s.Back(); err != nil {
		t.Fatalf("back: %v", err)
	}
	if s.Current != 1 || s.Responses[1] != 3 {
		t.Errorf("expected cursor 1 with answer kept, got cursor %d responses %v", s.Current, s.Responses)
	}

	for s.State == StateAnswering {
		if err := s.Answer(in, 0); err != nil {
			t.Fatalf("answer: %v", err)
		}
	}
	if s.State != StateAuxiliaryFlags {
		t.Fatalf("expected auxiliary-flags, got %s", s.State)
	}
	if err := s.Back(); err != nil {
		t.Fatalf("back from flags: %v", err)
	}
	if s.State != StateAnswering || s.Current != in.ItemCount()-1 {
		t.Errorf("expected last item, got %s at %d", s.State, s.Current)
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	in := mustInstrument(t, "anxiety")

	s := NewSession(in)
	if err := s.Answer(in, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("answer before start: %v", err)
	}
	if _, err := s.Score(in); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("score before start: %v", err)
	}
	if err := s.SetFlags(in, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("set flags before start: %v", err)
	}
	if err := s.MarkSubmitted(uuid.New()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("submit before scoring: %v", err)
	}

	_ = s.Start()
	if err := s.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double start: %v", err)
	}

	answerAll(t, s, in, 1)
	if _, err := s.Score(in); err != nil {
		t.Fatalf("score: %v", err)
	}
	if err := s.Answer(in, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("answer after scoring: %v", err)
	}
	if err := s.Back(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("back after scoring: %v", err)
	}
	if _, err := s.Score(in); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("score twice: %v", err)
	}

	_ = s.MarkSubmitted(uuid.New())
	if err := s.MarkSubmitted(uuid.New()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("submit twice: %v", err)
	}
}

func TestSession_AnswerOutOfRange(t *testing.T) {
	in := mustInstrument(t, "anxiety")
	s := NewSession(in)
	_ = s.Start()

	for _, v := range []int{-1, 4, 10} {
		if err := s.Answer(in, v); !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("answer %d: expected ErrInvalidResponse, got %v", v, err)
		}
	}
	if s.Current != 0 || s.Responses[0] != Unanswered {
		t.Error("rejected answer changed the session")
	}
}

func TestSession_ScoreIncomplete(t *testing.T) {
	in := mustInstrument(t, "anxiety")
	s := NewSession(in)
	_ = s.Start()
	_ = s.Answer(in, 2)

	if _, err := s.Score(in); !errors.Is(err, ErrIncompleteResponses) {
		t.Fatalf("expected ErrIncompleteResponses, got %v", err)
	}
	if s.State != StateAnswering {
		t.Errorf("failed score changed state to %s", s.State)
	}
}
