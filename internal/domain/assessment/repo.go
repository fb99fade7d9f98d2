package assessment

import (
	"context"

	"github.com/google/uuid"
)

type SubmissionRepository interface {
	Create(ctx context.Context, s *Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Submission, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, reviewedBy *string) error
	UpdateForwardStatus(ctx context.Context, id uuid.UUID, forwardStatus string, forwardErr *string) error
	UpdateContact(ctx context.Context, s *Submission) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Submission, int, error)
	CountBySeverity(ctx context.Context) ([]SeverityCount, error)
}

// SessionStore keeps draft sessions between requests.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
