package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindwell/intake/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Submission Repository ===========

type submissionRepoPG struct{ pool *pgxpool.Pool }

func NewSubmissionRepoPG(pool *pgxpool.Pool) SubmissionRepository {
	return &submissionRepoPG{pool: pool}
}

func (r *submissionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const submissionCols = `id, assessment_type, total_score, max_score, severity, result_text,
	recommendations, auxiliary_flags, contact_name, contact_email, contact_phone,
	preferred_method, message, consent, status, forward_status, forward_error,
	reviewed_by, created_at, updated_at`

func (r *submissionRepoPG) scanSubmission(row pgx.Row) (*Submission, error) {
	var s Submission
	var recs, flags []byte
	err := row.Scan(&s.ID, &s.AssessmentType, &s.TotalScore, &s.MaxScore, &s.Severity, &s.ResultText,
		&recs, &flags, &s.ContactName, &s.ContactEmail, &s.ContactPhone,
		&s.PreferredMethod, &s.Message, &s.Consent, &s.Status, &s.ForwardStatus, &s.ForwardError,
		&s.ReviewedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recs, &s.Recommendations); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	if err := json.Unmarshal(flags, &s.AuxiliaryFlags); err != nil {
		return nil, fmt.Errorf("decode auxiliary flags: %w", err)
	}
	return &s, nil
}

func (r *submissionRepoPG) Create(ctx context.Context, s *Submission) error {
	s.ID = uuid.New()
	recs, err := json.Marshal(s.Recommendations)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	flags, err := json.Marshal(s.AuxiliaryFlags)
	if err != nil {
		return fmt.Errorf("encode auxiliary flags: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO assessment_submission (id, assessment_type, total_score, max_score, severity, result_text,
			recommendations, auxiliary_flags, contact_name, contact_email, contact_phone,
			preferred_method, message, consent, status, forward_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		s.ID, s.AssessmentType, s.TotalScore, s.MaxScore, s.Severity, s.ResultText,
		recs, flags, s.ContactName, s.ContactEmail, s.ContactPhone,
		s.PreferredMethod, s.Message, s.Consent, s.Status, s.ForwardStatus,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *submissionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Submission, error) {
	return r.scanSubmission(r.conn(ctx).QueryRow(ctx, `SELECT `+submissionCols+` FROM assessment_submission WHERE id = $1`, id))
}

func (r *submissionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string, reviewedBy *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE assessment_submission SET status=$2, reviewed_by=COALESCE($3, reviewed_by), updated_at=NOW()
		WHERE id = $1`, id, status, reviewedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

func (r *submissionRepoPG) UpdateForwardStatus(ctx context.Context, id uuid.UUID, forwardStatus string, forwardErr *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE assessment_submission SET forward_status=$2, forward_error=$3, updated_at=NOW()
		WHERE id = $1`, id, forwardStatus, forwardErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

// UpdateContact rewrites the stored contact columns, used when re-sealing
// them under a new key.
func (r *submissionRepoPG) UpdateContact(ctx context.Context, s *Submission) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE assessment_submission
		SET contact_name=$2, contact_email=$3, contact_phone=$4, message=$5, updated_at=NOW()
		WHERE id = $1`, s.ID, s.ContactName, s.ContactEmail, s.ContactPhone, s.Message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

func (r *submissionRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Submission, int, error) {
	query := `SELECT ` + submissionCols + ` FROM assessment_submission WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM assessment_submission WHERE 1=1`
	var args []interface{}
	idx := 1

	for _, f := range []struct{ param, col string }{
		{"assessment_type", "assessment_type"},
		{"severity", "severity"},
		{"status", "status"},
		{"forward_status", "forward_status"},
	} {
		if v, ok := params[f.param]; ok && v != "" {
			query += fmt.Sprintf(` AND %s = $%d`, f.col, idx)
			countQuery += fmt.Sprintf(` AND %s = $%d`, f.col, idx)
			args = append(args, v)
			idx++
		}
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Submission
	for rows.Next() {
		s, err := r.scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *submissionRepoPG) CountBySeverity(ctx context.Context) ([]SeverityCount, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT assessment_type, severity, COUNT(*) FROM assessment_submission
		GROUP BY assessment_type, severity ORDER BY assessment_type, severity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SeverityCount
	for rows.Next() {
		var c SeverityCount
		if err := rows.Scan(&c.AssessmentType, &c.Severity, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
