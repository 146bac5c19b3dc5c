package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"imagevariant/internal/apierr"
	"imagevariant/internal/variant"
)

// PostgresStore is the Store implementation used in production, grounded on
// the teacher's sqlx/lib-pq repository pattern. A unique index on
// (image_id, width, height, format) and a btree index on status back the
// contract's dedup and stuck-job-scan requirements (see migrations/).
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an existing *sqlx.DB. Connection pooling and
// lifecycle (open/ping/close) are the caller's responsibility, mirroring the
// teacher's internal/database.DB.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolationCode = "23505"

func (s *PostgresStore) FindOne(ctx context.Context, f Filter) (*variant.Record, error) {
	query, args := buildSelect(f)
	var rec variant.Record
	err := s.db.GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find one: %w", apierr.ErrTransientStore, err)
	}
	return &rec, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*variant.Record, error) {
	var rec variant.Record
	query := `SELECT id, image_id, width, height, format, original_key, variant_key, bucket,
		status, file_size, failed_reason, failed_at, ready_at, requeue_count, created_at
		FROM image_variants WHERE id = $1`
	err := s.db.GetContext(ctx, &rec, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find by id: %w", apierr.ErrTransientStore, err)
	}
	return &rec, nil
}

func (s *PostgresStore) Insert(ctx context.Context, r *variant.Record) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO image_variants (
		id, image_id, width, height, format, original_key, variant_key, bucket,
		status, file_size, requeue_count, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.ImageID, r.Width, r.Height, r.Format, r.OriginalKey, r.VariantKey, r.Bucket,
		r.Status, r.FileSize, r.RequeueCount, r.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolationCode {
			return fmt.Errorf("%w: %s", apierr.ErrConflict, err)
		}
		return fmt.Errorf("%w: insert: %w", apierr.ErrTransientStore, err)
	}
	return nil
}

func (s *PostgresStore) UpdateByID(ctx context.Context, id uuid.UUID, patch RecordPatch, opts UpdateOptions) (*variant.Record, error) {
	sets := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Status != nil {
		sets = append(sets, "status = "+arg(*patch.Status))
	}
	if patch.FileSize != nil {
		sets = append(sets, "file_size = "+arg(*patch.FileSize))
	}
	if patch.FailedReason != nil {
		sets = append(sets, "failed_reason = "+arg(*patch.FailedReason))
	}
	if patch.FailedAt != nil {
		sets = append(sets, "failed_at = "+arg(*patch.FailedAt))
	}
	if patch.ReadyAt != nil {
		sets = append(sets, "ready_at = "+arg(*patch.ReadyAt))
	}
	if patch.VariantKey != nil {
		sets = append(sets, "variant_key = "+arg(*patch.VariantKey))
	}
	if patch.Format != nil {
		sets = append(sets, "format = "+arg(*patch.Format))
	}
	if len(sets) == 0 {
		return s.FindByID(ctx, id)
	}

	where := "id = " + arg(id)
	if opts.ExpectedStatus != nil {
		where += " AND status = " + arg(*opts.ExpectedStatus)
	}

	query := fmt.Sprintf("UPDATE image_variants SET %s WHERE %s", strings.Join(sets, ", "), where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: update by id: %w", apierr.ErrTransientStore, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", apierr.ErrRecordMissing, id)
	}
	if !opts.ReturnNew {
		return nil, nil
	}
	return s.FindByID(ctx, id)
}

func (s *PostgresStore) IncrementRequeueCount(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE image_variants SET requeue_count = requeue_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: increment requeue count: %w", apierr.ErrTransientStore, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", apierr.ErrRecordMissing, id)
	}
	return nil
}

func (s *PostgresStore) DeleteOne(ctx context.Context, f Filter) error {
	where, args := buildWhere(f)
	query := fmt.Sprintf(`DELETE FROM image_variants WHERE id = (
		SELECT id FROM image_variants WHERE %s LIMIT 1)`, where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: delete one: %w", apierr.ErrTransientStore, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: no record matched selector", apierr.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteMany(ctx context.Context, f Filter) (int64, error) {
	where, args := buildWhere(f)
	query := fmt.Sprintf("DELETE FROM image_variants WHERE %s", where)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: delete many: %w", apierr.ErrTransientStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) Find(ctx context.Context, f Filter) ([]*variant.Record, error) {
	query, args := buildSelect(f)
	var recs []*variant.Record
	err := s.db.SelectContext(ctx, &recs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: find: %w", apierr.ErrTransientStore, err)
	}
	return recs, nil
}

func buildWhere(f Filter) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	clauses = append(clauses, "image_id = "+arg(f.ImageID))
	if f.Width != nil {
		clauses = append(clauses, "width = "+arg(*f.Width))
	}
	if f.Height != nil {
		clauses = append(clauses, "height = "+arg(*f.Height))
	}
	if f.Format != nil {
		clauses = append(clauses, "format = "+arg(*f.Format))
	}
	if f.Status != nil {
		clauses = append(clauses, "status = "+arg(*f.Status))
	}
	return strings.Join(clauses, " AND "), args
}

func buildSelect(f Filter) (string, []interface{}) {
	where, args := buildWhere(f)
	query := fmt.Sprintf(`SELECT id, image_id, width, height, format, original_key, variant_key, bucket,
		status, file_size, failed_reason, failed_at, ready_at, requeue_count, created_at
		FROM image_variants WHERE %s`, where)
	return query, args
}
