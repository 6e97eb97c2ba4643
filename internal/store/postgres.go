package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"jobqueue/internal/models"
)

const pgUniqueViolation = "23505"

// Postgres wraps pgxpool for deployments that already run a database server.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*Postgres)(nil)

// OpenPostgres creates a pooled connection and applies migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", models.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", models.ErrStoreUnavailable, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = Migrate(ctx, db, goose.DialectPostgres, logger)
	db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, now: pgNow}, nil
}

// timestamptz keeps microseconds.
func pgNow() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	return nil
}

const pgColumns = `id, type, payload, priority, status, progress, result, error, attempts, max_attempts, worker_id, created_at, started_at, completed_at, updated_at, version`

func (s *Postgres) Create(ctx context.Context, job models.Job) (models.Job, error) {
	job, err := prepareNew(job, s.now())
	if err != nil {
		return models.Job{}, err
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, priority, status, progress, attempts, max_attempts, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8, $9)
	`, job.ID, job.Type, payload, int(job.Priority), string(job.Status), job.Attempts, job.MaxAttempts, job.CreatedAt, job.Version)
	if err != nil {
		return models.Job{}, mapPgError("insert job", err)
	}
	return job, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if err != nil {
		return models.Job{}, mapPgError("get job "+id, err)
	}
	return job, nil
}

func (s *Postgres) Update(ctx context.Context, id string, u Update) (models.Job, error) {
	return updateCAS(ctx, s, id, u, s.now)
}

func (s *Postgres) swap(ctx context.Context, next models.Job, prev int64) (bool, error) {
	var result []byte
	if next.Result != nil {
		result = next.Result
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			priority = $3, status = $4, progress = $5, result = $6, error = $7, attempts = $8,
			worker_id = $9, started_at = $10, completed_at = $11, updated_at = $12, version = $13
		WHERE id = $1 AND version = $2
	`, next.ID, prev, int(next.Priority), string(next.Status), next.Progress, result, next.Error, next.Attempts,
		next.WorkerID, next.StartedAt, next.CompletedAt, next.UpdatedAt, next.Version)
	if err != nil {
		return false, mapPgError("update job "+next.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) List(ctx context.Context, f Filter) ([]models.Job, error) {
	f = normalizeFilter(f)
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		args = append(args, statusStrings(f.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Priority != 0 {
		args = append(args, int(f.Priority))
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}
	query := `SELECT ` + pgColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, seq DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError("list jobs", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, mapPgError("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("list jobs", err)
	}
	return jobs, nil
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, mapPgError("count jobs", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64, len(models.Statuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapPgError("count jobs", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("count jobs", err)
	}
	return counts, nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND status = ANY($2)`, id, statusStrings(models.TerminalStatuses))
	if err != nil {
		return mapPgError("delete job "+id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot delete %s job %s", models.ErrInvalidTransition, job.Status, id)
}

func (s *Postgres) DeleteOlderThan(ctx context.Context, statuses []models.Status, cutoff time.Time) (int64, error) {
	statuses, err := terminalOnly(statuses)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE status = ANY($1) AND completed_at IS NOT NULL AND completed_at < $2
	`, statusStrings(statuses), cutoff.UTC())
	if err != nil {
		return 0, mapPgError("prune jobs", err)
	}
	return tag.RowsAffected(), nil
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var (
		job                models.Job
		payload, result    []byte
		priority           int
		status             string
		errMsg, workerID   pgtype.Text
		started, completed pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.Type, &payload, &priority, &status, &job.Progress, &result, &errMsg,
		&job.Attempts, &job.MaxAttempts, &workerID, &job.CreatedAt, &started, &completed, &job.UpdatedAt, &job.Version); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Priority = models.Priority(priority)
	job.Status = models.Status(status)
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	job.Error = textPtr(errMsg)
	job.WorkerID = textPtr(workerID)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func mapPgError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", op, models.ErrDuplicateID)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
