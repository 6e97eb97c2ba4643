package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"jobqueue/internal/models"
)

// SQLite is the default Store: a single local database file in WAL mode
// with synchronous=FULL so a returned write survives a crash.
type SQLite struct {
	// mu serialises read-modify-write cycles from this process.
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection serialises every mutation.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %w", models.ErrStoreUnavailable, err)
	}
	if err := Migrate(ctx, db, goose.DialectSQLite3, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, now: utcNow}, nil
}

func utcNow() time.Time { return time.Now().UTC() }

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	return nil
}

const sqliteColumns = `id, type, payload, priority, status, progress, result, error, attempts, max_attempts, worker_id, created_at, started_at, completed_at, updated_at, version`

func (s *SQLite) Create(ctx context.Context, job models.Job) (models.Job, error) {
	job, err := prepareNew(job, s.now())
	if err != nil {
		return models.Job{}, err
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, priority, status, progress, attempts, max_attempts, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, string(payload), int(job.Priority), string(job.Status),
		job.Attempts, job.MaxAttempts, job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), job.Version,
	)
	if err != nil {
		return models.Job{}, mapSQLiteError("insert job", err)
	}
	return job, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err != nil {
		return models.Job{}, mapSQLiteError("get job "+id, err)
	}
	return job, nil
}

func (s *SQLite) Update(ctx context.Context, id string, u Update) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateCAS(ctx, s, id, u, s.now)
}

func (s *SQLite) swap(ctx context.Context, next models.Job, prev int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			priority = ?, status = ?, progress = ?, result = ?, error = ?, attempts = ?,
			worker_id = ?, started_at = ?, completed_at = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		int(next.Priority), string(next.Status), next.Progress, nullRaw(next.Result), next.Error, next.Attempts,
		next.WorkerID, nullNanos(next.StartedAt), nullNanos(next.CompletedAt), next.UpdatedAt.UnixNano(), next.Version,
		next.ID, prev,
	)
	if err != nil {
		return false, mapSQLiteError("update job "+next.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapSQLiteError("update job "+next.ID, err)
	}
	return n == 1, nil
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]models.Job, error) {
	f = normalizeFilter(f)
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Priority != 0 {
		where = append(where, "priority = ?")
		args = append(args, int(f.Priority))
	}
	query := `SELECT ` + sqliteColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError("list jobs", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, mapSQLiteError("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError("list jobs", err)
	}
	return jobs, nil
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, mapSQLiteError("count jobs", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64, len(models.Statuses))
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapSQLiteError("count jobs", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError("count jobs", err)
	}
	return counts, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	args := []any{id}
	for _, st := range models.TerminalStatuses {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND status IN (`+placeholders(len(models.TerminalStatuses))+`)`, args...)
	if err != nil {
		return mapSQLiteError("delete job "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapSQLiteError("delete job "+id, err)
	}
	if n == 1 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot delete %s job %s", models.ErrInvalidTransition, job.Status, id)
}

func (s *SQLite) DeleteOlderThan(ctx context.Context, statuses []models.Status, cutoff time.Time) (int64, error) {
	statuses, err := terminalOnly(statuses)
	if err != nil {
		return 0, err
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, cutoff.UTC().UnixNano())
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (`+placeholders(len(statuses))+`) AND completed_at IS NOT NULL AND completed_at < ?`, args...)
	if err != nil {
		return 0, mapSQLiteError("prune jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapSQLiteError("prune jobs", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job                      models.Job
		payload, status          string
		priority                 int
		result, errMsg, workerID sql.NullString
		created, updated         int64
		started, completed       sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.Type, &payload, &priority, &status, &job.Progress, &result, &errMsg,
		&job.Attempts, &job.MaxAttempts, &workerID, &created, &started, &completed, &updated, &job.Version); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Priority = models.Priority(priority)
	job.Status = models.Status(status)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if workerID.Valid {
		job.WorkerID = &workerID.String
	}
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	if started.Valid {
		t := fromNanos(started.Int64)
		job.StartedAt = &t
	}
	if completed.Valid {
		t := fromNanos(completed.Int64)
		job.CompletedAt = &t
	}
	return job, nil
}

func mapSQLiteError(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%s: %w", op, models.ErrDuplicateID)
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullRaw(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
