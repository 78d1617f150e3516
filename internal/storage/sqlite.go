package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const readerPoolSize = 5

// SQLiteStorage implements Storage over an embedded SQLite database file,
// with one long-lived write connection serialized behind a single
// *sql.DB (database/sql itself serializes writers against :memory:-style
// single-connection pools) and a pool of read-only connections.
type SQLiteStorage struct {
	writer *sql.DB
	reader *sql.DB
	log    *slog.Logger
}

// NewSQLite opens (or creates) the database at dsn and runs migrations.
// Use ":memory:" for an ephemeral database (tests), which serves reads
// through the writer's single connection; anything else is a file path.
func NewSQLite(dsn string, log *slog.Logger) (*SQLiteStorage, error) {
	if log == nil {
		log = slog.Default()
	}

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1) // one physical write connection, serialized
	if err := setPragmas(writer, true); err != nil {
		writer.Close()
		return nil, err
	}

	// Every connection to ":memory:" opens its own empty database, so an
	// in-memory store has no separate reader pool.
	reader := writer
	if dsn != ":memory:" {
		reader, err = sql.Open("sqlite", dsn)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("open reader pool: %w", err)
		}
		reader.SetMaxOpenConns(readerPoolSize)
		if err := setPragmas(reader, false); err != nil {
			writer.Close()
			reader.Close()
			return nil, err
		}
	}

	s := &SQLiteStorage{writer: writer, reader: reader, log: log}
	if err := s.migrate(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func setPragmas(db *sql.DB, isWriter bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 60000",
	}
	if isWriter {
		pragmas = append(pragmas, "PRAGMA synchronous = NORMAL", "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			run TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			variables TEXT NOT NULL DEFAULT '',
			triggers TEXT NOT NULL DEFAULT '',
			webhooks TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'queued',
			exit_code INTEGER,
			data TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS queue_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_id TEXT NOT NULL REFERENCES queue(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			exit_code INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_repo_created ON queue(repository_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_logs_queue ON queue_logs(queue_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.writer.Exec(stmt); err != nil {
			// ALTER TABLE ADD COLUMN-style additive migrations land here
			// too in the future; CREATE TABLE/INDEX IF NOT EXISTS already
			// makes re-running this idempotent, so any error here is real.
			return fmt.Errorf("exec migration %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// --- Repositories ---

func (s *SQLiteStorage) CreateRepository(ctx context.Context, repo *Repository) error {
	variables, err := marshalJSON(repo.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	triggers, err := marshalJSON(repo.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	webhooks, err := marshalJSON(repo.Webhooks)
	if err != nil {
		return fmt.Errorf("marshal webhooks: %w", err)
	}

	_, err = s.writer.ExecContext(ctx,
		`INSERT INTO repositories (id, slug, name, run, working_dir, variables, triggers, webhooks, secret, deleted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		repo.ID, repo.Slug, repo.Name, repo.Run, repo.WorkingDir, variables, triggers, webhooks,
		repo.Secret, repo.CreatedAt, repo.UpdatedAt)
	if isUniqueConstraint(err) {
		return fmt.Errorf("repository slug %q: %w", repo.Slug, ErrConflict)
	}
	return err
}

func (s *SQLiteStorage) UpdateRepository(ctx context.Context, repo *Repository) error {
	variables, err := marshalJSON(repo.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	triggers, err := marshalJSON(repo.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	webhooks, err := marshalJSON(repo.Webhooks)
	if err != nil {
		return fmt.Errorf("marshal webhooks: %w", err)
	}

	// secret is intentionally excluded: updates never rotate it.
	res, err := s.writer.ExecContext(ctx,
		`UPDATE repositories SET slug = ?, name = ?, run = ?, working_dir = ?, variables = ?, triggers = ?, webhooks = ?, updated_at = ?
		 WHERE id = ?`,
		repo.Slug, repo.Name, repo.Run, repo.WorkingDir, variables, triggers, webhooks, repo.UpdatedAt, repo.ID)
	if isUniqueConstraint(err) {
		return fmt.Errorf("repository slug %q: %w", repo.Slug, ErrConflict)
	}
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) SoftDeleteRepository(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE repositories SET deleted = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) HardDeleteRepository(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) ListRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, slug, name, run, working_dir, variables, triggers, webhooks, secret, deleted, created_at, updated_at
		 FROM repositories WHERE deleted = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Repository
	for rows.Next() {
		repo, err := s.scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) FindRepositoryByID(ctx context.Context, id string) (*Repository, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT id, slug, name, run, working_dir, variables, triggers, webhooks, secret, deleted, created_at, updated_at
		 FROM repositories WHERE id = ?`, id)
	return s.scanRepository(row)
}

func (s *SQLiteStorage) FindRepositoryBySlug(ctx context.Context, slug string) (*Repository, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT id, slug, name, run, working_dir, variables, triggers, webhooks, secret, deleted, created_at, updated_at
		 FROM repositories WHERE slug = ?`, slug)
	return s.scanRepository(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStorage) scanRepository(row rowScanner) (*Repository, error) {
	repo := &Repository{}
	var variables, triggers, webhooks string
	var deleted int
	err := row.Scan(&repo.ID, &repo.Slug, &repo.Name, &repo.Run, &repo.WorkingDir,
		&variables, &triggers, &webhooks, &repo.Secret, &deleted, &repo.CreatedAt, &repo.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	repo.Deleted = deleted != 0

	if err := unmarshalJSONOrDowngrade(s.log, "variables", repo.ID, variables, &repo.Variables); err != nil {
		return nil, err
	}
	if repo.Variables == nil {
		repo.Variables = map[string]string{}
	}
	if err := unmarshalJSONOrDowngrade(s.log, "triggers", repo.ID, triggers, &repo.Triggers); err != nil {
		return nil, err
	}
	if err := unmarshalJSONOrDowngrade(s.log, "webhooks", repo.ID, webhooks, &repo.Webhooks); err != nil {
		return nil, err
	}
	return repo, nil
}

// --- Users ---

func (s *SQLiteStorage) CreateUser(ctx context.Context, user *User) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO users (id, username, password, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Password, user.CreatedAt, user.UpdatedAt)
	if isUniqueConstraint(err) {
		return fmt.Errorf("username %q: %w", user.Username, ErrConflict)
	}
	return err
}

func (s *SQLiteStorage) UpdateUser(ctx context.Context, user *User) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE users SET username = ?, updated_at = ? WHERE id = ?`, user.Username, user.UpdatedAt, user.ID)
	if isUniqueConstraint(err) {
		return fmt.Errorf("username %q: %w", user.Username, ErrConflict)
	}
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) SetUserPassword(ctx context.Context, id, hashedPassword string) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE users SET password = ?, updated_at = ? WHERE id = ?`, hashedPassword, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) DeleteUser(ctx context.Context, id string) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *SQLiteStorage) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, username, password, created_at, updated_at FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.Password, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) FindUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.reader.QueryRowContext(ctx,
		`SELECT id, username, password, created_at, updated_at FROM users WHERE id = ?`, id))
}

func (s *SQLiteStorage) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.reader.QueryRowContext(ctx,
		`SELECT id, username, password, created_at, updated_at FROM users WHERE username = ?`, username))
}

func (s *SQLiteStorage) scanUser(row rowScanner) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// --- Jobs ---

func (s *SQLiteStorage) Push(ctx context.Context, job *Job) error {
	data, err := marshalJSON(job.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue (id, repository_id, status, exit_code, data, created_at, updated_at)
		 VALUES (?, ?, ?, NULL, ?, ?, ?)`,
		job.ID, job.RepositoryID, job.Status, data, job.CreatedAt, job.UpdatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_logs (queue_id, status, exit_code, created_at) VALUES (?, ?, NULL, ?)`,
		job.ID, job.Status, job.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) NextQueued(ctx context.Context, repositoryID string) (*Job, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT id, repository_id, status, exit_code, data, created_at, updated_at
		 FROM queue WHERE repository_id = ? AND status = ?
		 ORDER BY created_at ASC, rowid ASC LIMIT 1`, repositoryID, JobStatusQueued)
	job, err := s.scanJob(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStorage) UpdateStatus(ctx context.Context, job *Job) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE queue SET status = ?, exit_code = ?, updated_at = ? WHERE id = ?`,
		job.Status, job.ExitCode, job.UpdatedAt, job.ID)
	if err != nil {
		return err
	}
	if err := requireRowsAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_logs (queue_id, status, exit_code, created_at) VALUES (?, ?, ?, ?)`,
		job.ID, job.Status, job.ExitCode, job.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) ListRecent(ctx context.Context, limit int) ([]*JobSummary, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.reader.QueryContext(ctx,
		`SELECT q.id, q.repository_id, q.status, q.exit_code, q.data, q.created_at, q.updated_at, r.slug
		 FROM queue q JOIN repositories r ON r.id = q.repository_id
		 ORDER BY q.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*JobSummary
	for rows.Next() {
		var data string
		summary := &JobSummary{}
		if err := rows.Scan(&summary.ID, &summary.RepositoryID, &summary.Status, &summary.ExitCode,
			&data, &summary.CreatedAt, &summary.UpdatedAt, &summary.RepositorySlug); err != nil {
			return nil, err
		}
		if err := unmarshalJSONOrDowngrade(s.log, "job data", summary.ID, data, &summary.Data); err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ListForRepo(ctx context.Context, repositoryID string) ([]*Job, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, repository_id, status, exit_code, data, created_at, updated_at
		 FROM queue WHERE repository_id = ? ORDER BY created_at DESC`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) FindByRepoAndID(ctx context.Context, repositoryID, jobID string) (*JobWithLogs, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT id, repository_id, status, exit_code, data, created_at, updated_at
		 FROM queue WHERE repository_id = ? AND id = ?`, repositoryID, jobID)
	job, err := s.scanJob(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, queue_id, status, exit_code, created_at FROM queue_logs WHERE queue_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &JobWithLogs{Job: *job}
	for rows.Next() {
		var logRow JobStatusLog
		if err := rows.Scan(&logRow.ID, &logRow.JobID, &logRow.Status, &logRow.ExitCode, &logRow.CreatedAt); err != nil {
			return nil, err
		}
		result.Logs = append(result.Logs, logRow)
	}
	return result, rows.Err()
}

func (s *SQLiteStorage) scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var data string
	var status string
	err := row.Scan(&job.ID, &job.RepositoryID, &status, &job.ExitCode, &data, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = normalizeStatus(status)
	if err := unmarshalJSONOrDowngrade(s.log, "job data", job.ID, data, &job.Data); err != nil {
		return nil, err
	}
	return job, nil
}

func normalizeStatus(raw string) JobStatus {
	switch JobStatus(raw) {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return JobStatus(raw)
	default:
		return JobStatusUnknown
	}
}

// --- helpers ---

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalJSONOrDowngrade parses a JSON column. A parse failure downgrades
// silently to the zero value of out (logged, never fatal), per the Store's
// documented failure policy for serialized complex columns.
func unmarshalJSONOrDowngrade(log *slog.Logger, column, ownerID, raw string, out any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		log.Warn("json column failed to parse, downgrading to empty default",
			"column", column, "id", ownerID, "error", err)
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
