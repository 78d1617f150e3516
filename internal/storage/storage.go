// Package storage defines the persistence contracts for repositories,
// users, jobs, and job-status logs, and the crash-safe SQLite
// implementation backing them.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup by ID, slug, or username finds
	// no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned for duplicate usernames or repository slugs.
	ErrConflict = errors.New("conflict")
	// ErrGone is returned when an operation is refused because the target
	// repository has been soft-deleted.
	ErrGone = errors.New("repository has been deleted")
)

// JobStatus is the job state-machine's current state.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	// JobStatusUnknown is a read-side sentinel for a persisted status
	// string the engine does not recognize. It must never be written.
	JobStatusUnknown JobStatus = "unknown"
)

// TriggerKind tags the variant of a Trigger.
type TriggerKind string

const (
	TriggerAny     TriggerKind = "any"
	TriggerGitAny  TriggerKind = "git_any"
	TriggerGitTag  TriggerKind = "git_tag"
	TriggerGitHead TriggerKind = "git_head"
)

// Trigger is one rule in a repository's trigger list. Refs is populated
// only for TriggerGitHead, naming the branches that match.
type Trigger struct {
	Kind TriggerKind `json:"kind"`
	Refs []string    `json:"refs,omitempty"`
}

// Repository is a user-defined build target.
type Repository struct {
	ID          string
	Slug        string
	Name        string
	Run         string
	WorkingDir  string
	Variables   map[string]string
	Triggers    []Trigger
	Webhooks    []string
	Secret      string // hex digest, see identity.HashedValue; set at creation, never rotated
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// User is an operator account for the API.
type User struct {
	ID        string
	Username  string
	Password  string // identity.HashedPassword encoded form
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is one execution attempt against a repository.
type Job struct {
	ID           string            `json:"id"`
	RepositoryID string            `json:"repository_id"`
	Status       JobStatus         `json:"status"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// JobStatusLog is one append-only audit row for a job's status transitions.
type JobStatusLog struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobWithLogs is a Job together with its full status-log history, as
// returned by FindByRepoAndID.
type JobWithLogs struct {
	Job
	Logs []JobStatusLog `json:"logs"`
}

// JobSummary is a Job joined with its owning repository's slug, for the
// global recent-jobs listing.
type JobSummary struct {
	Job
	RepositorySlug string `json:"repository_slug"`
}

// Storage is the persistence contract backing the engine and API layers.
// Implementations must serialize writes through a single connection and
// may use a pool of read-only connections for everything else.
type Storage interface {
	// Repositories.
	CreateRepository(ctx context.Context, repo *Repository) error
	UpdateRepository(ctx context.Context, repo *Repository) error
	SoftDeleteRepository(ctx context.Context, id string) error
	HardDeleteRepository(ctx context.Context, id string) error
	ListRepositories(ctx context.Context) ([]*Repository, error)
	FindRepositoryByID(ctx context.Context, id string) (*Repository, error)
	FindRepositoryBySlug(ctx context.Context, slug string) (*Repository, error)

	// Users.
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	SetUserPassword(ctx context.Context, id, hashedPassword string) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)

	// Jobs.
	Push(ctx context.Context, job *Job) error
	NextQueued(ctx context.Context, repositoryID string) (*Job, error)
	UpdateStatus(ctx context.Context, job *Job) error
	ListRecent(ctx context.Context, limit int) ([]*JobSummary, error)
	ListForRepo(ctx context.Context, repositoryID string) ([]*Job, error)
	FindByRepoAndID(ctx context.Context, repositoryID, jobID string) (*JobWithLogs, error)

	Close() error
}
