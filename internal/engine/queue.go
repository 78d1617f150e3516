// Package engine drives repository queues: one serialized drain loop per
// repository, the trigger matcher, shell execution, and outbound webhook
// fan-out.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/littleci/internal/identity"
	"github.com/ehrlich-b/littleci/internal/storage"
)

// Queue owns one worker handle per repository and drives their drain loops
// against a Store. It holds no job or repository state of its own: every
// drain-loop iteration rereads the Store, so edits made mid-flight (rename,
// delete, new variables) take effect on the next job.
type Queue struct {
	store   storage.Storage
	dataDir string
	log     *slog.Logger
	client  *http.Client

	mu      sync.RWMutex
	workers map[string]*worker

	active atomic.Int32 // service_state: 1 == active, 0 == draining down; Notify does not consult it
}

// worker is the per-repository concurrency unit. token guards the drain
// loop: Notify attempts a non-blocking acquire, so at most one drain runs
// per repository at a time, and bursts of Notify calls coalesce into one
// extra pass after the current drain finishes.
type worker struct {
	repositoryID string
	token        chan struct{} // buffered(1); holding the single slot == busy
}

func newWorker(repositoryID string) *worker {
	w := &worker{repositoryID: repositoryID, token: make(chan struct{}, 1)}
	w.token <- struct{}{}
	return w
}

// tryAcquire is a non-blocking token acquire.
func (w *worker) tryAcquire() bool {
	select {
	case <-w.token:
		return true
	default:
		return false
	}
}

func (w *worker) release() {
	w.token <- struct{}{}
}

// busy reports whether a drain currently holds the token.
func (w *worker) busy() bool {
	select {
	case <-w.token:
		w.token <- struct{}{}
		return false
	default:
		return true
	}
}

// NewQueue constructs a Queue. log defaults to slog.Default() if nil.
func NewQueue(store storage.Storage, dataDir string, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		store:   store,
		dataDir: dataDir,
		log:     log,
		client:  &http.Client{Timeout: 10 * time.Second},
		workers: make(map[string]*worker),
	}
	q.active.Store(1)
	return q
}

// DataDir returns the root directory under which per-job log directories
// are created.
func (q *Queue) DataDir() string {
	return q.dataDir
}

// Push enqueues a job against slug. It resolves the repository, refuses
// deleted repositories, writes the job, installs a worker if one is not
// already running, and notifies it.
func (q *Queue) Push(ctx context.Context, slug string, data map[string]string) (*storage.Job, error) {
	repo, err := q.store.FindRepositoryBySlug(ctx, slug)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, fmt.Errorf("%w: repository %q", ErrNotFound, slug)
		}
		return nil, fmt.Errorf("%w: %s", ErrInternal, err)
	}
	if repo.Deleted {
		return nil, fmt.Errorf("%w: repository has been deleted", ErrGone)
	}

	now := time.Now().UTC()
	job := &storage.Job{
		ID:           identity.NewID(),
		RepositoryID: repo.ID,
		Status:       storage.JobStatusQueued,
		Data:         data,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	w := q.installWorker(repo.ID)
	if err := q.store.Push(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInternal, err)
	}
	q.Notify(w)
	return job, nil
}

func (q *Queue) installWorker(repositoryID string) *worker {
	q.mu.RLock()
	w, ok := q.workers[repositoryID]
	q.mu.RUnlock()
	if ok {
		return w
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[repositoryID]; ok {
		return w
	}
	w = newWorker(repositoryID)
	q.workers[repositoryID] = w
	return w
}

// InstallAndNotify installs a worker for repositoryID if absent and
// notifies it. Used by restart recovery to resume pending work for every
// non-deleted repository at boot.
func (q *Queue) InstallAndNotify(repositoryID string) {
	q.Notify(q.installWorker(repositoryID))
}

// Notify attempts a non-blocking acquire of w's processing token. On
// success it starts the drain loop in a new goroutine, which holds the
// token until no queued job remains; on failure some other call is
// already draining and Notify returns immediately. After releasing the
// token the drainer checks once more for queued work and, if any is
// found, notifies again: that is the one extra pass a burst of Notify
// calls coalesces into.
func (q *Queue) Notify(w *worker) {
	if !w.tryAcquire() {
		return
	}
	go func() {
		q.drain(w.repositoryID)
		w.release()

		// A Notify that lost the token to this drain just before it exited
		// returned without draining; pick up whatever it left queued.
		ctx := context.Background()
		repo, err := q.store.FindRepositoryByID(ctx, w.repositoryID)
		if err != nil || repo.Deleted {
			return
		}
		if job, err := q.store.NextQueued(ctx, w.repositoryID); err == nil && job != nil {
			q.Notify(w)
		}
	}()
}

// drain runs the per-repository loop: rereads the repository and next
// queued job each iteration, executes, transitions status, and posts
// webhooks, until the repository is deleted/missing or the queue empties.
func (q *Queue) drain(repositoryID string) {
	ctx := context.Background()
	for {
		repo, err := q.store.FindRepositoryByID(ctx, repositoryID)
		if err != nil || repo == nil || repo.Deleted {
			return
		}

		job, err := q.store.NextQueued(ctx, repositoryID)
		if err != nil {
			q.log.Error("next queued job", "repository", repo.Slug, "error", err)
			return
		}
		if job == nil {
			return
		}

		q.runOne(ctx, repo, job)
	}
}

func (q *Queue) runOne(ctx context.Context, repo *storage.Repository, job *storage.Job) {
	q.transition(ctx, repo, job, storage.JobStatusRunning, nil)

	jobDir := filepath.Join(q.dataDir, "jobs", job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		q.log.Error("create job directory", "job_id", job.ID, "error", err)
		code := -1
		q.transition(ctx, repo, job, storage.JobStatusFailed, &code)
		return
	}

	logPath := filepath.Join(jobDir, "output.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		q.log.Error("create job log", "job_id", job.ID, "error", err)
		code := -1
		q.transition(ctx, repo, job, storage.JobStatusFailed, &code)
		return
	}
	defer logFile.Close()

	exec := &Executor{
		WorkDir: repo.WorkingDir,
		Env:     mergeEnv(repo.Variables, job.Data),
		Output:  logFile,
	}

	outcome, err := exec.Run(ctx, repo.Run)
	switch {
	case err != nil:
		code := -1
		q.transition(ctx, repo, job, storage.JobStatusFailed, &code)
	case outcome.Signaled:
		q.transition(ctx, repo, job, storage.JobStatusCancelled, nil)
	case outcome.ExitCode == 0:
		q.transition(ctx, repo, job, storage.JobStatusCompleted, nil)
	default:
		code := outcome.ExitCode
		q.transition(ctx, repo, job, storage.JobStatusFailed, &code)
	}
}

// mergeEnv builds the variables a job adds to the OS environment: the
// repository's variables, overridden by the job's own data. The Executor
// layers the result over the OS environment.
func mergeEnv(repoVars, jobData map[string]string) map[string]string {
	env := make(map[string]string, len(repoVars)+len(jobData))
	for k, v := range repoVars {
		env[k] = v
	}
	for k, v := range jobData {
		env[k] = v
	}
	return env
}

// transition updates a job's status and emits a status-log row, then posts
// outbound webhooks for the new state. A write failure is logged, not
// propagated: the drain loop continues to the next job regardless.
func (q *Queue) transition(ctx context.Context, repo *storage.Repository, job *storage.Job, status storage.JobStatus, exitCode *int) {
	job.Status = status
	job.ExitCode = exitCode
	job.UpdatedAt = time.Now().UTC()

	if err := q.store.UpdateStatus(ctx, job); err != nil {
		q.log.Error("update job status", "job_id", job.ID, "status", status, "error", err)
	}
	q.postWebhooks(repo, job)
}

type webhookPayload struct {
	ID         string            `json:"id"`
	Repository string            `json:"repository"`
	Status     storage.JobStatus `json:"status"`
	ExitCode   *int              `json:"exit_code,omitempty"`
}

// postWebhooks fans a transition out to every URL configured on repo.
// Delivery failures are logged and never affect the job outcome: no
// retry, no backoff.
func (q *Queue) postWebhooks(repo *storage.Repository, job *storage.Job) {
	if len(repo.Webhooks) == 0 {
		return
	}
	payload := webhookPayload{ID: job.ID, Repository: repo.Slug, Status: job.Status}
	if job.Status == storage.JobStatusFailed {
		payload.ExitCode = job.ExitCode
	}
	body, err := json.Marshal(payload)
	if err != nil {
		q.log.Error("marshal webhook payload", "job_id", job.ID, "error", err)
		return
	}

	for _, url := range repo.Webhooks {
		go func(url string) {
			resp, err := q.client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				q.log.Warn("webhook delivery failed", "url", url, "job_id", job.ID, "error", err)
				return
			}
			resp.Body.Close()
		}(url)
	}
}

// Deactivate flips the queue's service state to draining-down. It does not
// stop anything: drains in flight continue, and InstallAndNotify/Push
// still accept new enqueues and start drains for them. Busy() reports
// when shutdown can complete.
func (q *Queue) Deactivate() {
	q.active.Store(0)
}

// Busy reports whether any worker currently holds its processing token.
func (q *Queue) Busy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, w := range q.workers {
		if w.busy() {
			return true
		}
	}
	return false
}

// ReadJobLog returns the combined stdout+stderr log for a job.
func (q *Queue) ReadJobLog(jobID string) (string, error) {
	path := filepath.Join(q.dataDir, "jobs", jobID, "output.log")
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	return string(b), nil
}
