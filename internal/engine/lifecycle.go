package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ehrlich-b/littleci/internal/storage"
)

// Lifecycle drives boot (resume queues for known repositories) and
// graceful shutdown (drain running jobs, then exit).
type Lifecycle struct {
	store storage.Storage
	queue *Queue
	log   *slog.Logger
}

// NewLifecycle constructs a Lifecycle. log defaults to slog.Default() if nil.
func NewLifecycle(store storage.Storage, queue *Queue, log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{store: store, queue: queue, log: log}
}

// Boot verifies the shell the executor depends on is present, enumerates
// every non-deleted repository, installs a worker for each, and notifies
// it once so any pre-existing Queued jobs drain. A job left Running at
// last shutdown is not reconciled automatically; it remains Running until
// operator action.
func (l *Lifecycle) Boot(ctx context.Context) error {
	if err := CheckCommand("sh"); err != nil {
		return fmt.Errorf("boot sanity check: %w", err)
	}

	repos, err := l.store.ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}
	for _, repo := range repos {
		l.queue.InstallAndNotify(repo.ID)
		l.log.Info("resumed repository queue", "repository", repo.Slug)
	}
	return nil
}

// WaitForShutdownSignal blocks until SIGINT or SIGTERM arrives, then
// drains: it deactivates the queue and polls every 5 seconds until no
// worker is busy. A second SIGINT during drain forces an immediate
// non-zero exit.
func (l *Lifecycle) WaitForShutdownSignal() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	stop()

	l.log.Info("shutdown signal received, draining")
	l.queue.Deactivate()

	force := make(chan os.Signal, 1)
	signal.Notify(force, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(force)

	drained := make(chan struct{})
	go func() {
		for l.queue.Busy() {
			time.Sleep(5 * time.Second)
		}
		close(drained)
	}()

	select {
	case <-drained:
		l.log.Info("drain complete, exiting")
		return 0
	case <-force:
		l.log.Warn("second shutdown signal received, forcing exit")
		return 1
	}
}
