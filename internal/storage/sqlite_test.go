package storage

import (
	"context"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRepository(id, slug string) *Repository {
	now := time.Now().UTC()
	return &Repository{
		ID:        id,
		Slug:      slug,
		Name:      slug,
		Run:       "echo hi",
		Variables: map[string]string{"FOO": "bar"},
		Triggers:  []Trigger{{Kind: TriggerAny}},
		Webhooks:  []string{"https://example.com/hook"},
		Secret:    "deadbeef",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRepositoryCRUD(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	repo := testRepository("r1", "demo")
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	got, err := s.FindRepositoryBySlug(ctx, "demo")
	if err != nil {
		t.Fatalf("FindRepositoryBySlug: %v", err)
	}
	if got.ID != repo.ID || got.Name != repo.Name {
		t.Errorf("got %+v, want id/name to match %+v", got, repo)
	}
	if got.Variables["FOO"] != "bar" {
		t.Errorf("Variables round-trip failed: %+v", got.Variables)
	}
	if len(got.Triggers) != 1 || got.Triggers[0].Kind != TriggerAny {
		t.Errorf("Triggers round-trip failed: %+v", got.Triggers)
	}
	if len(got.Webhooks) != 1 || got.Webhooks[0] != "https://example.com/hook" {
		t.Errorf("Webhooks round-trip failed: %+v", got.Webhooks)
	}

	list, err := s.ListRepositories(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListRepositories = %v, %v", list, err)
	}
}

func TestRepositoryDuplicateSlugConflicts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.CreateRepository(ctx, testRepository("r1", "demo")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateRepository(ctx, testRepository("r2", "demo"))
	if err == nil {
		t.Fatal("expected duplicate slug to conflict")
	}
}

func TestRepositoryUpdateNeverRotatesSecret(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	repo := testRepository("r1", "demo")
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("create: %v", err)
	}

	repo.Name = "renamed"
	repo.Secret = "attempted-new-secret"
	if err := s.UpdateRepository(ctx, repo); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.FindRepositoryByID(ctx, repo.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Secret != "deadbeef" {
		t.Errorf("expected secret to remain unchanged, got %q", got.Secret)
	}
	if got.Name != "renamed" {
		t.Errorf("expected name update to apply, got %q", got.Name)
	}
}

func TestRepositorySoftDeleteExcludesFromList(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	repo := testRepository("r1", "demo")
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SoftDeleteRepository(ctx, repo.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	list, err := s.ListRepositories(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected soft-deleted repo excluded from listing, got %v", list)
	}

	got, err := s.FindRepositoryByID(ctx, repo.ID)
	if err != nil {
		t.Fatalf("find by id should still work: %v", err)
	}
	if !got.Deleted {
		t.Error("expected Deleted to be true")
	}
}

func TestHardDeleteRepositoryRemovesRow(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	repo := testRepository("r1", "demo")
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.HardDeleteRepository(ctx, repo.ID); err != nil {
		t.Fatalf("hard delete: %v", err)
	}

	if _, err := s.FindRepositoryByID(ctx, repo.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after hard delete, got %v", err)
	}
}

func TestHardDeleteRepositoryUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.HardDeleteRepository(ctx, "does-not-exist"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestUserCRUD(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := &User{ID: "u1", Username: "alice", Password: "hashed", CreatedAt: now, UpdatedAt: now}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := s.FindUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("find by username: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("got %+v", got)
	}

	if err := s.SetUserPassword(ctx, user.ID, "rehashed"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	got, _ = s.FindUserByID(ctx, user.ID)
	if got.Password != "rehashed" {
		t.Errorf("expected rehashed password, got %q", got.Password)
	}
}

func TestUserDuplicateUsernameConflicts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.CreateUser(ctx, &User{ID: "u1", Username: "alice", Password: "x", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateUser(ctx, &User{ID: "u2", Username: "alice", Password: "y", CreatedAt: now, UpdatedAt: now}); err == nil {
		t.Fatal("expected duplicate username to conflict")
	}
}

func pushTestJob(t *testing.T, s *SQLiteStorage, repoID string) *Job {
	t.Helper()
	now := time.Now().UTC()
	job := &Job{
		ID:           "j1",
		RepositoryID: repoID,
		Status:       JobStatusQueued,
		Data:         map[string]string{"k": "v"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Push(context.Background(), job); err != nil {
		t.Fatalf("push: %v", err)
	}
	return job
}

func TestPushWritesJobAndFirstStatusLog(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	repo := testRepository("r1", "demo")
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}

	job := pushTestJob(t, s, repo.ID)

	withLogs, err := s.FindByRepoAndID(ctx, repo.ID, job.ID)
	if err != nil {
		t.Fatalf("find by repo and id: %v", err)
	}
	if len(withLogs.Logs) != 1 {
		t.Fatalf("expected exactly one status log row at push time, got %d", len(withLogs.Logs))
	}
	if withLogs.Logs[0].Status != JobStatusQueued {
		t.Errorf("expected oldest log row status=queued, got %q", withLogs.Logs[0].Status)
	}
	if withLogs.Data["k"] != "v" {
		t.Errorf("job data round-trip failed: %+v", withLogs.Data)
	}
}

func TestNextQueuedOrdersByCreatedAt(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	repo := testRepository("r1", "demo")
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}

	base := time.Now().UTC()
	older := &Job{ID: "older", RepositoryID: repo.ID, Status: JobStatusQueued, CreatedAt: base, UpdatedAt: base}
	newer := &Job{ID: "newer", RepositoryID: repo.ID, Status: JobStatusQueued, CreatedAt: base.Add(time.Second), UpdatedAt: base.Add(time.Second)}
	// Insert newer first to make sure ordering comes from created_at, not insertion order.
	if err := s.Push(ctx, newer); err != nil {
		t.Fatalf("push newer: %v", err)
	}
	if err := s.Push(ctx, older); err != nil {
		t.Fatalf("push older: %v", err)
	}

	next, err := s.NextQueued(ctx, repo.ID)
	if err != nil {
		t.Fatalf("next queued: %v", err)
	}
	if next == nil || next.ID != "older" {
		t.Fatalf("expected oldest job first, got %+v", next)
	}
}

func TestUpdateStatusWritesExitCodeOnlyWhenFailed(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	repo := testRepository("r1", "demo")
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}
	job := pushTestJob(t, s, repo.ID)

	job.Status = JobStatusRunning
	job.UpdatedAt = time.Now().UTC()
	if err := s.UpdateStatus(ctx, job); err != nil {
		t.Fatalf("update to running: %v", err)
	}

	code := 7
	job.Status = JobStatusFailed
	job.ExitCode = &code
	job.UpdatedAt = time.Now().UTC()
	if err := s.UpdateStatus(ctx, job); err != nil {
		t.Fatalf("update to failed: %v", err)
	}

	withLogs, err := s.FindByRepoAndID(ctx, repo.ID, job.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if withLogs.Status != JobStatusFailed || withLogs.ExitCode == nil || *withLogs.ExitCode != 7 {
		t.Errorf("expected failed/exit_code=7, got status=%q exit_code=%v", withLogs.Status, withLogs.ExitCode)
	}
	if len(withLogs.Logs) != 3 {
		t.Fatalf("expected 3 status log rows (queued, running, failed), got %d", len(withLogs.Logs))
	}
	for _, l := range withLogs.Logs {
		if l.Status == JobStatusFailed && (l.ExitCode == nil || *l.ExitCode != 7) {
			t.Errorf("expected failed log row to carry exit_code=7, got %+v", l)
		}
		if l.Status != JobStatusFailed && l.ExitCode != nil {
			t.Errorf("expected non-failed log row to have nil exit_code, got %+v", l)
		}
	}
}

func TestListRecentJoinsRepositorySlug(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	repo := testRepository("r1", "demo")
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}
	pushTestJob(t, s, repo.ID)

	recent, err := s.ListRecent(ctx, 30)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 1 || recent[0].RepositorySlug != "demo" {
		t.Fatalf("expected one job joined with slug demo, got %+v", recent)
	}
}

func TestUnrecognizedStatusDeserializesToUnknown(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	repo := testRepository("r1", "demo")
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}
	job := pushTestJob(t, s, repo.ID)

	if _, err := s.writer.ExecContext(ctx, `UPDATE queue SET status = 'corrupt' WHERE id = ?`, job.ID); err != nil {
		t.Fatalf("corrupt status directly: %v", err)
	}

	got, err := s.NextQueued(ctx, repo.ID)
	if err != nil {
		t.Fatalf("next queued: %v", err)
	}
	if got != nil {
		t.Fatalf("corrupted status should no longer read back as queued, got %+v", got)
	}

	withLogs, err := s.FindByRepoAndID(ctx, repo.ID, job.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if withLogs.Status != JobStatusUnknown {
		t.Errorf("expected unrecognized status to read back as unknown, got %q", withLogs.Status)
	}
}
