package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ehrlich-b/littleci/internal/engine"
	"github.com/ehrlich-b/littleci/internal/storage"
)

func newTestHandler(t *testing.T) (*Handler, storage.Storage, *engine.Queue) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue := engine.NewQueue(store, t.TempDir(), nil)
	auth := NewAuthenticator([]byte("test-secret"), AuthNone)
	return NewHandler(store, queue, auth, nil), store, queue
}

func createRepo(t *testing.T, store storage.Storage, slug string, deleted bool) *storage.Repository {
	t.Helper()
	now := time.Now().UTC()
	repo := &storage.Repository{
		ID:        "repo-" + slug,
		Slug:      slug,
		Name:      slug,
		Run:       "true",
		Secret:    "deadbeef",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRepository(context.Background(), repo); err != nil {
		t.Fatalf("create repo: %v", err)
	}
	if deleted {
		if err := store.SoftDeleteRepository(context.Background(), repo.ID); err != nil {
			t.Fatalf("soft delete repo: %v", err)
		}
	}
	return repo
}

// TestNotifyDeletedRepositoryNeverDistinguishableWithoutAuth verifies that a
// notify request carrying the wrong secret gets the same failure whether the
// matched repository is soft-deleted or not: deletion must never be
// observable before a correct secret is supplied.
func TestNotifyDeletedRepositoryNeverDistinguishableWithoutAuth(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	deletedRepo := createRepo(t, store, "demo-deleted", true)
	activeRepo := createRepo(t, store, "demo-active", false)

	req := httptest.NewRequest(http.MethodPost, "/notify/"+deletedRepo.Slug+"?key=wrong-secret", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	reqActive := httptest.NewRequest(http.MethodPost, "/notify/"+activeRepo.Slug+"?key=wrong-secret", nil)
	recActive := httptest.NewRecorder()
	handler.ServeHTTP(recActive, reqActive)

	if rec.Code != recActive.Code {
		t.Fatalf("deleted-repo status %d must match active-repo status %d for a wrong secret (no pre-auth leak)", rec.Code, recActive.Code)
	}
	if rec.Code == http.StatusGone {
		t.Fatalf("unauthenticated notify must not reveal repository deletion via 410, got %d", rec.Code)
	}
}

// TestNotifyDeletedRepositoryAuthenticatedReturnsGone verifies that once a
// caller supplies the correct secret, Queue.Push's post-auth check still
// reports the deletion as 410 Gone.
func TestNotifyDeletedRepositoryAuthenticatedReturnsGone(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	repo := createRepo(t, store, "demo", true)

	req := httptest.NewRequest(http.MethodPost, "/notify/"+repo.Slug+"?key="+repo.Secret, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410 Gone for authenticated notify against deleted repo, got %d: %s", rec.Code, rec.Body.String())
	}
}
