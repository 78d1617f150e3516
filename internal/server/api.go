// Package server is the thin HTTP boundary: it authenticates requests,
// parses paths, and delegates everything else to the storage and engine
// packages.
package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ehrlich-b/littleci/internal/engine"
	"github.com/ehrlich-b/littleci/internal/identity"
	"github.com/ehrlich-b/littleci/internal/storage"
)

// Handler is the root HTTP handler for the API surface.
type Handler struct {
	store storage.Storage
	queue *engine.Queue
	auth  *Authenticator
	log   *slog.Logger
}

// NewHandler constructs a Handler. log defaults to slog.Default() if nil.
func NewHandler(store storage.Storage, queue *engine.Queue, auth *Authenticator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, queue: queue, auth: auth, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")

	switch {
	case strings.HasPrefix(path, "/notify/"):
		h.routeNotify(w, r, strings.TrimPrefix(path, "/notify/"))
		return
	case path == "/login" && r.Method == http.MethodPost:
		h.login(w, r)
		return
	}

	username, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	r = r.WithContext(WithUsername(r.Context(), username))

	switch {
	case path == "/repositories" && r.Method == http.MethodGet:
		h.listRepositories(w, r)
	case path == "/repositories" && r.Method == http.MethodPost:
		h.createRepository(w, r)
	case path == "/repositories" && r.Method == http.MethodPut:
		h.updateRepository(w, r)
	case strings.HasPrefix(path, "/repositories/") && r.Method == http.MethodDelete:
		h.deleteRepository(w, r, strings.TrimPrefix(path, "/repositories/"))
	case path == "/jobs" && r.Method == http.MethodGet:
		h.listRecentJobs(w, r)
	case strings.HasPrefix(path, "/repositories/"):
		h.routeRepositoryScoped(w, r, strings.TrimPrefix(path, "/repositories/"))
	case path == "/users" && r.Method == http.MethodGet:
		h.listUsers(w, r)
	case path == "/users" && r.Method == http.MethodPost:
		h.createUser(w, r)
	case path == "/users" && r.Method == http.MethodPut:
		h.updateUser(w, r)
	case path == "/users/password" && r.Method == http.MethodPut:
		h.setUserPassword(w, r)
	case strings.HasPrefix(path, "/users/") && r.Method == http.MethodDelete:
		h.deleteUser(w, r, strings.TrimPrefix(path, "/users/"))
	default:
		http.NotFound(w, r)
	}
}

// routeRepositoryScoped handles every /repositories/<slug>[...] path that
// is not the bare collection endpoint: single-repository lookup, and the
// per-repo job listings/details/log/stream.
func (h *Handler) routeRepositoryScoped(w http.ResponseWriter, r *http.Request, rest string) {
	segments := strings.Split(rest, "/")
	slug := segments[0]

	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		h.getRepository(w, r, slug)
	case len(segments) == 2 && segments[1] == "jobs" && r.Method == http.MethodGet:
		h.listJobsForRepo(w, r, slug)
	case len(segments) == 3 && segments[1] == "jobs" && r.Method == http.MethodGet:
		h.getJob(w, r, slug, segments[2])
	case len(segments) == 4 && segments[1] == "jobs" && segments[3] == "output" && r.Method == http.MethodGet:
		h.getJobOutput(w, r, slug, segments[2])
	case len(segments) == 4 && segments[1] == "jobs" && segments[3] == "stream" && r.Method == http.MethodGet:
		h.streamJobOutput(w, r, slug, segments[2])
	default:
		http.NotFound(w, r)
	}
}

// --- Notify (C4 + C3 + C5) ---

func (h *Handler) routeNotify(w http.ResponseWriter, r *http.Request, rest string) {
	segments := strings.SplitN(rest, "/", 2)
	slug := segments[0]
	provider := ""
	if len(segments) == 2 {
		provider = segments[1]
	}

	repo, err := h.store.FindRepositoryBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: repository %q", engine.ErrNotFound, slug))
		return
	}
	// repo.Deleted is intentionally not checked here: that would let an
	// unauthenticated caller distinguish "no such repository" from
	// "repository exists but is deleted" for any slug without ever
	// supplying a secret. Queue.Push re-checks it after authentication.

	switch provider {
	case "":
		h.notifyGeneric(w, r, repo)
	case "github":
		h.notifyProvider(w, r, repo, AuthenticateGitHubSignature)
	case "gitea":
		h.notifyProvider(w, r, repo, AuthenticateGiteaSignature)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) notifyGeneric(w http.ResponseWriter, r *http.Request, repo *storage.Repository) {
	if err := AuthenticateSharedSecret(r, repo.Secret); err != nil {
		writeError(w, h.log, err)
		return
	}

	data := map[string]string{}
	if r.Method == http.MethodPost {
		defer r.Body.Close()
		// An empty POST body enqueues with no data, like a GET.
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil && err != io.EOF {
			writeError(w, h.log, fmt.Errorf("%w: invalid JSON body", engine.ErrBadSignature))
			return
		}
	}

	job, err := h.queue.Push(r.Context(), repo.Slug, data)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeResponse(w, h.log, map[string]string{"id": job.ID, "status": "queued"})
}

type providerAuth func(r *http.Request, secret string) ([]byte, error)

func (h *Handler) notifyProvider(w http.ResponseWriter, r *http.Request, repo *storage.Repository, authenticate providerAuth) {
	body, err := authenticate(r, repo.Secret)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	var payload struct {
		Reference string `json:"ref"`
		Before    string `json:"before"`
		After     string `json:"after"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid JSON body", engine.ErrBadSignature))
		return
	}

	ref, ok := engine.ParseGitReference(payload.Reference)
	if !ok {
		writeResponse(w, h.log, map[string]string{"skipped": "unrecognized ref"})
		return
	}

	gitPayload := engine.GitPayload{Reference: ref, Before: payload.Before, After: payload.After}
	if !engine.ShouldEnqueue(repo.Triggers, gitPayload) {
		writeResponse(w, h.log, map[string]string{"skipped": "Trigger rules not matched. No job queued"})
		return
	}

	data := map[string]string{
		"LITTLECI_GIT_BEFORE": payload.Before,
		"LITTLECI_GIT_AFTER":  payload.After,
	}
	switch ref.Kind {
	case engine.ReferenceHead:
		data["LITTLECI_GIT_BRANCH"] = ref.Branch
	case engine.ReferenceTag:
		data["LITTLECI_GIT_TAG"] = ref.Tag
	}

	job, err := h.queue.Push(r.Context(), repo.Slug, data)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeResponse(w, h.log, map[string]string{"id": job.ID, "status": "queued"})
}

// --- Login ---

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid JSON body", engine.ErrUnauthorized))
		return
	}

	user, err := h.store.FindUserByUsername(r.Context(), req.Username)
	if err != nil || !identity.HashedPassword(user.Password).Verify(req.Password) {
		writeError(w, h.log, engine.ErrUnauthorized)
		return
	}

	token, err := h.auth.Issue(user.Username)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %s", engine.ErrInternal, err))
		return
	}
	writeResponse(w, h.log, map[string]string{"token": token})
}

// --- Repositories ---

type repositoryRequest struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Run        string            `json:"run"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Triggers   []storage.Trigger `json:"triggers,omitempty"`
	Webhooks   []string          `json:"webhooks,omitempty"`
}

type repositoryResponse struct {
	ID         string            `json:"id"`
	Slug       string            `json:"slug"`
	Name       string            `json:"name"`
	Run        string            `json:"run"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	Triggers   []storage.Trigger `json:"triggers,omitempty"`
	Webhooks   []string          `json:"webhooks,omitempty"`
	Secret     string            `json:"secret,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func toRepositoryResponse(repo *storage.Repository, includeSecret bool) repositoryResponse {
	resp := repositoryResponse{
		ID:         repo.ID,
		Slug:       repo.Slug,
		Name:       repo.Name,
		Run:        repo.Run,
		WorkingDir: repo.WorkingDir,
		Variables:  repo.Variables,
		Triggers:   repo.Triggers,
		Webhooks:   repo.Webhooks,
		CreatedAt:  repo.CreatedAt,
		UpdatedAt:  repo.UpdatedAt,
	}
	if includeSecret {
		resp.Secret = repo.Secret
	}
	return resp
}

func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.store.ListRepositories(r.Context())
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %s", engine.ErrInternal, err))
		return
	}
	resp := make([]repositoryResponse, 0, len(repos))
	for _, repo := range repos {
		resp = append(resp, toRepositoryResponse(repo, false))
	}
	writeResponse(w, h.log, map[string]any{"repositories": resp})
}

func (h *Handler) getRepository(w http.ResponseWriter, r *http.Request, slug string) {
	repo, err := h.store.FindRepositoryBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: repository %q", engine.ErrNotFound, slug))
		return
	}
	writeResponse(w, h.log, toRepositoryResponse(repo, false))
}

func (h *Handler) createRepository(w http.ResponseWriter, r *http.Request) {
	var req repositoryRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid JSON body", engine.ErrInternal))
		return
	}

	secretMaterial := identity.NewSecretMaterial()
	secret := identity.NewHashedValue(hex.EncodeToString(secretMaterial)).String()

	now := time.Now().UTC()
	repo := &storage.Repository{
		ID:         identity.NewID(),
		Slug:       Slugify(req.Name),
		Name:       req.Name,
		Run:        req.Run,
		WorkingDir: req.WorkingDir,
		Variables:  req.Variables,
		Triggers:   req.Triggers,
		Webhooks:   req.Webhooks,
		Secret:     secret,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.CreateRepository(r.Context(), repo); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeResponse(w, h.log, toRepositoryResponse(repo, true))
}

func (h *Handler) updateRepository(w http.ResponseWriter, r *http.Request) {
	var req repositoryRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid JSON body", engine.ErrInternal))
		return
	}
	if req.ID == "" {
		writeError(w, h.log, fmt.Errorf("%w: id is required", engine.ErrNotFound))
		return
	}

	existing, err := h.store.FindRepositoryByID(r.Context(), req.ID)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: repository %q", engine.ErrNotFound, req.ID))
		return
	}

	existing.Name = req.Name
	existing.Slug = Slugify(req.Name)
	existing.Run = req.Run
	existing.WorkingDir = req.WorkingDir
	existing.Variables = req.Variables
	existing.Triggers = req.Triggers
	existing.Webhooks = req.Webhooks
	existing.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateRepository(r.Context(), existing); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeResponse(w, h.log, toRepositoryResponse(existing, false))
}

func (h *Handler) deleteRepository(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.SoftDeleteRepository(r.Context(), id); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %s", engine.ErrNotFound, err))
		return
	}
	writeResponse(w, h.log, map[string]bool{"deleted": true})
}

// --- Jobs ---

func (h *Handler) listRecentJobs(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %s", engine.ErrInternal, err))
		return
	}
	writeResponse(w, h.log, map[string]any{"jobs": jobs})
}

func (h *Handler) listJobsForRepo(w http.ResponseWriter, r *http.Request, slug string) {
	repo, err := h.store.FindRepositoryBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: repository %q", engine.ErrNotFound, slug))
		return
	}
	jobs, err := h.store.ListForRepo(r.Context(), repo.ID)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %s", engine.ErrInternal, err))
		return
	}
	writeResponse(w, h.log, map[string]any{"jobs": jobs})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request, slug, jobID string) {
	repo, err := h.store.FindRepositoryBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: repository %q", engine.ErrNotFound, slug))
		return
	}
	job, err := h.store.FindByRepoAndID(r.Context(), repo.ID, jobID)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: job %q", engine.ErrNotFound, jobID))
		return
	}
	writeResponse(w, h.log, job)
}

func (h *Handler) getJobOutput(w http.ResponseWriter, r *http.Request, slug, jobID string) {
	if _, err := h.store.FindRepositoryBySlug(r.Context(), slug); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: repository %q", engine.ErrNotFound, slug))
		return
	}
	content, err := h.queue.ReadJobLog(jobID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(content))
}

// --- Users ---

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toUserResponse(u *storage.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt}
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %s", engine.ErrInternal, err))
		return
	}
	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toUserResponse(u))
	}
	writeResponse(w, h.log, map[string]any{"users": resp})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid JSON body", engine.ErrInternal))
		return
	}

	salt := identity.NewSalt()
	now := time.Now().UTC()
	user := &storage.User{
		ID:        identity.NewID(),
		Username:  req.Username,
		Password:  string(identity.NewHashedPassword(req.Password, salt)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeResponse(w, h.log, toUserResponse(user))
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid JSON body", engine.ErrInternal))
		return
	}

	existing, err := h.store.FindUserByID(r.Context(), req.ID)
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: user %q", engine.ErrNotFound, req.ID))
		return
	}
	existing.Username = req.Username
	existing.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateUser(r.Context(), existing); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeResponse(w, h.log, toUserResponse(existing))
}

func (h *Handler) setUserPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Password string `json:"password"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid JSON body", engine.ErrInternal))
		return
	}

	salt := identity.NewSalt()
	hashed := string(identity.NewHashedPassword(req.Password, salt))
	if err := h.store.SetUserPassword(r.Context(), req.ID, hashed); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeResponse(w, h.log, map[string]bool{"updated": true})
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.DeleteUser(r.Context(), id); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: %s", engine.ErrNotFound, err))
		return
	}
	writeResponse(w, h.log, map[string]bool{"deleted": true})
}
