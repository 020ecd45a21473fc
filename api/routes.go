package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"strata/config"
	"strata/errs"
	"strata/gitbridge"
	"strata/gitsync"
	"strata/project"
	"strata/proto"
	"strata/store"
)

// Handler wraps the registry, sync coordinator, and config.
type Handler struct {
	reg   *project.Registry
	coord *gitsync.Coordinator
	cfg   *config.Config
}

// NewHandler creates a new API handler.
func NewHandler(reg *project.Registry, coord *gitsync.Coordinator, cfg *config.Config) *Handler {
	return &Handler{reg: reg, coord: coord, cfg: cfg}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(reg *project.Registry, coord *gitsync.Coordinator, cfg *config.Config) http.Handler {
	h := NewHandler(reg, coord, cfg)
	mux := http.NewServeMux()

	withProj := withProject(reg)
	proj := func(fn http.HandlerFunc) http.Handler { return withProj(fn) }

	// Health (no project needed)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Health)
	mux.HandleFunc("GET /version", h.Version)

	// Admin routes
	mux.HandleFunc("POST /admin/v1/projects", h.CreateProject)
	mux.HandleFunc("GET /admin/v1/projects", h.ListProjects)
	mux.HandleFunc("DELETE /admin/v1/projects/{project}", h.DeleteProject)

	// Checkpoints
	mux.Handle("POST /{project}/v1/checkpoints", proj(h.CreateCheckpoint))
	mux.Handle("GET /{project}/v1/checkpoints", proj(h.ListCheckpoints))
	mux.Handle("GET /{project}/v1/checkpoints/diff", proj(h.DiffCheckpoints))
	mux.Handle("GET /{project}/v1/checkpoints/{id}", proj(h.GetCheckpoint))
	mux.Handle("POST /{project}/v1/checkpoints/{id}/restore", proj(h.RestoreCheckpoint))

	// Git bridge
	mux.Handle("POST /{project}/v1/git/init", proj(h.GitInit))
	mux.Handle("POST /{project}/v1/git/clone", proj(h.GitClone))
	mux.Handle("POST /{project}/v1/git/remotes", proj(h.AddRemote))
	mux.Handle("GET /{project}/v1/git/remotes", proj(h.RepoState))
	mux.Handle("POST /{project}/v1/git/stage", proj(h.Stage))
	mux.Handle("POST /{project}/v1/git/commit", proj(h.Commit))
	mux.Handle("GET /{project}/v1/git/status", proj(h.GitStatus))
	mux.Handle("GET /{project}/v1/git/log", proj(h.GitLog))

	// Sync
	mux.Handle("POST /{project}/v1/git/push", proj(h.Push))
	mux.Handle("POST /{project}/v1/git/pull", proj(h.Pull))
	mux.Handle("GET /{project}/v1/git/sync", proj(h.SyncStatus))
	mux.Handle("POST /{project}/v1/git/sync/cancel", proj(h.SyncCancel))

	return mux
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{Status: "ok", Version: h.cfg.Version})
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{Status: "ok", Version: h.cfg.Version})
}

// ----- Admin -----

func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body", nil)
		return
	}
	if _, err := h.reg.Create(req.ProjectID); err != nil {
		writeErrs(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proto.ProjectInfo{ProjectID: req.ProjectID})
}

func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	ids, err := h.reg.List()
	if err != nil {
		writeErrs(w, err)
		return
	}
	resp := proto.ListProjectsResponse{Projects: []proto.ProjectInfo{}}
	for _, id := range ids {
		resp.Projects = append(resp.Projects, proto.ProjectInfo{ProjectID: id})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Delete(r.PathValue("project")); err != nil {
		writeErrs(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- Checkpoints -----

func (h *Handler) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}
	var req proto.CheckpointCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body", nil)
		return
	}

	ph.Lock()
	cp, err := ph.Checkpoints.Create(req.Message, ActorFrom(r.Context()), req.ParentID)
	ph.Unlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProtoCheckpoint(cp))
}

func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}

	ph.RLock()
	defer ph.RUnlock()
	head, err := ph.Checkpoints.Head()
	if err != nil {
		writeErrs(w, err)
		return
	}
	list, err := ph.Checkpoints.History("", 0)
	if err != nil {
		writeErrs(w, err)
		return
	}

	resp := proto.CheckpointListResponse{Checkpoints: []proto.Checkpoint{}, Head: head}
	for _, cp := range list {
		resp.Checkpoints = append(resp.Checkpoints, toProtoCheckpoint(cp))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}

	ph.RLock()
	cp, err := ph.Checkpoints.Get(r.PathValue("id"))
	ph.RUnlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProtoCheckpoint(cp))
}

func (h *Handler) DiffCheckpoints(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "validation", "from and to checkpoint ids required", nil)
		return
	}

	ph.RLock()
	changes, err := ph.Checkpoints.Diff(from, to)
	ph.RUnlock()
	if err != nil {
		writeErrs(w, err)
		return
	}

	resp := proto.DiffResponse{From: from, To: to, Entries: []proto.DiffEntry{}}
	for _, c := range changes {
		resp.Entries = append(resp.Entries, proto.DiffEntry{
			Path:       c.Path,
			Kind:       string(c.Kind),
			FromDigest: c.FromDigest,
			ToDigest:   c.ToDigest,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}
	var req proto.RestoreRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body", nil)
		return
	}

	ph.Lock()
	_, err := ph.Checkpoints.Restore(r.PathValue("id"), req.Force)
	ph.Unlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- Git bridge -----

func (h *Handler) GitInit(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}

	ph.Lock()
	err := ph.Bridge.Init()
	ph.Unlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AddRemote(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}
	var req proto.RemoteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body", nil)
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "validation", "remote name and url required", nil)
		return
	}

	ph.Lock()
	err := ph.Bridge.AddRemote(req.Name, req.URL)
	ph.Unlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RepoState(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}

	ph.RLock()
	info, err := ph.Bridge.Describe()
	ph.RUnlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.RepositoryState{
		Exists:  info.Exists,
		Branch:  info.Branch,
		Remotes: info.Remotes,
	})
}

func (h *Handler) Stage(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}
	var req proto.StageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body", nil)
		return
	}

	ph.Lock()
	err := ph.Bridge.Stage(req.Paths)
	ph.Unlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}
	var req proto.CommitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body", nil)
		return
	}

	ph.Lock()
	commit, err := ph.Bridge.CommitStaged(req.Message, ActorFrom(r.Context()))
	ph.Unlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProtoCommit(commit))
}

func (h *Handler) GitStatus(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}

	ph.RLock()
	summary, err := ph.Bridge.Status()
	ph.RUnlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) GitLog(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}

	ph.RLock()
	commits, err := ph.Bridge.History(0)
	ph.RUnlock()
	if err != nil {
		writeErrs(w, err)
		return
	}
	resp := proto.LogResponse{Commits: []proto.Commit{}}
	for _, c := range commits {
		resp.Commits = append(resp.Commits, toProtoCommit(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----- Sync -----

func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	h.runSync(w, r, func(t gitsync.Target) (*gitsync.Operation, error) {
		return h.coord.Push(t)
	})
}

func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	h.runSync(w, r, func(t gitsync.Target) (*gitsync.Operation, error) {
		return h.coord.Pull(t)
	})
}

func (h *Handler) GitClone(w http.ResponseWriter, r *http.Request) {
	var req proto.CloneRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body", nil)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "validation", "clone url required", nil)
		return
	}
	h.runSync(w, r, func(t gitsync.Target) (*gitsync.Operation, error) {
		return h.coord.Clone(t, req.URL)
	})
}

// runSync submits the operation and waits for it with the request
// context. The handle stays pinned until the operation resolves even if
// the client goes away first.
func (h *Handler) runSync(w http.ResponseWriter, r *http.Request, submit func(gitsync.Target) (*gitsync.Operation, error)) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}

	h.reg.Acquire(ph)
	op, err := submit(gitsync.Target{
		ProjectID:   ph.ID,
		Bridge:      ph.Bridge,
		Checkpoints: ph.Checkpoints,
		Lock:        ph.Locker(),
		Slot:        ph.Sync,
		Actor:       ActorFrom(r.Context()),
	})
	if err != nil {
		h.reg.Release(ph)
		writeErrs(w, err)
		return
	}
	go func() {
		op.Wait(context.Background())
		h.reg.Release(ph)
	}()

	waitErr := op.Wait(r.Context())
	if waitErr != nil && waitErr == r.Context().Err() {
		// Client gave up; the operation keeps running.
		writeJSON(w, http.StatusAccepted, toSyncResult(op.Snapshot()))
		return
	}
	writeJSON(w, statusOf(waitErr), toSyncResult(op.Snapshot()))
}

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}
	op := ph.Sync.Current()
	if op == nil {
		writeError(w, http.StatusNotFound, "not_found", "project has never synced", nil)
		return
	}
	writeJSON(w, http.StatusOK, toSyncResult(op.Snapshot()))
}

func (h *Handler) SyncCancel(w http.ResponseWriter, r *http.Request) {
	ph := ProjectFrom(r.Context())
	if ph == nil {
		writeError(w, http.StatusInternalServerError, "internal", "project not in context", nil)
		return
	}
	op := ph.Sync.Current()
	if op == nil || op.Snapshot().State != gitsync.StateInProgress {
		writeError(w, http.StatusConflict, "state", "no sync operation in progress", nil)
		return
	}
	op.Cancel()
	writeJSON(w, http.StatusAccepted, toSyncResult(op.Snapshot()))
}

// ----- Helpers -----

func toProtoCheckpoint(cp *store.Checkpoint) proto.Checkpoint {
	return proto.Checkpoint{
		ID:         cp.ID,
		ParentID:   cp.ParentID,
		Message:    cp.Label,
		Author:     cp.Actor,
		CreatedAt:  cp.CreatedMs,
		FileCount:  cp.FileCount,
		TotalBytes: cp.TotalBytes,
	}
}

func toProtoCommit(c *gitbridge.Commit) proto.Commit {
	return proto.Commit{
		Hash:       c.Hash,
		ShortHash:  c.ShortHash,
		Message:    c.Message,
		Author:     c.Author,
		Date:       c.Date.UnixMilli(),
		ParentHash: c.ParentHash,
	}
}

func toSyncResult(rec gitsync.Record) proto.SyncResult {
	res := proto.SyncResult{
		ID:            rec.ID,
		Kind:          string(rec.Kind),
		State:         string(rec.State),
		Detail:        rec.Detail,
		ConflictPaths: rec.ConflictPaths,
		StartedAt:     rec.StartedAt.UnixMilli(),
	}
	if !rec.FinishedAt.IsZero() {
		res.FinishedAt = rec.FinishedAt.UnixMilli()
	}
	return res
}

// decodeBody parses a JSON request body. An empty body decodes to the
// zero value so bodiless POSTs keep working.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string, paths []string) {
	writeJSON(w, status, proto.ErrorResponse{Error: msg, Kind: kind, Paths: paths})
}

// statusOf maps a taxonomy error to its HTTP status. nil is 200.
func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.State, errs.Conflict:
		return http.StatusConflict
	case errs.Network:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeErrs writes a taxonomy error as a JSON error response.
func writeErrs(w http.ResponseWriter, err error) {
	writeError(w, statusOf(err), errs.KindOf(err).String(), err.Error(), errs.PathsOf(err))
}
