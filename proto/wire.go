// Package proto defines wire format DTOs for the strata HTTP API.
package proto

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	// Error is the human-readable message.
	Error string `json:"error"`
	// Kind is the stable error code: validation, state, conflict,
	// network, not_found, or internal.
	Kind string `json:"kind"`
	// Paths lists the affected paths for conflict errors.
	Paths []string `json:"paths,omitempty"`
}

// HealthResponse reports daemon liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// CreateProjectRequest provisions a project.
type CreateProjectRequest struct {
	ProjectID string `json:"projectId"`
}

// ProjectInfo identifies one project in list responses.
type ProjectInfo struct {
	ProjectID string `json:"projectId"`
}

// ListProjectsResponse lists all projects.
type ListProjectsResponse struct {
	Projects []ProjectInfo `json:"projects"`
}

// CheckpointCreateRequest captures the working tree as a checkpoint.
type CheckpointCreateRequest struct {
	// Message labels the checkpoint.
	Message string `json:"message"`
	// ParentID pins an explicit parent; empty follows the current head.
	ParentID string `json:"parentId,omitempty"`
}

// Checkpoint is one snapshot record.
type Checkpoint struct {
	ID         string `json:"id"`
	ParentID   string `json:"parentId,omitempty"`
	Message    string `json:"message"`
	Author     string `json:"author"`
	CreatedAt  int64  `json:"createdAt"` // Unix milliseconds
	FileCount  int64  `json:"fileCount"`
	TotalBytes int64  `json:"totalBytes"`
}

// CheckpointListResponse is a history walk, newest first.
type CheckpointListResponse struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
	// Head is the checkpoint the working tree is based on, if any.
	Head string `json:"head,omitempty"`
}

// DiffEntry is one path's transition between two checkpoints.
type DiffEntry struct {
	Path string `json:"path"`
	// Kind is added, removed, or modified.
	Kind       string `json:"kind"`
	FromDigest string `json:"fromDigest,omitempty"`
	ToDigest   string `json:"toDigest,omitempty"`
}

// DiffResponse compares two checkpoints.
type DiffResponse struct {
	From    string      `json:"from"`
	To      string      `json:"to"`
	Entries []DiffEntry `json:"entries"`
}

// RestoreRequest rewrites the working tree to a checkpoint.
type RestoreRequest struct {
	// Force discards uncheckpointed working tree changes.
	Force bool `json:"force,omitempty"`
}

// CloneRequest connects the project to a remote repository.
type CloneRequest struct {
	URL string `json:"url"`
}

// RemoteRequest registers a remote.
type RemoteRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// RepositoryState describes the project's repository.
type RepositoryState struct {
	Exists  bool              `json:"exists"`
	Branch  string            `json:"branch,omitempty"`
	Remotes map[string]string `json:"remotes,omitempty"`
}

// StageRequest stages paths for the next commit. An empty list stages
// every pending change.
type StageRequest struct {
	Paths []string `json:"paths"`
}

// CommitRequest records the staged changes.
type CommitRequest struct {
	Message string `json:"message"`
}

// Commit is one entry of the repository log.
type Commit struct {
	Hash       string `json:"hash"`
	ShortHash  string `json:"shortHash"`
	Message    string `json:"message"`
	Author     string `json:"author"`
	Date       int64  `json:"date"` // Unix milliseconds
	ParentHash string `json:"parentHash,omitempty"`
}

// LogResponse is the commit log, newest first.
type LogResponse struct {
	Commits []Commit `json:"commits"`
}

// SyncResult reports one push, pull, or clone operation.
type SyncResult struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	State string `json:"state"`
	// Detail is the operation's human-readable outcome.
	Detail        string   `json:"detail,omitempty"`
	ConflictPaths []string `json:"conflictPaths,omitempty"`
	StartedAt     int64    `json:"startedAt"`
	FinishedAt    int64    `json:"finishedAt,omitempty"`
}
