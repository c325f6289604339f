// internal/model/models.go
package model

import "time"

// FileStatus is the kind of change a FileDiff describes.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusRemoved  FileStatus = "removed"
	StatusRenamed  FileStatus = "renamed"
)

// FileDiff is one file's status and line delta within a ChangeRecord.
// Never mutated after creation.
type FileDiff struct {
	Filename         string     `json:"filename"`
	Status           FileStatus `json:"status"`
	Additions        int        `json:"additions"`
	Deletions        int        `json:"deletions"`
	PreviousFilename string     `json:"previous_filename,omitempty"`
}

// ChangeRecord is one unit of repository history (a merged pull request or a
// commit) together with its file diffs. Immutable once stored; uniquely keyed
// by (RepoKey, ExternalID). The timeline is ordered by MergedAt ascending.
type ChangeRecord struct {
	ID         int64      `json:"id"`
	RepoKey    string     `json:"repo_key"`
	ExternalID string     `json:"external_id"`
	Title      string     `json:"title"`
	Author     string     `json:"author"`
	MergedAt   time.Time  `json:"merged_at"`
	FileDiffs  []FileDiff `json:"file_diffs"`
}

// RepoSyncState tracks how far a repository has been synchronized. One row per
// repository; the only mutable record. Rewritten after every successful cycle,
// including no-op cycles, to reset the staleness clock.
type RepoSyncState struct {
	RepoKey        string    `json:"repo_key"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	LastExternalID string    `json:"last_external_id"`
	DefaultBranch  string    `json:"default_branch"`
}

// NodeKind distinguishes file and directory nodes in a snapshot.
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
)

// FileNode is one node of a reconstructed file tree.
type FileNode struct {
	Path string   `json:"path"`
	Name string   `json:"name"`
	Size int      `json:"size"`
	Kind NodeKind `json:"kind"`
}

// ParentEdge links a node to its immediate containing directory. The synthetic
// root's path is the empty string.
type ParentEdge struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// FileTreeSnapshot is the reconstructed tree at one point in the timeline.
// Derived on demand from the ChangeRecord sequence, never persisted.
type FileTreeSnapshot struct {
	Nodes []FileNode   `json:"nodes"`
	Edges []ParentEdge `json:"edges"`
}
