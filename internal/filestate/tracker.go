// internal/filestate/tracker.go
package filestate

import "repo-timeline/internal/model"

// FileSize is one live file path and its accumulated size.
type FileSize struct {
	Path string
	Size int
}

// Tracker applies an ordered stream of file diffs to cumulative per-file size
// state. Not safe for concurrent use; callers replay one timeline at a time.
type Tracker struct {
	sizes map[string]int
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{sizes: make(map[string]int)}
}

// Apply folds a change's file diffs into the cumulative state. Sizes are
// floored at zero; a rename carries the accumulated size of the old path to
// the new one before applying the rename's own delta.
func (t *Tracker) Apply(diffs []model.FileDiff) {
	for _, d := range diffs {
		switch d.Status {
		case model.StatusAdded, model.StatusModified:
			t.sizes[d.Filename] = clampZero(t.sizes[d.Filename] + d.Additions - d.Deletions)
		case model.StatusRemoved:
			delete(t.sizes, d.Filename)
		case model.StatusRenamed:
			carried := t.sizes[d.PreviousFilename]
			delete(t.sizes, d.PreviousFilename)
			t.sizes[d.Filename] = clampZero(carried + d.Additions - d.Deletions)
		}
	}
}

// Snapshot returns the current set of live files. Order is unspecified;
// callers must not assume stability across calls.
func (t *Tracker) Snapshot() []FileSize {
	out := make([]FileSize, 0, len(t.sizes))
	for path, size := range t.sizes {
		out = append(out, FileSize{Path: path, Size: size})
	}
	return out
}

// Len reports the number of live files.
func (t *Tracker) Len() int {
	return len(t.sizes)
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
