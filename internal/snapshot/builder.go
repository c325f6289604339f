// internal/snapshot/builder.go
package snapshot

import (
	"sort"
	"strings"

	"repo-timeline/internal/filestate"
	"repo-timeline/internal/model"
)

// RootPath is the synthetic root every top-level path hangs off. Directories
// are synthesized from path prefixes; they are never diffed directly.
const RootPath = ""

// Build turns a flat file list into a hierarchical snapshot: one directory
// node per unique path prefix, one file node per leaf path, and exactly one
// parent edge per non-root node. Directory size is fixed at zero, not an
// aggregate of its children.
func Build(files []filestate.FileSize) model.FileTreeSnapshot {
	// Sort for deterministic node/edge order; the tracker's snapshot order is
	// unspecified.
	sorted := make([]filestate.FileSize, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	snap := model.FileTreeSnapshot{
		Nodes: []model.FileNode{},
		Edges: []model.ParentEdge{},
	}
	seenDirs := make(map[string]bool)

	for _, f := range sorted {
		parent := RootPath
		segments := strings.Split(f.Path, "/")
		for i := 0; i < len(segments)-1; i++ {
			dir := strings.Join(segments[:i+1], "/")
			if !seenDirs[dir] {
				seenDirs[dir] = true
				snap.Nodes = append(snap.Nodes, model.FileNode{
					Path: dir,
					Name: segments[i],
					Size: 0,
					Kind: model.KindDirectory,
				})
				snap.Edges = append(snap.Edges, model.ParentEdge{Parent: parent, Child: dir})
			}
			parent = dir
		}

		snap.Nodes = append(snap.Nodes, model.FileNode{
			Path: f.Path,
			Name: segments[len(segments)-1],
			Size: clampZero(f.Size),
			Kind: model.KindFile,
		})
		snap.Edges = append(snap.Edges, model.ParentEdge{Parent: parent, Child: f.Path})
	}

	return snap
}

// BuildAt replays the first index+1 records of a timeline and returns the
// snapshot at that point. index is clamped to the record range; an index below
// zero yields an empty snapshot.
func BuildAt(records []model.ChangeRecord, index int) model.FileTreeSnapshot {
	if index >= len(records) {
		index = len(records) - 1
	}
	tracker := filestate.NewTracker()
	for i := 0; i <= index && i < len(records); i++ {
		tracker.Apply(records[i].FileDiffs)
	}
	return Build(tracker.Snapshot())
}

// BuildTimeline returns one snapshot per record, cumulative from the start of
// the timeline.
func BuildTimeline(records []model.ChangeRecord) []model.FileTreeSnapshot {
	tracker := filestate.NewTracker()
	out := make([]model.FileTreeSnapshot, 0, len(records))
	for _, rec := range records {
		tracker.Apply(rec.FileDiffs)
		out = append(out, Build(tracker.Snapshot()))
	}
	return out
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
