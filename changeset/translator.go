// Package changeset translates the engine's three tree states (committed,
// staged, and working) into the summary the IDE surfaces as "what
// changed": staged, unstaged, and untracked buckets with rename detection.
//
// The translator is pure: it never touches git or the filesystem. Callers
// hand it materialized trees and it hands back buckets.
package changeset

import (
	"bytes"
	"sort"

	"github.com/sergi/go-diff/diffmatchpatch"

	"strata/filetree"
)

// Status classifies one entry within its bucket.
type Status string

const (
	StatusAdded    Status = "added"
	StatusModified Status = "modified"
	StatusDeleted  Status = "deleted"
	StatusRenamed  Status = "renamed"
)

// Entry is one path's change. Renames carry both names: Path is the new
// one, OldPath the origin.
type Entry struct {
	Path    string `json:"path"`
	OldPath string `json:"old_path,omitempty"`
	Status  Status `json:"status"`
}

// Summary is a full change-set report. Each bucket is sorted by Path.
type Summary struct {
	Branch    string  `json:"branch"`
	Staged    []Entry `json:"staged"`
	Unstaged  []Entry `json:"unstaged"`
	Untracked []Entry `json:"untracked"`
}

// Clean reports whether every bucket is empty.
func (s *Summary) Clean() bool {
	return len(s.Staged) == 0 && len(s.Unstaged) == 0 && len(s.Untracked) == 0
}

// DefaultSimilarityThreshold is the fraction of identical lines above
// which a delete/add pair collapses into a rename.
const DefaultSimilarityThreshold = 0.5

// Translator computes change-set summaries.
type Translator struct {
	// SimilarityThreshold overrides DefaultSimilarityThreshold when > 0.
	SimilarityThreshold float64
}

func (t *Translator) threshold() float64 {
	if t.SimilarityThreshold > 0 {
		return t.SimilarityThreshold
	}
	return DefaultSimilarityThreshold
}

// Translate builds the summary from the three tree states:
//
//	head:  the tree of the last bridge commit (empty before any commit)
//	index: the tree of the staging area
//	work:  the live working tree, already filtered of ignored paths
//
// Staged compares head to index. Unstaged compares index to work over
// tracked paths. Untracked lists working files unknown to both head and
// index. Rename detection runs per bucket: staged deletions pair with
// staged additions, and unstaged deletions pair with untracked files; a
// worktree rename lands in Unstaged and leaves Untracked.
func (t *Translator) Translate(branch string, head, index, work filetree.Tree) *Summary {
	sum := &Summary{Branch: branch}

	// Staged: what the next commit would record.
	var stagedAdds, stagedDels []Entry
	for _, path := range index.Paths() {
		old, tracked := head[path]
		switch {
		case !tracked:
			stagedAdds = append(stagedAdds, Entry{Path: path, Status: StatusAdded})
		case !bytes.Equal(old, index[path]):
			sum.Staged = append(sum.Staged, Entry{Path: path, Status: StatusModified})
		}
	}
	for _, path := range head.Paths() {
		if _, ok := index[path]; !ok {
			stagedDels = append(stagedDels, Entry{Path: path, Status: StatusDeleted})
		}
	}
	sum.Staged = append(sum.Staged, t.collapseRenames(stagedAdds, stagedDels, head, index)...)
	sortEntries(sum.Staged)

	// Unstaged: drift between the staging area and the working tree.
	var workDels []Entry
	for _, path := range index.Paths() {
		cur, present := work[path]
		switch {
		case !present:
			workDels = append(workDels, Entry{Path: path, Status: StatusDeleted})
		case !bytes.Equal(cur, index[path]):
			sum.Unstaged = append(sum.Unstaged, Entry{Path: path, Status: StatusModified})
		}
	}

	// Untracked: working files git has never seen.
	var untracked []Entry
	for _, path := range work.Paths() {
		if _, ok := index[path]; ok {
			continue
		}
		if _, ok := head[path]; ok {
			continue
		}
		untracked = append(untracked, Entry{Path: path, Status: StatusAdded})
	}

	// A file moved on disk without restaging shows up as an unstaged
	// deletion plus an untracked file. Pair those too; the rename entry
	// belongs to Unstaged since the tracked path is what drifted.
	for _, e := range t.collapseRenames(untracked, workDels, index, work) {
		if e.Status == StatusAdded {
			sum.Untracked = append(sum.Untracked, e)
		} else {
			sum.Unstaged = append(sum.Unstaged, e)
		}
	}
	sortEntries(sum.Unstaged)
	sortEntries(sum.Untracked)

	return sum
}

// collapseRenames pairs each added path with its most similar deleted
// counterpart. Deleted content is read from oldTree, added content from
// newTree. A pair collapses when strictly more than the threshold
// fraction of lines match. Unpaired entries pass through unchanged.
func (t *Translator) collapseRenames(adds, dels []Entry, oldTree, newTree filetree.Tree) []Entry {
	if len(adds) == 0 || len(dels) == 0 {
		return append(adds, dels...)
	}

	taken := make(map[string]bool, len(dels))
	var out []Entry
	for _, add := range adds {
		bestPath := ""
		bestScore := 0.0
		for _, del := range dels {
			if taken[del.Path] {
				continue
			}
			score := lineSimilarity(oldTree[del.Path], newTree[add.Path])
			// Ties resolve to the lexicographically first candidate,
			// which the sorted delete order already guarantees.
			if score > bestScore {
				bestScore, bestPath = score, del.Path
			}
		}
		if bestPath != "" && bestScore > t.threshold() {
			taken[bestPath] = true
			out = append(out, Entry{Path: add.Path, OldPath: bestPath, Status: StatusRenamed})
			continue
		}
		out = append(out, add)
	}
	for _, del := range dels {
		if !taken[del.Path] {
			out = append(out, del)
		}
	}
	return out
}

// lineSimilarity is the fraction of identical lines between two contents,
// measured against the larger of the two line counts.
func lineSimilarity(a, b []byte) float64 {
	linesA, linesB := countLines(a), countLines(b)
	if linesA == 0 && linesB == 0 {
		return 1
	}
	total := max(linesA, linesB)

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(string(a), string(b))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	common := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			common += countLines([]byte(d.Text))
		}
	}
	return float64(common) / float64(total)
}

// countLines counts newline-terminated lines plus a trailing unterminated
// one.
func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte("\n"))
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}
