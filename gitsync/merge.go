package gitsync

import (
	"bytes"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"strata/filetree"
)

// mergeTrees merges local and remote against their common base. The
// merged tree contains the union of non-conflicting outcomes; conflicts
// lists, sorted, every path whose changes could not be combined:
// divergent add/add pairs, delete against modify, binary files edited on
// both sides, and text files with overlapping edits. A non-empty conflict
// list means the merged tree must not be applied.
func mergeTrees(base, local, remote filetree.Tree) (filetree.Tree, []string) {
	paths := map[string]bool{}
	for p := range base {
		paths[p] = true
	}
	for p := range local {
		paths[p] = true
	}
	for p := range remote {
		paths[p] = true
	}

	merged := filetree.Tree{}
	var conflicts []string
	for p := range paths {
		b, inBase := base[p]
		l, inLocal := local[p]
		r, inRemote := remote[p]

		switch {
		case inLocal && inRemote && bytes.Equal(l, r):
			// Same outcome on both sides, including identical additions.
			merged[p] = l
		case !inLocal && !inRemote:
			// Deleted on both sides (or never present).
		case !inBase:
			// Added on one side only; divergent add/add was caught above.
			if inLocal && inRemote {
				conflicts = append(conflicts, p)
			} else if inLocal {
				merged[p] = l
			} else {
				merged[p] = r
			}
		default:
			localChanged := !inLocal || !bytes.Equal(b, l)
			remoteChanged := !inRemote || !bytes.Equal(b, r)
			switch {
			case !localChanged:
				if inRemote {
					merged[p] = r
				}
			case !remoteChanged:
				if inLocal {
					merged[p] = l
				}
			case !inLocal || !inRemote:
				// Modified on one side, deleted on the other.
				conflicts = append(conflicts, p)
			default:
				m, ok := mergeFile(b, l, r)
				if !ok {
					conflicts = append(conflicts, p)
					continue
				}
				merged[p] = m
			}
		}
	}
	sort.Strings(conflicts)
	return merged, conflicts
}

// mergeFile merges two edits of the same text file. It reports ok=false
// when the edits overlap or the content is binary.
func mergeFile(base, local, remote []byte) ([]byte, bool) {
	switch {
	case bytes.Equal(local, remote):
		return local, true
	case bytes.Equal(base, local):
		return remote, true
	case bytes.Equal(base, remote):
		return local, true
	}
	if isBinary(base) || isBinary(local) || isBinary(remote) {
		return nil, false
	}

	baseLines := splitLines(string(base))
	localHunks := diffHunks(string(base), string(local))
	remoteHunks := diffHunks(string(base), string(remote))

	combined, ok := combineHunks(localHunks, remoteHunks)
	if !ok {
		return nil, false
	}
	return []byte(strings.Join(applyHunks(baseLines, combined), "")), true
}

func isBinary(content []byte) bool {
	return bytes.IndexByte(content, 0) >= 0
}

// hunk is one contiguous edit against the base: the half-open line range
// [start, end) it removes and the lines it inserts in their place. A pure
// insertion has start == end.
type hunk struct {
	start, end int
	lines      []string
}

func (h hunk) equal(o hunk) bool {
	if h.start != o.start || h.end != o.end || len(h.lines) != len(o.lines) {
		return false
	}
	for i := range h.lines {
		if h.lines[i] != o.lines[i] {
			return false
		}
	}
	return true
}

// diffHunks computes line-level edit hunks transforming base into other.
func diffHunks(base, other string) []hunk {
	dmp := diffmatchpatch.New()
	ca, cb, arr := dmp.DiffLinesToChars(base, other)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), arr)

	var hunks []hunk
	cursor := 0
	for i := 0; i < len(diffs); i++ {
		d := diffs[i]
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			cursor += len(lines)
		case diffmatchpatch.DiffDelete:
			h := hunk{start: cursor, end: cursor + len(lines)}
			// A delete immediately followed by an insert is one replacement.
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				h.lines = splitLines(diffs[i+1].Text)
				i++
			}
			hunks = append(hunks, h)
			cursor = h.end
		case diffmatchpatch.DiffInsert:
			hunks = append(hunks, hunk{start: cursor, end: cursor, lines: lines})
		}
	}
	return hunks
}

// combineHunks interleaves two hunk sets over the same base. Two hunks
// conflict when their base ranges overlap, or when both insert different
// content at the same point. Identical hunks collapse into one.
func combineHunks(a, b []hunk) ([]hunk, bool) {
	out := make([]hunk, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ha, hb := a[i], b[j]
		if ha.equal(hb) {
			out = append(out, ha)
			i++
			j++
			continue
		}
		if ha.start < hb.end && hb.start < ha.end {
			return nil, false
		}
		if ha.start == hb.start && ha.end == hb.end {
			// Both zero-width at the same point with different lines.
			return nil, false
		}
		if ha.start <= hb.start {
			out = append(out, ha)
			i++
		} else {
			out = append(out, hb)
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out, true
}

// applyHunks rewrites base through non-overlapping hunks sorted by start.
func applyHunks(base []string, hunks []hunk) []string {
	out := make([]string, 0, len(base))
	cursor := 0
	for _, h := range hunks {
		out = append(out, base[cursor:h.start]...)
		out = append(out, h.lines...)
		cursor = h.end
	}
	return append(out, base[cursor:]...)
}

// splitLines splits keeping terminators, so joining with "" reproduces
// the input even without a trailing newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
