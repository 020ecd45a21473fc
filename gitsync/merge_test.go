package gitsync

import (
	"reflect"
	"testing"

	"strata/filetree"
)

func TestMergeFileDistinctEdits(t *testing.T) {
	base := []byte("one\ntwo\nthree\nfour\nfive\n")
	local := []byte("ONE\ntwo\nthree\nfour\nfive\n")
	remote := []byte("one\ntwo\nthree\nfour\nFIVE\n")

	merged, ok := mergeFile(base, local, remote)
	if !ok {
		t.Fatal("disjoint edits reported as conflict")
	}
	if got, want := string(merged), "ONE\ntwo\nthree\nfour\nFIVE\n"; got != want {
		t.Errorf("merged = %q, want %q", got, want)
	}
}

func TestMergeFileOverlappingEdits(t *testing.T) {
	base := []byte("one\ntwo\nthree\n")
	local := []byte("one\nTWO-local\nthree\n")
	remote := []byte("one\nTWO-remote\nthree\n")

	if _, ok := mergeFile(base, local, remote); ok {
		t.Fatal("overlapping edits merged silently")
	}
}

func TestMergeFileIdenticalEdits(t *testing.T) {
	base := []byte("one\ntwo\n")
	edit := []byte("one\nTWO\n")

	merged, ok := mergeFile(base, edit, edit)
	if !ok {
		t.Fatal("identical edits reported as conflict")
	}
	if string(merged) != string(edit) {
		t.Errorf("merged = %q", merged)
	}
}

func TestMergeFileOneSideUnchanged(t *testing.T) {
	base := []byte("one\ntwo\n")
	remote := []byte("one\nTWO\n")

	merged, ok := mergeFile(base, base, remote)
	if !ok || string(merged) != string(remote) {
		t.Fatalf("merged = %q, ok = %v", merged, ok)
	}
	merged, ok = mergeFile(base, remote, base)
	if !ok || string(merged) != string(remote) {
		t.Fatalf("merged = %q, ok = %v", merged, ok)
	}
}

func TestMergeFileDisjointInsertions(t *testing.T) {
	base := []byte("alpha\nbeta\ngamma\n")
	local := []byte("intro\nalpha\nbeta\ngamma\n")
	remote := []byte("alpha\nbeta\ngamma\noutro\n")

	merged, ok := mergeFile(base, local, remote)
	if !ok {
		t.Fatal("disjoint insertions reported as conflict")
	}
	if got, want := string(merged), "intro\nalpha\nbeta\ngamma\noutro\n"; got != want {
		t.Errorf("merged = %q, want %q", got, want)
	}
}

func TestMergeFileSamePointInsertionsConflict(t *testing.T) {
	base := []byte("a\nb\nc\nd\ne\n")
	local := []byte("a\nb\nX\nc\nd\ne\n")
	remote := []byte("a\nb\nY\nc\nd\ne\n")

	if _, ok := mergeFile(base, local, remote); ok {
		t.Fatal("divergent insertions at one point merged silently")
	}
}

func TestMergeFileSamePointIdenticalInsertions(t *testing.T) {
	base := []byte("a\nb\nc\n")
	edit := []byte("a\nb\nX\nc\n")

	merged, ok := mergeFile(base, edit, edit)
	if !ok || string(merged) != string(edit) {
		t.Fatalf("merged = %q, ok = %v", merged, ok)
	}
}

func TestMergeFileNoTrailingNewline(t *testing.T) {
	base := []byte("one\ntwo\nthree")
	local := []byte("ONE\ntwo\nthree")
	remote := []byte("one\ntwo\nTHREE")

	merged, ok := mergeFile(base, local, remote)
	if !ok {
		t.Fatal("edits reported as conflict")
	}
	if got, want := string(merged), "ONE\ntwo\nTHREE"; got != want {
		t.Errorf("merged = %q, want %q", got, want)
	}
}

func TestMergeFileBinaryConflicts(t *testing.T) {
	base := []byte{0x00, 0x01, 0x02}
	local := []byte{0x00, 0x01, 0x03}
	remote := []byte{0x00, 0x01, 0x04}

	if _, ok := mergeFile(base, local, remote); ok {
		t.Fatal("binary divergence merged silently")
	}
}

func TestMergeTrees(t *testing.T) {
	base := filetree.Tree{
		"keep.txt":    []byte("keep\n"),
		"local.txt":   []byte("old\n"),
		"remote.txt":  []byte("old\n"),
		"gone.txt":    []byte("bye\n"),
		"shared.txt":  []byte("one\ntwo\nthree\n"),
		"dropped.txt": []byte("both delete\n"),
	}
	local := filetree.Tree{
		"keep.txt":      []byte("keep\n"),
		"local.txt":     []byte("new local\n"),
		"remote.txt":    []byte("old\n"),
		"gone.txt":      []byte("bye\n"),
		"shared.txt":    []byte("ONE\ntwo\nthree\n"),
		"local-add.txt": []byte("mine\n"),
		"same-add.txt":  []byte("identical\n"),
	}
	remote := filetree.Tree{
		"keep.txt":       []byte("keep\n"),
		"local.txt":      []byte("old\n"),
		"remote.txt":     []byte("new remote\n"),
		"shared.txt":     []byte("one\ntwo\nTHREE\n"),
		"remote-add.txt": []byte("theirs\n"),
		"same-add.txt":   []byte("identical\n"),
	}

	merged, conflicts := mergeTrees(base, local, remote)
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %v", conflicts)
	}

	want := filetree.Tree{
		"keep.txt":       []byte("keep\n"),
		"local.txt":      []byte("new local\n"),
		"remote.txt":     []byte("new remote\n"),
		"shared.txt":     []byte("ONE\ntwo\nTHREE\n"),
		"local-add.txt":  []byte("mine\n"),
		"remote-add.txt": []byte("theirs\n"),
		"same-add.txt":   []byte("identical\n"),
	}
	if len(merged) != len(want) {
		t.Fatalf("merged paths = %v", merged.Paths())
	}
	for p, c := range want {
		if string(merged[p]) != string(c) {
			t.Errorf("%s = %q, want %q", p, merged[p], c)
		}
	}
	if _, ok := merged["gone.txt"]; ok {
		t.Error("remote deletion not applied")
	}
	if _, ok := merged["dropped.txt"]; ok {
		t.Error("double deletion survived")
	}
}

func TestMergeTreesConflicts(t *testing.T) {
	base := filetree.Tree{
		"modify-delete.txt": []byte("base\n"),
		"overlap.txt":       []byte("line\n"),
	}
	local := filetree.Tree{
		"modify-delete.txt": []byte("edited locally\n"),
		"overlap.txt":       []byte("local line\n"),
		"add-add.txt":       []byte("local version\n"),
	}
	remote := filetree.Tree{
		"overlap.txt": []byte("remote line\n"),
		"add-add.txt": []byte("remote version\n"),
	}

	_, conflicts := mergeTrees(base, local, remote)
	want := []string{"add-add.txt", "modify-delete.txt", "overlap.txt"}
	if !reflect.DeepEqual(conflicts, want) {
		t.Fatalf("conflicts = %v, want %v", conflicts, want)
	}
}

func TestApplyHunksBounds(t *testing.T) {
	base := splitLines("a\nb\nc\nd\n")
	hunks := []hunk{
		{start: 0, end: 1, lines: []string{"A\n"}},
		{start: 2, end: 2, lines: []string{"x\n"}},
		{start: 3, end: 4},
	}
	got := applyHunks(base, hunks)
	want := []string{"A\n", "b\n", "x\n", "c\n"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
}

func TestSplitLines(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a\n", []string{"a\n"}},
		{"a\nb", []string{"a\n", "b"}},
		{"a\nb\n", []string{"a\n", "b\n"}},
		{"\n\n", []string{"\n", "\n"}},
	}
	for _, tc := range cases {
		if got := splitLines(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitLines(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
