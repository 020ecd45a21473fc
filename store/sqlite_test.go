package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"strata/pack"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func obj(content string) pack.Object {
	return pack.Object{Digest: pack.Digest([]byte(content)), Content: []byte(content)}
}

func entry(path, content string) FileEntry {
	return FileEntry{Path: path, Digest: pack.Digest([]byte(content)), Size: int64(len(content))}
}

func TestOpenCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "history.db")); err != nil {
		t.Errorf("database file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "segments")); err != nil {
		t.Errorf("segments dir missing: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening an existing store must succeed.
	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db.Close()
}

func TestPutAndGetCheckpoint(t *testing.T) {
	db := newTestDB(t)

	cp := &Checkpoint{
		ID:         "cp-1",
		Label:      "initial snapshot",
		Actor:      "user-7",
		CreatedMs:  NowMs(),
		FileCount:  2,
		TotalBytes: 17,
	}
	files := []FileEntry{entry("b.txt", "second"), entry("a.txt", "hello world")}
	objects := []pack.Object{obj("hello world"), obj("second")}

	if err := db.PutCheckpoint(cp, files, objects, "head"); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	got, err := db.GetCheckpoint("cp-1")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.ParentID != "" || got.Label != "initial snapshot" || got.Actor != "user-7" {
		t.Errorf("checkpoint round trip: %+v", got)
	}
	if got.FileCount != 2 || got.TotalBytes != 17 {
		t.Errorf("counters: %+v", got)
	}

	manifest, err := db.GetFiles("cp-1")
	if err != nil {
		t.Fatalf("GetFiles: %v", err)
	}
	if len(manifest) != 2 || manifest[0].Path != "a.txt" || manifest[1].Path != "b.txt" {
		t.Errorf("manifest not in path order: %+v", manifest)
	}

	head, err := db.GetRef("head")
	if err != nil || head != "cp-1" {
		t.Errorf("head ref = %q, %v", head, err)
	}

	contents, err := db.ReadObjects([]string{files[0].Digest, files[1].Digest})
	if err != nil {
		t.Fatalf("ReadObjects: %v", err)
	}
	if string(contents[files[1].Digest]) != "hello world" {
		t.Errorf("content mismatch for a.txt digest")
	}

	single, err := db.ReadObject(files[0].Digest)
	if err != nil || string(single) != "second" {
		t.Errorf("ReadObject = %q, %v", single, err)
	}
}

func TestPutCheckpointDedupsObjects(t *testing.T) {
	db := newTestDB(t)

	if err := db.PutCheckpoint(
		&Checkpoint{ID: "cp-1", CreatedMs: NowMs(), FileCount: 1, TotalBytes: 6},
		[]FileEntry{entry("a.txt", "shared")},
		[]pack.Object{obj("shared")},
		"head",
	); err != nil {
		t.Fatalf("first PutCheckpoint: %v", err)
	}

	// Second checkpoint keeps a.txt and adds one new file. Only the new
	// content should produce an object.
	if err := db.PutCheckpoint(
		&Checkpoint{ID: "cp-2", ParentID: "cp-1", CreatedMs: NowMs(), FileCount: 2, TotalBytes: 9},
		[]FileEntry{entry("a.txt", "shared"), entry("b.txt", "new")},
		[]pack.Object{obj("shared"), obj("new")},
		"head",
	); err != nil {
		t.Fatalf("second PutCheckpoint: %v", err)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Checkpoints != 2 || stats.Segments != 2 || stats.Objects != 2 {
		t.Errorf("stats = %+v, want 2 checkpoints, 2 segments, 2 objects", stats)
	}

	got, err := db.GetCheckpoint("cp-2")
	if err != nil || got.ParentID != "cp-1" {
		t.Errorf("cp-2 parent = %+v, %v", got, err)
	}
}

func TestPutCheckpointNoNewContent(t *testing.T) {
	db := newTestDB(t)

	if err := db.PutCheckpoint(
		&Checkpoint{ID: "cp-1", CreatedMs: NowMs(), FileCount: 1, TotalBytes: 1},
		[]FileEntry{entry("a.txt", "x")},
		[]pack.Object{obj("x")},
		"head",
	); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	// A label-only checkpoint of the identical tree adds no segment.
	if err := db.PutCheckpoint(
		&Checkpoint{ID: "cp-2", ParentID: "cp-1", Label: "tag", CreatedMs: NowMs(), FileCount: 1, TotalBytes: 1},
		[]FileEntry{entry("a.txt", "x")},
		[]pack.Object{obj("x")},
		"head",
	); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Segments != 1 || stats.Objects != 1 {
		t.Errorf("stats = %+v, want 1 segment and 1 object", stats)
	}
}

func TestPutCheckpointDuplicateIDLeavesNoTrace(t *testing.T) {
	db := newTestDB(t)

	put := func(content string) error {
		return db.PutCheckpoint(
			&Checkpoint{ID: "cp-1", CreatedMs: NowMs(), FileCount: 1, TotalBytes: int64(len(content))},
			[]FileEntry{entry("a.txt", content)},
			[]pack.Object{obj(content)},
			"head",
		)
	}
	if err := put("first"); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	if err := put("second attempt"); err == nil {
		t.Fatal("duplicate checkpoint id accepted")
	}

	// The failed attempt must not leave rows or a stray segment file.
	stats, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Checkpoints != 1 || stats.Segments != 1 || stats.Objects != 1 {
		t.Errorf("stats after failed put = %+v", stats)
	}
	entries, err := os.ReadDir(filepath.Join(db.Dir(), "segments"))
	if err != nil {
		t.Fatalf("read segments dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("segment files = %d, want 1 (orphan not cleaned)", len(entries))
	}
}

func TestGetCheckpointNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetCheckpoint("nope")
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("err = %v, want ErrCheckpointNotFound", err)
	}
	_, err = db.GetFiles("nope")
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("GetFiles err = %v, want ErrCheckpointNotFound", err)
	}
}

func TestReadObjectsMissingDigest(t *testing.T) {
	db := newTestDB(t)
	_, err := db.ReadObjects([]string{pack.Digest([]byte("never stored"))})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("err = %v, want ErrObjectNotFound", err)
	}
}

func TestHasObjects(t *testing.T) {
	db := newTestDB(t)
	if err := db.PutCheckpoint(
		&Checkpoint{ID: "cp-1", CreatedMs: NowMs(), FileCount: 1, TotalBytes: 5},
		[]FileEntry{entry("a.txt", "known")},
		[]pack.Object{obj("known")},
		"",
	); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	known := pack.Digest([]byte("known"))
	unknown := pack.Digest([]byte("unknown"))
	have, err := db.HasObjects([]string{known, unknown})
	if err != nil {
		t.Fatalf("HasObjects: %v", err)
	}
	if !have[known] || have[unknown] {
		t.Errorf("have = %v", have)
	}
}

func TestHasObjectsLargeBatch(t *testing.T) {
	db := newTestDB(t)

	var objects []pack.Object
	var files []FileEntry
	for i := 0; i < 40; i++ {
		content := fmt.Sprintf("content-%d", i)
		objects = append(objects, obj(content))
		files = append(files, entry(fmt.Sprintf("f%03d.txt", i), content))
	}
	if err := db.PutCheckpoint(
		&Checkpoint{ID: "cp-1", CreatedMs: NowMs(), FileCount: int64(len(files))},
		files, objects, "",
	); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	// Query more digests than one IN-clause batch holds.
	var digests []string
	for i := 0; i < 1200; i++ {
		digests = append(digests, pack.Digest([]byte(fmt.Sprintf("content-%d", i))))
	}
	have, err := db.HasObjects(digests)
	if err != nil {
		t.Fatalf("HasObjects: %v", err)
	}
	hits := 0
	for _, ok := range have {
		if ok {
			hits++
		}
	}
	if hits != 40 {
		t.Errorf("hits = %d, want 40", hits)
	}
}

func TestRefs(t *testing.T) {
	db := newTestDB(t)
	if err := db.PutCheckpoint(&Checkpoint{ID: "cp-1", CreatedMs: NowMs()}, nil, nil, ""); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	if err := db.PutCheckpoint(&Checkpoint{ID: "cp-2", ParentID: "cp-1", CreatedMs: NowMs()}, nil, nil, ""); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	if _, err := db.GetRef("head"); !errors.Is(err, ErrRefNotFound) {
		t.Errorf("missing ref err = %v, want ErrRefNotFound", err)
	}

	if err := db.SetRef("head", "cp-1"); err != nil {
		t.Fatalf("SetRef: %v", err)
	}
	if id, _ := db.GetRef("head"); id != "cp-1" {
		t.Errorf("head = %q, want cp-1", id)
	}

	if err := db.CompareAndSetRef("head", "cp-1", "cp-2"); err != nil {
		t.Fatalf("CompareAndSetRef: %v", err)
	}
	if id, _ := db.GetRef("head"); id != "cp-2" {
		t.Errorf("head = %q, want cp-2", id)
	}

	// Stale expectation loses.
	if err := db.CompareAndSetRef("head", "cp-1", "cp-1"); !errors.Is(err, ErrRefConflict) {
		t.Errorf("stale CAS err = %v, want ErrRefConflict", err)
	}
	// Unknown ref reports not found, not conflict.
	if err := db.CompareAndSetRef("ghost", "cp-1", "cp-2"); !errors.Is(err, ErrRefNotFound) {
		t.Errorf("unknown ref CAS err = %v, want ErrRefNotFound", err)
	}
}

func TestHasRoot(t *testing.T) {
	db := newTestDB(t)
	ok, err := db.HasRoot()
	if err != nil || ok {
		t.Errorf("HasRoot on empty store = %v, %v", ok, err)
	}
	if err := db.PutCheckpoint(&Checkpoint{ID: "cp-1", CreatedMs: NowMs()}, nil, nil, ""); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	ok, err = db.HasRoot()
	if err != nil || !ok {
		t.Errorf("HasRoot after root = %v, %v", ok, err)
	}
}

func TestClosedStore(t *testing.T) {
	db := newTestDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := db.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := db.GetCheckpoint("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetCheckpoint err = %v, want ErrClosed", err)
	}
	if err := db.PutCheckpoint(&Checkpoint{ID: "x"}, nil, nil, ""); !errors.Is(err, ErrClosed) {
		t.Errorf("PutCheckpoint err = %v, want ErrClosed", err)
	}
	if _, err := db.GetRef("head"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetRef err = %v, want ErrClosed", err)
	}
}
