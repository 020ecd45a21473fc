package checkpoint

import (
	"errors"
	"testing"

	"strata/errs"
	"strata/filetree"
)

func TestRestoreThenBranch(t *testing.T) {
	svc, _, mem := newService(t, filetree.Tree{
		"app.py": []byte("print('v1')\n"),
	})

	cp1, err := svc.Create("v1", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mem.Files["app.py"] = []byte("print('v2')\n")
	mem.Files["util.py"] = []byte("# helpers\n")
	cp2, err := svc.Create("v2", "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	restored, err := svc.Restore(cp1.ID, false)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.ID != cp1.ID {
		t.Errorf("restored = %q, want %q", restored.ID, cp1.ID)
	}

	// The tree matches the first checkpoint exactly.
	tree, _ := mem.ReadTree()
	if len(tree) != 1 || string(tree["app.py"]) != "print('v1')\n" {
		t.Errorf("tree after restore: %v", tree.Paths())
	}
	if head, _ := svc.Head(); head != cp1.ID {
		t.Errorf("head = %q, want %q", head, cp1.ID)
	}

	// New work branches from the restore target, not the abandoned tip.
	mem.Files["app.py"] = []byte("print('v3')\n")
	cp3, err := svc.Create("v3", "", "")
	if err != nil {
		t.Fatalf("Create after restore: %v", err)
	}
	if cp3.ParentID != cp1.ID {
		t.Errorf("parent = %q, want %q (not %q)", cp3.ParentID, cp1.ID, cp2.ID)
	}
}

func TestRestoreDirtyTreeConflicts(t *testing.T) {
	svc, _, mem := newService(t, filetree.Tree{
		"a.txt": []byte("clean"),
	})
	cp1, _ := svc.Create("", "", "")
	mem.Files["a.txt"] = []byte("edited")
	cp2, _ := svc.Create("", "", "")

	// Drift from head without checkpointing.
	mem.Files["a.txt"] = []byte("uncommitted edit")
	mem.Files["b.txt"] = []byte("also new")

	_, err := svc.Restore(cp1.ID, false)
	if errs.KindOf(err) != errs.Conflict {
		t.Fatalf("kind = %v, want Conflict (err: %v)", errs.KindOf(err), err)
	}
	paths := errs.PathsOf(err)
	if len(paths) != 2 || paths[0] != "a.txt" || paths[1] != "b.txt" {
		t.Errorf("conflict paths = %v", paths)
	}

	// Nothing moved: tree and head untouched.
	tree, _ := mem.ReadTree()
	if string(tree["a.txt"]) != "uncommitted edit" || string(tree["b.txt"]) != "also new" {
		t.Error("tree mutated by refused restore")
	}
	if head, _ := svc.Head(); head != cp2.ID {
		t.Errorf("head = %q, want %q", head, cp2.ID)
	}
}

func TestRestoreForceOverwritesDirtyTree(t *testing.T) {
	svc, _, mem := newService(t, filetree.Tree{"a.txt": []byte("v1")})
	cp1, _ := svc.Create("", "", "")
	mem.Files["a.txt"] = []byte("dirty")
	mem.Files["junk.txt"] = []byte("dirty too")

	if _, err := svc.Restore(cp1.ID, true); err != nil {
		t.Fatalf("forced Restore: %v", err)
	}
	tree, _ := mem.ReadTree()
	if len(tree) != 1 || string(tree["a.txt"]) != "v1" {
		t.Errorf("tree after forced restore: %v", tree.Paths())
	}
}

func TestRestoreSwapFailureLeavesStateAlone(t *testing.T) {
	svc, _, mem := newService(t, filetree.Tree{"a.txt": []byte("v1")})
	cp1, _ := svc.Create("", "", "")
	mem.Files["a.txt"] = []byte("v2")
	cp2, _ := svc.Create("", "", "")

	cause := errors.New("no space left on device")
	mem.FailOn("a.txt", cause)

	_, err := svc.Restore(cp1.ID, false)
	if err == nil {
		t.Fatal("Restore should fail")
	}
	if errs.KindOf(err) != errs.Internal || !errors.Is(err, cause) {
		t.Errorf("err = %v, want Internal wrapping the write failure", err)
	}

	// The swap rolled back and head still points at the newest checkpoint.
	tree, _ := mem.ReadTree()
	if string(tree["a.txt"]) != "v2" {
		t.Errorf("tree after failed restore: %q", tree["a.txt"])
	}
	if head, _ := svc.Head(); head != cp2.ID {
		t.Errorf("head = %q, want %q", head, cp2.ID)
	}
}

func TestRestoreTargetNotFound(t *testing.T) {
	svc, _, _ := newService(t, filetree.Tree{"a.txt": []byte("x")})
	svc.Create("", "", "")

	_, err := svc.Restore("missing", false)
	if errs.KindOf(err) != errs.NotFound {
		t.Errorf("kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestRestoreToHeadIsNoop(t *testing.T) {
	svc, _, mem := newService(t, filetree.Tree{"a.txt": []byte("x")})
	cp, _ := svc.Create("", "", "")

	if _, err := svc.Restore(cp.ID, false); err != nil {
		t.Fatalf("Restore to head: %v", err)
	}
	tree, _ := mem.ReadTree()
	if string(tree["a.txt"]) != "x" {
		t.Errorf("tree changed: %q", tree["a.txt"])
	}
	if head, _ := svc.Head(); head != cp.ID {
		t.Errorf("head = %q, want %q", head, cp.ID)
	}
}
