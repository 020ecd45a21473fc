package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"strata/config"
	"strata/errs"
	"strata/filetree"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.FromEnv()
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestValidateID(t *testing.T) {
	valid := []string{"a", "my-project", "web.app_2", "abc123"}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q): %v", id, err)
		}
	}

	invalid := []string{"", "-edge", "edge-", ".dot", "UPPER", "has space", "a/b", string(make([]byte, 64))}
	for _, id := range invalid {
		err := ValidateID(id)
		if err == nil {
			t.Errorf("ValidateID(%q) should fail", id)
			continue
		}
		if errs.KindOf(err) != errs.Validation {
			t.Errorf("ValidateID(%q) kind = %v, want Validation", id, errs.KindOf(err))
		}
	}
}

func TestCreateGetDelete(t *testing.T) {
	reg := NewRegistry(testConfig(t))
	defer reg.Close()

	h, err := reg.Create("alpha")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.ID != "alpha" {
		t.Errorf("ID = %q, want alpha", h.ID)
	}
	if h.Bridge.Exists() {
		t.Error("fresh project should have no repository")
	}

	if _, err := reg.Create("alpha"); errs.KindOf(err) != errs.State {
		t.Errorf("second Create kind = %v, want State", errs.KindOf(err))
	}

	got, err := reg.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != h {
		t.Error("Get should return the cached handle")
	}

	if _, err := reg.Get("missing"); errs.KindOf(err) != errs.NotFound {
		t.Errorf("Get missing kind = %v, want NotFound", errs.KindOf(err))
	}

	if err := reg.Delete("alpha"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reg.Get("alpha"); errs.KindOf(err) != errs.NotFound {
		t.Errorf("Get after delete kind = %v, want NotFound", errs.KindOf(err))
	}
	if err := reg.Delete("alpha"); errs.KindOf(err) != errs.NotFound {
		t.Errorf("second Delete kind = %v, want NotFound", errs.KindOf(err))
	}
}

func TestList(t *testing.T) {
	reg := NewRegistry(testConfig(t))
	defer reg.Close()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := reg.Create(id); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	ids, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("List = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	reg := NewRegistry(cfg)

	h, err := reg.Create("keeper")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.Tree.WriteTree(filetree.Tree{"a.txt": []byte("hello")}); err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	cp, err := h.Checkpoints.Create("v1", "tester", "")
	if err != nil {
		t.Fatalf("checkpoint Create: %v", err)
	}
	reg.Close()

	reg2 := NewRegistry(cfg)
	defer reg2.Close()
	h2, err := reg2.Get("keeper")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	got, err := h2.Checkpoints.Get(cp.ID)
	if err != nil {
		t.Fatalf("checkpoint Get after reopen: %v", err)
	}
	if got.Label != "v1" {
		t.Errorf("Label = %q, want v1", got.Label)
	}
	tree, err := h2.Tree.ReadTree()
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	if string(tree["a.txt"]) != "hello" {
		t.Errorf("a.txt = %q, want hello", tree["a.txt"])
	}
}

func TestLRUEviction(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxOpenProjects = 2
	reg := NewRegistry(cfg)
	defer reg.Close()

	for _, id := range []string{"one", "two", "three"} {
		if _, err := reg.Create(id); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	reg.mu.RLock()
	open := len(reg.open)
	_, oneOpen := reg.open["one"]
	reg.mu.RUnlock()
	if open != 2 {
		t.Errorf("open handles = %d, want 2", open)
	}
	if oneOpen {
		t.Error("least recently used handle should have been evicted")
	}

	// The evicted project reopens from disk.
	if _, err := reg.Get("one"); err != nil {
		t.Errorf("Get evicted project: %v", err)
	}
}

func TestPinnedHandleNotEvicted(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxOpenProjects = 1
	reg := NewRegistry(cfg)
	defer reg.Close()

	h, err := reg.Create("pinned")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reg.Acquire(h)
	defer reg.Release(h)

	if _, err := reg.Create("other"); err != nil {
		t.Fatalf("Create other: %v", err)
	}

	reg.mu.RLock()
	_, stillOpen := reg.open["pinned"]
	reg.mu.RUnlock()
	if !stillOpen {
		t.Error("pinned handle must not be evicted")
	}
}

func TestReapIdle(t *testing.T) {
	cfg := testConfig(t)
	reg := NewRegistry(cfg)
	defer reg.Close()

	h, err := reg.Create("idler")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.mu.Lock()
	h.lastUsed = time.Now().Add(-time.Hour)
	h.mu.Unlock()

	reg.reapIdle(time.Minute)

	reg.mu.RLock()
	_, open := reg.open["idler"]
	reg.mu.RUnlock()
	if open {
		t.Error("idle handle should have been reaped")
	}
	// Still on disk.
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "projects", "idler", "history.db")); err != nil {
		t.Errorf("project state missing after reap: %v", err)
	}
}
