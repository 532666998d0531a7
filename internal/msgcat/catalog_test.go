package msgcat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRenderEmbedded(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Render("challenge.queued", map[string]any{"Requester": "alice", "Position": 2})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "@alice Your challenge will start soon. Your position in queue: 2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRenderMissingKeyAndField(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Render("nope.nothing", nil); err == nil {
		t.Fatalf("expected error for unknown key")
	}
	if _, err := c.Render("vote.selected", map[string]any{}); err == nil {
		t.Fatalf("expected error for missing field")
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	body := []byte("vote:\n  open: \"Cast your vote! {{.Seconds}}s\"\n")
	if err := os.WriteFile(filepath.Join(dir, "custom.yaml"), body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Render("vote.open", map[string]any{"Seconds": 30})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Cast your vote! 30s" {
		t.Fatalf("override not applied: %q", got)
	}
	// untouched keys keep the embedded text
	if _, err := c.Render("vote.random", map[string]any{"Move": "e4"}); err != nil {
		t.Fatalf("embedded key lost: %v", err)
	}
}

func TestEveryKeyParses(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(c.Keys()) < 15 {
		t.Fatalf("unexpectedly few keys: %v", c.Keys())
	}
}
