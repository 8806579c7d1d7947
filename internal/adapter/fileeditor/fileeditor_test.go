package fileeditor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fwdslsh/dispatch/internal/adapter"
)

type recorder struct {
	mu     sync.Mutex
	events []adapter.Event
}

func (r *recorder) emit(ev adapter.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) find(eventType string) *adapter.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].Type == eventType {
			ev := r.events[i]
			return &ev
		}
	}
	return nil
}

func waitForType(t *testing.T, rec *recorder, eventType string) adapter.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev := rec.find(eventType); ev != nil {
			return *ev
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", eventType)
	return adapter.Event{}
}

func openFile(t *testing.T, root, path string, rec *recorder) *Handle {
	t.Helper()
	a := New(Config{Root: root}, nil)
	meta, _ := json.Marshal(Meta{Path: path})
	h, err := a.Create(context.Background(), adapter.Params{RunID: "r1", Meta: meta, Emit: rec.emit})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h.(*Handle)
}

func TestFileEditorSnapshotAndSave(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	rec := &recorder{}
	h := openFile(t, root, "notes.txt", rec)

	snap := rec.find(TypeSnapshot)
	if snap == nil {
		t.Fatalf("expected snapshot on create")
	}
	if got := snap.Payload.(*Snapshot); got.Content != "hello" || !got.Exists {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	if err := h.WriteInput([]byte(`{"op":"save","content":"hello world"}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	if err != nil || string(data) != "hello world" {
		t.Fatalf("unexpected file content %q, %v", data, err)
	}
	waitForType(t, rec, TypeSaved)

	if err := h.WriteInput([]byte(`{"op":"truncate"}`)); err == nil {
		t.Fatalf("expected unknown command to fail")
	}
	if err := h.WriteInput([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed command to fail")
	}
}

func TestFileEditorDetectsExternalChange(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	rec := &recorder{}
	openFile(t, root, "main.go", rec)

	if err := os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}
	ev := waitForType(t, rec, TypeChanged)
	if got := ev.Payload.(*Snapshot); got.Content != "package main\n\nfunc main() {}\n" {
		t.Fatalf("unexpected changed content %q", got.Content)
	}
}

func TestFileEditorRejectsPathOutsideRoot(t *testing.T) {
	a := New(Config{Root: t.TempDir()}, nil)
	_, err := a.Create(context.Background(), adapter.Params{RunID: "r1", Meta: json.RawMessage(`{"path":"../../etc/passwd"}`), Emit: func(adapter.Event) {}})
	if err == nil {
		t.Fatalf("expected path escape to fail")
	}
}

func TestFileEditorRejectsSymlinkOutsideRoot(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("top secret"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	root := t.TempDir()
	if err := os.Symlink(secret, filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "dir")); err != nil {
		t.Fatalf("symlink dir: %v", err)
	}

	a := New(Config{Root: root}, nil)
	for _, path := range []string{"link.txt", "dir/secret.txt", "dir/new.txt"} {
		rec := &recorder{}
		meta, _ := json.Marshal(Meta{Path: path})
		if _, err := a.Create(context.Background(), adapter.Params{RunID: "r1", Meta: meta, Emit: rec.emit}); err == nil {
			t.Fatalf("expected %s to be rejected", path)
		}
		if len(rec.events) != 0 {
			t.Fatalf("expected no events for %s, got %d", path, len(rec.events))
		}
	}
}

func TestFileEditorFollowsSymlinkInsideRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "target.txt"), []byte("inside"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "target.txt"), filepath.Join(root, "alias.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	rec := &recorder{}
	openFile(t, root, "alias.txt", rec)
	snap := rec.find(TypeSnapshot).Payload.(*Snapshot)
	if snap.Content != "inside" {
		t.Fatalf("unexpected content %q", snap.Content)
	}
}

func TestFileEditorRejectsOversizedFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "big.bin"), make([]byte, 64), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	a := New(Config{Root: root, MaxFileSize: 32}, nil)
	_, err := a.Create(context.Background(), adapter.Params{RunID: "r1", Meta: json.RawMessage(`{"path":"big.bin"}`), Emit: func(adapter.Event) {}})
	if err == nil {
		t.Fatalf("expected oversized file to fail")
	}
}

func TestFileEditorOperations(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	h := openFile(t, root, "new.txt", rec)

	res, err := h.Perform(context.Background(), "reload", nil)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if res.(map[string]any)["size"].(int64) != 0 {
		t.Fatalf("unexpected reload result: %+v", res)
	}
	if _, err := h.Perform(context.Background(), "format", nil); !errors.Is(err, adapter.ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported operation, got %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := h.WriteInput([]byte(`{"op":"save","content":"x"}`)); err == nil {
		t.Fatalf("expected write after close to fail")
	}
}
