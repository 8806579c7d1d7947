// Package fileeditor backs editor run sessions with a watched file on disk.
package fileeditor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fwdslsh/dispatch/internal/adapter"
)

// Event channel and types emitted by editor sessions.
const (
	Channel      = "file-editor:message"
	TypeSnapshot = "snapshot"
	TypeSaved    = "saved"
	TypeChanged  = "changed"
	TypeRemoved  = "removed"
)

const (
	defaultMaxFileSize = 5 << 20
	debounceInterval   = 100 * time.Millisecond
)

// Config holds editor adapter settings.
type Config struct {
	// Root confines editable paths. Empty allows any path.
	Root        string
	MaxFileSize int64
}

// Meta is the per-session creation metadata.
type Meta struct {
	Path string `json:"path"`
}

// Snapshot is the payload of snapshot and changed events.
type Snapshot struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"` // Unix milliseconds
	Exists  bool   `json:"exists"`
}

// Command is the JSON input accepted by an editor session.
type Command struct {
	Op      string `json:"op"`
	Content string `json:"content"`
}

// Adapter opens files for editing.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a file-editor adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

// resolve returns the symlink-free absolute path for path. With a root set,
// both the literal and the resolved path must stay under the resolved root.
func (a *Adapter) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	if a.cfg.Root == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		return evalExisting(abs)
	}
	root, err := filepath.Abs(a.cfg.Root)
	if err != nil {
		return "", err
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return "", fmt.Errorf("failed to resolve root %s: %w", a.cfg.Root, err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	if !within(root, full) {
		return "", fmt.Errorf("path %s is outside %s", path, root)
	}
	resolved, err := evalExisting(full)
	if err != nil {
		return "", err
	}
	if !within(root, resolved) {
		return "", fmt.Errorf("path %s resolves outside %s", path, root)
	}
	return resolved, nil
}

// evalExisting resolves symlinks in the longest existing prefix of path.
// Missing trailing components are kept as given so new files can be opened.
func evalExisting(path string) (string, error) {
	var missing []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Create opens the file, emits an initial snapshot and starts watching it.
func (a *Adapter) Create(ctx context.Context, params adapter.Params) (adapter.Handle, error) {
	var meta Meta
	if len(params.Meta) > 0 {
		if err := json.Unmarshal(params.Meta, &meta); err != nil {
			return nil, fmt.Errorf("invalid file-editor meta: %w", err)
		}
	}
	path, err := a.resolve(meta.Path)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		path:    path,
		maxSize: a.cfg.MaxFileSize,
		emit:    params.Emit,
		stop:    make(chan struct{}),
		logger:  a.logger.With("run_id", params.RunID, "kind", "file-editor"),
	}
	snap, err := h.read()
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	h.watcher = watcher
	h.lastContent = snap.Content

	params.Emit(adapter.Event{Channel: Channel, Type: TypeSnapshot, Payload: snap})
	go h.watchLoop()

	h.logger.Info("file opened", "path", path, "size", snap.Size)
	return h, nil
}

// Handle is an open file.
type Handle struct {
	path    string
	maxSize int64
	emit    adapter.EmitFunc
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu          sync.Mutex
	lastContent string

	stop      chan struct{}
	closeOnce sync.Once
}

func (h *Handle) read() (*Snapshot, error) {
	info, err := os.Stat(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{Path: h.path}, nil
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", h.path)
	}
	if info.Size() > h.maxSize {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", h.path, info.Size(), h.maxSize)
	}
	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Path:    h.path,
		Content: string(data),
		Size:    int64(len(data)),
		ModTime: info.ModTime().UnixMilli(),
		Exists:  true,
	}, nil
}

// WriteInput applies a JSON Command.
func (h *Handle) WriteInput(data []byte) error {
	select {
	case <-h.stop:
		return errors.New("file editor is closed")
	default:
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("invalid editor command: %w", err)
	}
	switch cmd.Op {
	case "save":
		return h.save(cmd.Content)
	default:
		return fmt.Errorf("unknown editor command %q", cmd.Op)
	}
}

func (h *Handle) save(content string) error {
	if int64(len(content)) > h.maxSize {
		return fmt.Errorf("content is %d bytes, limit is %d", len(content), h.maxSize)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(h.path), "."+filepath.Base(h.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if info, err := os.Stat(h.path); err == nil {
		_ = os.Chmod(tmp.Name(), info.Mode().Perm())
	}
	if err := os.Rename(tmp.Name(), h.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", h.path, err)
	}
	h.lastContent = content

	h.emit(adapter.Event{Channel: Channel, Type: TypeSaved, Payload: map[string]any{
		"path":     h.path,
		"size":     len(content),
		"saved_at": time.Now().UnixMilli(),
	}})
	return nil
}

func (h *Handle) watchLoop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-h.stop:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.path {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, h.refresh)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("file watcher error", "error", err)
		}
	}
}

// refresh emits changed or removed when the file differs from what we last saw.
func (h *Handle) refresh() {
	select {
	case <-h.stop:
		return
	default:
	}

	snap, err := h.read()
	if err != nil {
		h.logger.Warn("failed to reload file", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !snap.Exists {
		h.lastContent = ""
		h.emit(adapter.Event{Channel: Channel, Type: TypeRemoved, Payload: map[string]string{"path": h.path}})
		return
	}
	if snap.Content == h.lastContent {
		return
	}
	h.lastContent = snap.Content
	h.emit(adapter.Event{Channel: Channel, Type: TypeChanged, Payload: snap})
}

// Perform supports "reload".
func (h *Handle) Perform(ctx context.Context, op string, params json.RawMessage) (any, error) {
	switch op {
	case "reload":
		snap, err := h.read()
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.lastContent = snap.Content
		h.mu.Unlock()
		h.emit(adapter.Event{Channel: Channel, Type: TypeSnapshot, Payload: snap})
		return map[string]any{"path": snap.Path, "size": snap.Size}, nil
	default:
		return nil, adapter.ErrUnsupportedOperation
	}
}

// Close stops watching the file.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stop)
		err = h.watcher.Close()
	})
	return err
}
