// Package shell runs interactive shells on a PTY as run sessions.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"github.com/fwdslsh/dispatch/internal/adapter"
)

// Event channels and types emitted by shell sessions.
const (
	ChannelOutput = "shell:output"
	ChannelExit   = "shell:exit"
	TypeOutput    = "output"
	TypeExit      = "exit"
)

const (
	defaultCols = 80
	defaultRows = 24
	readBufSize = 4096
	killGrace   = 2 * time.Second
)

// Config holds shell adapter defaults.
type Config struct {
	Shell string
	Cols  uint16
	Rows  uint16
}

// Meta is the per-session creation metadata.
type Meta struct {
	Shell string            `json:"shell,omitempty"`
	Args  []string          `json:"args,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Cols  uint16            `json:"cols,omitempty"`
	Rows  uint16            `json:"rows,omitempty"`
}

// Adapter starts shells on a pseudo-terminal.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a shell adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.Shell == "" {
		cfg.Shell = os.Getenv("SHELL")
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Cols == 0 {
		cfg.Cols = defaultCols
	}
	if cfg.Rows == 0 {
		cfg.Rows = defaultRows
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

// Create spawns the shell and starts streaming its output.
func (a *Adapter) Create(ctx context.Context, params adapter.Params) (adapter.Handle, error) {
	var meta Meta
	if len(params.Meta) > 0 {
		if err := json.Unmarshal(params.Meta, &meta); err != nil {
			return nil, fmt.Errorf("invalid shell meta: %w", err)
		}
	}
	if meta.Shell == "" {
		meta.Shell = a.cfg.Shell
	}
	if meta.Cols == 0 {
		meta.Cols = a.cfg.Cols
	}
	if meta.Rows == 0 {
		meta.Rows = a.cfg.Rows
	}
	if meta.Cwd != "" {
		info, err := os.Stat(meta.Cwd)
		if err != nil {
			return nil, fmt.Errorf("invalid working directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("working directory %s is not a directory", meta.Cwd)
		}
	}

	cmd := exec.Command(meta.Shell, meta.Args...)
	cmd.Dir = meta.Cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "DISPATCH_RUN_ID="+params.RunID)
	for k, v := range meta.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: meta.Cols, Rows: meta.Rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	h := &Handle{
		runID:  params.RunID,
		cmd:    cmd,
		ptmx:   ptmx,
		emit:   params.Emit,
		done:   make(chan struct{}),
		logger: a.logger.With("run_id", params.RunID, "kind", "shell"),
	}
	go h.readLoop()

	h.logger.Info("shell started", "shell", meta.Shell, "pid", cmd.Process.Pid, "cwd", meta.Cwd)
	return h, nil
}

// Handle is a live shell process.
type Handle struct {
	runID  string
	cmd    *exec.Cmd
	ptmx   *os.File
	emit   adapter.EmitFunc
	logger *slog.Logger

	mu     sync.Mutex
	exited bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (h *Handle) readLoop() {
	defer close(h.done)

	buf := make([]byte, readBufSize)
	var pending []byte
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			complete, rest := splitUTF8(data)
			pending = append([]byte(nil), rest...)
			if len(complete) > 0 {
				h.emit(adapter.Event{Channel: ChannelOutput, Type: TypeOutput, Payload: string(complete)})
			}
		}
		if err != nil {
			break
		}
	}
	if len(pending) > 0 {
		h.emit(adapter.Event{Channel: ChannelOutput, Type: TypeOutput, Payload: string(pending)})
	}

	code := 0
	if err := h.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()

	h.logger.Info("shell exited", "code", code)
	h.emit(adapter.Event{Channel: ChannelExit, Type: TypeExit, Payload: map[string]int{"code": code}})
}

// splitUTF8 holds back a trailing incomplete UTF-8 sequence.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return b[:i], b[i:]
			}
			break
		}
	}
	return b, nil
}

// WriteInput writes raw bytes to the terminal.
func (h *Handle) WriteInput(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return errors.New("shell process is not running")
	}
	if _, err := h.ptmx.Write(data); err != nil {
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	return nil
}

type resizeParams struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Perform supports "resize".
func (h *Handle) Perform(ctx context.Context, op string, params json.RawMessage) (any, error) {
	switch op {
	case "resize":
		var p resizeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid resize params: %w", err)
		}
		if p.Cols == 0 || p.Rows == 0 {
			return nil, errors.New("cols and rows must be positive")
		}
		if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: p.Cols, Rows: p.Rows}); err != nil {
			return nil, fmt.Errorf("failed to resize pty: %w", err)
		}
		return p, nil
	default:
		return nil, adapter.ErrUnsupportedOperation
	}
}

// Close hangs up the shell's process group and releases the PTY.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.cmd.Process != nil {
			// The shell leads its own session, so -pid reaches its children too.
			_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGHUP)
		}
		select {
		case <-h.done:
		case <-time.After(killGrace):
			h.logger.Warn("shell did not exit after SIGHUP, killing")
			_ = h.cmd.Process.Kill()
		}
		h.closeErr = h.ptmx.Close()
		if errors.Is(h.closeErr, os.ErrClosed) {
			h.closeErr = nil
		}
	})
	return h.closeErr
}
