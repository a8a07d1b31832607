// Package sandbox wraps the remote sandbox provider's file and exec RPCs.
// One handle is provisioned per task and destroyed when the task reaches a
// terminal state; all calls are plain HTTP with bounded retries.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Capture caps: stdout and stderr are truncated to this many bytes before the
// result is returned; truncation is flagged on the result.
const MaxCaptureBytes = 64 * 1024

var (
	// ErrUnavailable marks provider rejection or timeout during create.
	ErrUnavailable = errors.New("sandbox: unavailable")
	// ErrNotFound marks reads of absent paths.
	ErrNotFound = errors.New("sandbox: not found")
	// ErrFS marks file-system level failures.
	ErrFS = errors.New("sandbox: fs error")
	// ErrExec marks exec transport failures (not non-zero exit codes).
	ErrExec = errors.New("sandbox: exec error")
)

// Handle references one remote isolated environment.
type Handle struct {
	ID string
	// Workspace is the root working directory inside the sandbox.
	Workspace string
}

// Entry is one directory listing row.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	Duration        time.Duration `json:"duration_ms"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
}

// Client is the sandbox capability consumed by the loop and the tools.
type Client interface {
	// Create provisions a fresh environment.
	Create(ctx context.Context) (*Handle, error)
	// WriteFile overwrites path, creating parent directories.
	WriteFile(ctx context.Context, h *Handle, path string, data []byte) error
	// ReadFile returns the file content.
	ReadFile(ctx context.Context, h *Handle, path string) ([]byte, error)
	// ListFiles lists a directory.
	ListFiles(ctx context.Context, h *Handle, path string) ([]Entry, error)
	// Exec runs a shell command with a working directory and timeout.
	Exec(ctx context.Context, h *Handle, command, workdir string, timeout time.Duration) (*ExecResult, error)
	// Destroy tears the environment down. Idempotent.
	Destroy(ctx context.Context, h *Handle) error
}
