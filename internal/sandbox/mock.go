package sandbox

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory sandbox for tests. Files live in a map; exec results
// are scripted per command prefix, defaulting to exit 0 with empty output.
type Fake struct {
	mu        sync.Mutex
	files     map[string][]byte
	execs     []execRule
	ExecCalls []string
	Destroyed int
	// CreateErr forces Create to fail when set.
	CreateErr error
	// ExecDelay simulates long-running commands.
	ExecDelay time.Duration
}

type execRule struct {
	prefix string
	result ExecResult
}

// NewFake builds an empty fake sandbox.
func NewFake() *Fake {
	return &Fake{files: make(map[string][]byte)}
}

// Script registers an exec result for commands starting with prefix.
func (f *Fake) Script(prefix string, result ExecResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execRule{prefix: prefix, result: result})
}

// File returns the stored content for path, if any.
func (f *Fake) File(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	return data, ok
}

func (f *Fake) Create(ctx context.Context) (*Handle, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	return &Handle{ID: "fake-sandbox", Workspace: "/workspace"}, nil
}

func (f *Fake) WriteFile(ctx context.Context, h *Handle, p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = append([]byte(nil), data...)
	return nil
}

func (f *Fake) ReadFile(ctx context.Context, h *Handle, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) ListFiles(ctx context.Context, h *Handle, dir string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var entries []Entry
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range f.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name, isDir := rest, false
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name, isDir = rest[:i], true
		}
		if !seen[name] {
			seen[name] = true
			entries = append(entries, Entry{Name: name, IsDir: isDir})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (f *Fake) Exec(ctx context.Context, h *Handle, command, workdir string, timeout time.Duration) (*ExecResult, error) {
	if f.ExecDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.ExecDelay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecCalls = append(f.ExecCalls, command)
	for _, rule := range f.execs {
		if strings.HasPrefix(command, rule.prefix) {
			result := rule.result
			return &result, nil
		}
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (f *Fake) Destroy(ctx context.Context, h *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Destroyed++
	return nil
}

var _ Client = (*Fake)(nil)

// Join is a helper for building workspace paths in tests.
func Join(workspace, rel string) string {
	return path.Join(workspace, rel)
}
