// Package session owns task lifecycles: creation, the one goroutine running
// each task's loop, observer attachment, cancellation, and shutdown. The
// manager is the only writer of the session table; each task is mutated only
// through its session's lock.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"argo/internal/agent"
	"argo/internal/events"
	"argo/internal/logging"
	"argo/pkg/types"
)

var (
	// ErrNotFound marks lookups of unknown task ids.
	ErrNotFound = errors.New("session: task not found")
	// ErrShuttingDown rejects task creation after Shutdown began.
	ErrShuttingDown = errors.New("session: manager is shutting down")
	// ErrEmptyDescription rejects blank tasks.
	ErrEmptyDescription = errors.New("session: empty task description")
)

// Runner is the per-task execution the manager drives; the agent loop in
// production, a stub in tests.
type Runner interface {
	Run(ctx context.Context) agent.Outcome
}

// Factory builds the runner for one task. mutate serializes task mutations
// with the manager's readers.
type Factory func(task *types.Task, stream *events.Stream, mutate func(fn func(*types.Task))) Runner

// session is one live or finished task.
type session struct {
	mu      sync.Mutex
	task    *types.Task
	stream  *events.Stream
	cancel  context.CancelFunc
	done    chan struct{}
	outcome agent.Outcome
}

func (s *session) snapshot() types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.task
}

func (s *session) mutate(fn func(*types.Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.task)
}

// Manager runs tasks and serves observers.
type Manager struct {
	factory Factory
	buffer  int
	logger  logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closing  bool
	wg       sync.WaitGroup
}

// NewManager builds a manager. buffer is the per-subscriber event channel
// depth; 0 means the stream default.
func NewManager(factory Factory, buffer int, logger logging.Logger) *Manager {
	return &Manager{
		factory:  factory,
		buffer:   buffer,
		logger:   logging.OrNop(logger),
		sessions: make(map[string]*session),
	}
}

// Create registers a task and starts its loop goroutine. The returned task is
// a snapshot; poll Get or attach to the stream for progress.
func (m *Manager) Create(description string) (types.Task, error) {
	if description == "" {
		return types.Task{}, ErrEmptyDescription
	}
	now := time.Now()
	task := &types.Task{
		ID:          uuid.NewString(),
		Description: description,
		Status:      types.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		task:   task,
		stream: events.NewStream(task.ID, m.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		cancel()
		return types.Task{}, ErrShuttingDown
	}
	m.sessions[task.ID] = sess
	m.wg.Add(1)
	m.mu.Unlock()

	runner := m.factory(task, sess.stream, sess.mutate)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer close(sess.done)
		outcome := runner.Run(ctx)
		sess.mu.Lock()
		sess.outcome = outcome
		sess.mu.Unlock()
		m.logger.Info("task %s finished: %s", task.ID, outcome.Status)
	}()

	m.logger.Info("task %s created: %s", task.ID, clip(description, 120))
	return sess.snapshot(), nil
}

func (m *Manager) lookup(taskID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Get returns a snapshot of the task.
func (m *Manager) Get(taskID string) (types.Task, error) {
	sess, err := m.lookup(taskID)
	if err != nil {
		return types.Task{}, err
	}
	return sess.snapshot(), nil
}

// List returns snapshots of all tasks, newest first.
func (m *Manager) List() []types.Task {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	tasks := make([]types.Task, 0, len(sessions))
	for _, s := range sessions {
		tasks = append(tasks, s.snapshot())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks
}

// Attach subscribes an observer to a task's event stream. Attaching to a
// finished task replays history and then closes the channel.
func (m *Manager) Attach(taskID string, opts events.SubscribeOptions) (*events.Subscription, error) {
	sess, err := m.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return sess.stream.Subscribe(opts), nil
}

// Snapshot returns a task's full event history.
func (m *Manager) Snapshot(taskID string) ([]types.Event, error) {
	sess, err := m.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return sess.stream.Snapshot(), nil
}

// Cancel requests cooperative cancellation. Idempotent; cancelling a finished
// task is a no-op.
func (m *Manager) Cancel(taskID string) error {
	sess, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	sess.cancel()
	return nil
}

// Wait blocks until the task finishes or ctx expires, returning the loop's
// outcome.
func (m *Manager) Wait(ctx context.Context, taskID string) (agent.Outcome, error) {
	sess, err := m.lookup(taskID)
	if err != nil {
		return agent.Outcome{}, err
	}
	select {
	case <-sess.done:
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.outcome, nil
	case <-ctx.Done():
		return agent.Outcome{}, ctx.Err()
	}
}

// Shutdown cancels every live task and waits for their loops to finalize, up
// to ctx's deadline. New Creates are rejected from the first call on.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
