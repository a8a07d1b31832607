package llm

import (
	"context"
	"sync"
)

// Mock is a scripted Client for tests. Replies are returned in order; the
// last entry repeats once the script is exhausted. Every request is captured
// for assertions on prefix stability and bias maps.
type Mock struct {
	mu       sync.Mutex
	script   []MockReply
	pos      int
	Requests []Request
}

// MockReply is one scripted completion outcome.
type MockReply struct {
	Content string
	Err     error
}

// NewMock builds a mock with the given script.
func NewMock(script ...MockReply) *Mock {
	return &Mock{script: script}
}

// Push appends replies to the script.
func (m *Mock) Push(replies ...MockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
}

func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, copyRequest(req))
	if len(m.script) == 0 {
		return &Response{}, nil
	}
	reply := m.script[m.pos]
	if m.pos < len(m.script)-1 {
		m.pos++
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &Response{
		Content: reply.Content,
		Usage:   Usage{CompletionTokens: len(reply.Content) / 4},
	}, nil
}

// CallCount returns the number of Complete calls observed.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

func copyRequest(req Request) Request {
	out := req
	out.Messages = append(out.Messages[:0:0], req.Messages...)
	if req.LogitBias != nil {
		out.LogitBias = make(map[string]int, len(req.LogitBias))
		for k, v := range req.LogitBias {
			out.LogitBias[k] = v
		}
	}
	return out
}
