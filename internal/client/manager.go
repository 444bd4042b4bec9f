package client

import (
	"context"
	"sync"
)

// Manager runs at most one rewrite at a time. Starting a new one cancels the
// previous session, and updates from a superseded session are dropped.
type Manager struct {
	client *Client

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// NewManager creates a Manager that runs sessions with c.
func NewManager(c *Client) *Manager {
	return &Manager{client: c}
}

// Run is a handle on one started session.
type Run struct {
	done   chan struct{}
	result *Result
	err    error
}

// Wait blocks until the session ends. A superseded session reports context.Canceled.
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// Done is closed when the session ends.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Start cancels any in-flight session and starts a rewrite of url.
// onUpdate is called with the manager's lock held and must not call Start or Cancel.
func (m *Manager) Start(ctx context.Context, url string, onUpdate func(Snapshot)) *Run {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	run := &Run{done: make(chan struct{})}
	go func() {
		defer close(run.done)
		defer m.finish(gen, cancel)
		run.result, run.err = m.client.Rewrite(ctx, url, func(s Snapshot) {
			if onUpdate == nil {
				return
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.gen == gen {
				onUpdate(s)
			}
		})
	}()
	return run
}

// Cancel stops the in-flight session, if any.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) finish(gen uint64, cancel context.CancelFunc) {
	cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.cancel = nil
	}
}
