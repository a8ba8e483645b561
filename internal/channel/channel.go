// Package channel runs the messaging adapters that feed chat turns into
// the runtime: the telegram bot and any channel extensions discovered in
// the workspace. Adapters are long-running; each one owns its receive
// loop and goes through Agent for the actual turn.
package channel

import (
	"context"
	"sync"
	"time"

	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/runtime"
)

// retryDelay is how long an adapter sleeps after a failed receive or
// turn before trying again.
const retryDelay = 2 * time.Second

// Agent is the slice of the runtime the adapters drive. Turns run on
// the active session when ChatRequest.SessionID is empty.
type Agent interface {
	ChatText(ctx context.Context, req runtime.ChatRequest) (string, error)
	NewSession(ctx context.Context) (string, error)
	Compact(ctx context.Context, sessionID string) (string, error)
	Info(ctx context.Context, sessionID string) (string, error)
}

// Channel is a long-running message transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// Sender is implemented by channels that can push a message outside
// any turn, such as a scheduler result.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Manager owns the lifecycle of all registered channels.
type Manager struct {
	mu       sync.Mutex
	channels []Channel
	started  []Channel
}

func NewManager() *Manager {
	return &Manager{}
}

// Add registers a channel. Call before StartAll.
func (m *Manager) Add(ch Channel) {
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()
}

// StartAll starts every registered channel. A channel that fails to
// start is logged and skipped; the rest keep running.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			L_error("channel: start failed", "channel", ch.Name(), "error", err)
			continue
		}
		m.started = append(m.started, ch)
		L_info("channel: started", "channel", ch.Name())
	}
}

// Sender returns the named channel when it is running and supports
// pushes, or nil.
func (m *Manager) Sender(name string) Sender {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.started {
		if ch.Name() != name {
			continue
		}
		if s, ok := ch.(Sender); ok {
			return s
		}
		return nil
	}
	return nil
}

// StopAll stops running channels in reverse start order.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.started) - 1; i >= 0; i-- {
		ch := m.started[i]
		L_debug("channel: stopping", "channel", ch.Name())
		if err := ch.Stop(); err != nil {
			L_error("channel: stop failed", "channel", ch.Name(), "error", err)
		}
	}
	m.started = nil
}
