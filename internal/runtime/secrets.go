package runtime

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// secretWait is how long a store_secret call waits for the client to
// deliver a value before giving up.
const secretWait = 60 * time.Second

// secretExchange matches pending store_secret waits with values provided
// out of band. Each request gets a buffered channel so a provide never
// blocks the transport handler.
type secretExchange struct {
	mu      sync.Mutex
	pending map[string]chan string
}

func newSecretExchange() *secretExchange {
	return &secretExchange{pending: make(map[string]chan string)}
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func (x *secretExchange) register() (string, chan string) {
	id := newRequestID()
	ch := make(chan string, 1)
	x.mu.Lock()
	x.pending[id] = ch
	x.mu.Unlock()
	return id, ch
}

func (x *secretExchange) drop(id string) {
	x.mu.Lock()
	delete(x.pending, id)
	x.mu.Unlock()
}

func (x *secretExchange) provide(id, value string) bool {
	x.mu.Lock()
	ch, ok := x.pending[id]
	x.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- value:
	default:
	}
	return true
}
