package googletasks

import (
	"context"
	"log"
	"sync"

	"github.com/kestrelworks/donna/internal/task"
)

// ClientFactory creates a task.API client (allows injection in tests).
type ClientFactory func(ctx context.Context) (task.API, error)

// Gate tracks whether a usable Google Tasks client exists and creates
// one lazily on demand. It implements tasksync.Gate.
type Gate struct {
	factory ClientFactory

	mu        sync.Mutex
	client    task.API
	connected bool
}

// NewGate creates a gate that builds clients from stored credentials.
func NewGate(clientPath, tokenPath string) *Gate {
	return &Gate{
		factory: func(ctx context.Context) (task.API, error) {
			return New(ctx, clientPath, tokenPath)
		},
	}
}

// NewGateWithFactory creates a gate with a custom client factory (for
// testing).
func NewGateWithFactory(factory ClientFactory) *Gate {
	return &Gate{factory: factory}
}

// Connected reports the last known connection state. It is advisory: a
// fetch may still be attempted while this reports false, tolerating a
// stale flag.
func (g *Gate) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Service returns the current client, creating one lazily when none
// exists. Creation failure leaves the gate disconnected.
func (g *Gate) Service(ctx context.Context) (task.API, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}

	client, err := g.factory(ctx)
	if err != nil {
		g.connected = false
		return nil, err
	}
	g.client = client
	g.connected = true
	log.Printf("[gate] google tasks client created")
	return client, nil
}

// Reset drops the current client so the next Service call re-creates it.
// Used after auth-expired failures.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.client = nil
	g.connected = false
	log.Printf("[gate] client reset")
}
