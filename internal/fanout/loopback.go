package fanout

import (
	"context"
	"sync"
)

// LoopbackNetwork connects in-memory buses the way a shared exchange connects processes.
type LoopbackNetwork struct {
	mu    sync.RWMutex
	nodes []*LoopbackBus
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{}
}

// Join attaches a new bus to the network.
func (n *LoopbackNetwork) Join() *LoopbackBus {
	b := &LoopbackBus{network: n, bindings: make(map[string]struct{})}
	n.mu.Lock()
	n.nodes = append(n.nodes, b)
	n.mu.Unlock()
	return b
}

// LoopbackBus delivers synchronously to every bus bound to the target. Envelopes published
// before a consumer attached are queued and flushed when Consume starts.
type LoopbackBus struct {
	network *LoopbackNetwork

	mu       sync.Mutex
	bindings map[string]struct{}
	deliver  func(Envelope)
	pending  []Envelope
	closed   bool
}

func (b *LoopbackBus) Publish(_ context.Context, env Envelope) error {
	b.network.mu.RLock()
	nodes := append([]*LoopbackBus(nil), b.network.nodes...)
	b.network.mu.RUnlock()

	for _, node := range nodes {
		node.receive(env)
	}
	return nil
}

func (b *LoopbackBus) receive(env Envelope) {
	b.mu.Lock()
	if _, ok := b.bindings[env.Target]; !ok || b.closed {
		b.mu.Unlock()
		return
	}
	deliver := b.deliver
	if deliver == nil {
		b.pending = append(b.pending, env)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	deliver(env)
}

func (b *LoopbackBus) Bind(_ context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[target] = struct{}{}
	return nil
}

func (b *LoopbackBus) Unbind(_ context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings, target)
	return nil
}

// Bound reports whether the bus currently receives envelopes for target.
func (b *LoopbackBus) Bound(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bindings[target]
	return ok
}

func (b *LoopbackBus) Consume(ctx context.Context, deliver func(Envelope)) error {
	b.mu.Lock()
	b.deliver = deliver
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, env := range pending {
		deliver(env)
	}

	<-ctx.Done()

	b.mu.Lock()
	b.deliver = nil
	b.mu.Unlock()
	return nil
}

func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
