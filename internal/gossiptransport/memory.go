package gossiptransport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
)

// InboundQueueCap is the bounded inbound channel capacity per spec.md §5:
// "inbound channel to transport is bounded (10 000 messages); blocking on
// a full channel is the prescribed backpressure signal."
const InboundQueueCap = 10_000

// ErrTransportClosed is returned by Receive once the transport has been
// closed; callers treat it as the clean-shutdown signal.
var ErrTransportClosed = errors.New("gossiptransport: closed")

// MemoryNetwork is a shared in-process registry of MemoryTransport
// endpoints, used for unit/integration tests and the local simulator
// (cmd/gossipd simulate). It is not a production transport — no real
// QUIC/NAT traversal happens here, per spec.md's transport boundary.
type MemoryNetwork struct {
	mu    sync.RWMutex
	peers map[gossipcore.PeerId]*MemoryTransport
	chaos ChaosConfig

	randMu sync.Mutex
	random *rand.Rand
}

// ChaosConfig controls fault injection on an otherwise reliable in-memory
// network, grounded on original_source/examples/chaos_demo.rs: a random
// drop rate and an extra-latency range, both off by default.
type ChaosConfig struct {
	DropProbability float64       // [0,1]; 0 disables drops
	MinLatency      time.Duration
	MaxLatency      time.Duration
}

// NewMemoryNetwork creates an empty network with chaos disabled.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		peers:  make(map[gossipcore.PeerId]*MemoryTransport),
		random: rand.New(rand.NewSource(1)),
	}
}

// SetChaos installs fault-injection parameters. Safe to call concurrently
// with Register/SendToPeer.
func (n *MemoryNetwork) SetChaos(cfg ChaosConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chaos = cfg
}

// Register creates and registers a MemoryTransport for peer. Registering
// the same PeerId twice replaces the prior endpoint.
func (n *MemoryNetwork) Register(peer gossipcore.PeerId) *MemoryTransport {
	t := &MemoryTransport{
		self:    peer,
		network: n,
		inbox:   make(chan Inbound, InboundQueueCap),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.peers[peer] = t
	n.mu.Unlock()
	return t
}

// Unregister removes and closes peer's endpoint.
func (n *MemoryNetwork) Unregister(peer gossipcore.PeerId) {
	n.mu.Lock()
	t, ok := n.peers[peer]
	delete(n.peers, peer)
	n.mu.Unlock()
	if ok {
		t.Close()
	}
}

func (n *MemoryNetwork) lookup(peer gossipcore.PeerId) (*MemoryTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.peers[peer]
	return t, ok
}

func (n *MemoryNetwork) chaosSnapshot() ChaosConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.chaos
}

// randFloat64 and randInt63n serialize access to the shared *rand.Rand,
// which is not safe for concurrent use on its own (math/rand.Rand docs).
func (n *MemoryNetwork) randFloat64() float64 {
	n.randMu.Lock()
	defer n.randMu.Unlock()
	return n.random.Float64()
}

func (n *MemoryNetwork) randInt63n(maxN int64) int64 {
	n.randMu.Lock()
	defer n.randMu.Unlock()
	return n.random.Int63n(maxN)
}

// MemoryTransport is one node's endpoint on a MemoryNetwork. It implements
// Transport.
type MemoryTransport struct {
	self    gossipcore.PeerId
	network *MemoryNetwork
	inbox   chan Inbound

	closeOnce sync.Once
	closed    chan struct{}
}

// SendToPeer implements Transport by delivering directly into the target
// peer's inbound channel, applying the network's chaos configuration.
func (t *MemoryTransport) SendToPeer(ctx context.Context, peer gossipcore.PeerId, kind gossipcore.StreamKind, b []byte) error {
	target, ok := t.network.lookup(peer)
	if !ok {
		return gossipcore.ErrPeerUnreachable
	}

	chaos := t.network.chaosSnapshot()
	if chaos.DropProbability > 0 && t.network.randFloat64() < chaos.DropProbability {
		return nil // dropped silently, as a lossy real network would
	}

	frame := Inbound{Peer: t.self, StreamKind: kind, Bytes: append([]byte(nil), b...)}

	deliver := func() {
		select {
		case target.inbox <- frame:
		case <-target.closed:
		}
	}

	if chaos.MaxLatency > 0 {
		delay := chaos.MinLatency
		if chaos.MaxLatency > chaos.MinLatency {
			delay += time.Duration(t.network.randInt63n(int64(chaos.MaxLatency - chaos.MinLatency)))
		}
		time.AfterFunc(delay, deliver)
		return nil
	}

	select {
	case target.inbox <- frame:
		return nil
	case <-target.closed:
		return gossipcore.ErrPeerUnreachable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Transport.
func (t *MemoryTransport) Receive(ctx context.Context) (Inbound, error) {
	select {
	case in := <-t.inbox:
		return in, nil
	case <-t.closed:
		return Inbound{}, ErrTransportClosed
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

// Close shuts down the endpoint; pending Receive calls return
// ErrTransportClosed.
func (t *MemoryTransport) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
}
