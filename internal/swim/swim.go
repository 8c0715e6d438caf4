// Package swim implements the failure detector described in spec.md §4.1:
// per-peer liveness Alive → Suspect → Dead with bounded detection latency,
// driven by periodic random direct probes and an optional indirect-probe
// fallback.
//
// Structure follows the teacher's from-scratch SWIM engine
// (tutu-network/tutu's internal/infra/gossip/swim.go): a member table, a
// table of pending-ack channels keyed by sequence number, a probe cycle
// and a suspect-reaper running on tickers. The generalization here is that
// this Detector never owns a socket or reads time.Now itself — it is
// driven entirely through the injected gossiptransport.Transport and
// gossiptransport.Clock, so it composes with MemoryTransport in tests and
// a real transport in production without change.
package swim

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
	"github.com/dirvine/saorsa-gossip/internal/metrics"
)

// Config controls the SWIM protocol parameters (spec.md §4.1).
type Config struct {
	ProbePeriod    time.Duration // probe cycle (default: 1s)
	AckTimeout     time.Duration // RTT budget per probe (default: 200ms)
	SuspectTimeout time.Duration // Suspect → Dead (default: 3s)
	IndirectProbes int           // k helpers for indirect ping; 0 disables (default: 0)
	MaxPeers       int           // LRU bound on the peer table (default: 100_000)
}

// DefaultConfig returns the parameters named in spec.md §4.1.
func DefaultConfig() Config {
	return Config{
		ProbePeriod:    1 * time.Second,
		AckTimeout:     200 * time.Millisecond,
		SuspectTimeout: 3 * time.Second,
		IndirectProbes: 0,
		MaxPeers:       100_000,
	}
}

type member struct {
	state      gossipcore.PeerState
	lastUpdate time.Time
	suspectAt  time.Time
}

// wireMessage is the JSON payload carried inside a gossipcore.SignedMessage
// for PING/ACK/PING_REQ frames, mirroring the teacher's SWIM Message shape.
type wireMessage struct {
	SeqNo  uint64            `json:"seq"`
	From   gossipcore.PeerId `json:"from"`
	Target gossipcore.PeerId `json:"target,omitempty"`
}

// Detector implements the failure-detector contract of spec.md §4.1.
type Detector struct {
	self      gossipcore.PeerId
	cfg       Config
	transport gossiptransport.Transport
	clock     gossiptransport.Clock

	mu    sync.RWMutex
	peers *lru.Cache[gossipcore.PeerId, *member]

	seqMu sync.Mutex
	seq   uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan struct{}

	// OnDead/OnAlive, if set, are invoked (from the detector's own
	// goroutines) on state transitions so the overlay can react — see
	// spec.md §2 "the overlay triggers promotion of a passive peer".
	onDead  func(gossipcore.PeerId)
	onAlive func(gossipcore.PeerId)

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New creates a Detector for self, communicating over transport and using
// clock for time. cfg.MaxPeers <= 0 falls back to DefaultConfig's bound.
func New(self gossipcore.PeerId, cfg Config, transport gossiptransport.Transport, clock gossiptransport.Clock) *Detector {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultConfig().MaxPeers
	}
	cache, _ := lru.New[gossipcore.PeerId, *member](cfg.MaxPeers)
	return &Detector{
		self:      self,
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		peers:     cache,
		pending:   make(map[uint64]chan struct{}),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnDead registers a callback invoked when a peer transitions to Dead.
func (d *Detector) OnDead(fn func(gossipcore.PeerId)) { d.onDead = fn }

// OnAlive registers a callback invoked whenever a peer becomes Alive: on
// first sight, and when a Suspect or Dead peer is marked Alive again.
func (d *Detector) OnAlive(fn func(gossipcore.PeerId)) { d.onAlive = fn }

// MarkAlive sets p's state to Alive and resets lastUpdate (spec.md §4.1).
func (d *Detector) MarkAlive(p gossipcore.PeerId) {
	d.mu.Lock()
	m, ok := d.peers.Get(p)
	if !ok {
		m = &member{}
		d.peers.Add(p, m)
	}
	prev := m.state
	m.state = gossipcore.StateAlive
	m.lastUpdate = d.now()
	m.suspectAt = time.Time{}
	d.mu.Unlock()

	if prev == gossipcore.StateAlive {
		return
	}
	metrics.PeerStateGauge.WithLabelValues("alive").Inc()
	if prev != gossipcore.StateUnknown {
		metrics.PeerStateGauge.WithLabelValues(prev.String()).Dec()
	}
	if prev == gossipcore.StateSuspect {
		metrics.SuspectTransitions.WithLabelValues("alive").Inc()
	}

	if d.onAlive != nil {
		d.onAlive(p)
	}
}

// MarkSuspect transitions p to Suspect only if its current state is
// Alive, per spec.md §4.1.
func (d *Detector) MarkSuspect(p gossipcore.PeerId) {
	d.mu.Lock()
	m, ok := d.peers.Get(p)
	if !ok || m.state != gossipcore.StateAlive {
		d.mu.Unlock()
		return
	}
	m.state = gossipcore.StateSuspect
	m.suspectAt = d.now()
	d.mu.Unlock()

	metrics.PeerStateGauge.WithLabelValues("alive").Dec()
	metrics.PeerStateGauge.WithLabelValues("suspect").Inc()
	metrics.SuspectTransitions.WithLabelValues("suspect").Inc()
}

// MarkDead unconditionally transitions p to Dead (spec.md §4.1).
func (d *Detector) MarkDead(p gossipcore.PeerId) {
	d.mu.Lock()
	m, ok := d.peers.Get(p)
	if !ok {
		m = &member{}
		d.peers.Add(p, m)
	}
	prev := m.state
	m.state = gossipcore.StateDead
	d.mu.Unlock()

	if prev != gossipcore.StateDead {
		metrics.PeerStateGauge.WithLabelValues("dead").Inc()
		if prev != gossipcore.StateUnknown {
			metrics.PeerStateGauge.WithLabelValues(prev.String()).Dec()
		}
		metrics.SuspectTransitions.WithLabelValues("dead").Inc()
	}

	if d.onDead != nil {
		d.onDead(p)
	}
}

// GetState returns p's current classification, or StateUnknown if the
// detector has never observed p.
func (d *Detector) GetState(p gossipcore.PeerId) gossipcore.PeerState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.peers.Get(p)
	if !ok {
		return gossipcore.StateUnknown
	}
	return m.state
}

// PeersInState returns a snapshot of peers currently in state s.
func (d *Detector) PeersInState(s gossipcore.PeerState) []gossipcore.PeerId {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []gossipcore.PeerId
	for _, p := range d.peers.Keys() {
		if m, ok := d.peers.Peek(p); ok && m.state == s {
			out = append(out, p)
		}
	}
	return out
}

func (d *Detector) now() time.Time {
	return time.UnixMilli(int64(d.clock.NowMillis()))
}

// Run starts the probe cycle and suspect sweeper. It blocks until ctx is
// cancelled (spec.md §5: "process shutdown cancels all background
// tasks").
func (d *Detector) Run(ctx context.Context) {
	probeTicker := time.NewTicker(d.cfg.ProbePeriod)
	defer probeTicker.Stop()

	sweepTicker := time.NewTicker(d.cfg.SuspectTimeout)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-probeTicker.C:
			d.probeCycle(ctx)
		case <-sweepTicker.C:
			d.reapSuspects()
		}
	}
}

// probeCycle picks one random Alive peer and probes it directly, falling
// back to indirect probes through cfg.IndirectProbes helpers if the direct
// ACK times out, per spec.md §4.1.
func (d *Detector) probeCycle(ctx context.Context) {
	target := d.randomPeerInState(gossipcore.StateAlive)
	if target == (gossipcore.PeerId{}) {
		return
	}

	seq := d.nextSeq()
	ackCh := make(chan struct{}, 1)
	d.pendingMu.Lock()
	d.pending[seq] = ackCh
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, seq)
		d.pendingMu.Unlock()
	}()

	metrics.ProbesSent.WithLabelValues("direct").Inc()
	d.sendControl(ctx, target, gossipcore.KindPing, wireMessage{SeqNo: seq, From: d.self})

	if d.waitAck(ackCh, d.cfg.AckTimeout) {
		return
	}

	if d.cfg.IndirectProbes > 0 {
		helpers := d.randomPeersExcept(gossipcore.StateAlive, target, d.cfg.IndirectProbes)
		for _, h := range helpers {
			metrics.ProbesSent.WithLabelValues("indirect").Inc()
			d.sendControl(ctx, h, gossipcore.KindPingReq, wireMessage{SeqNo: seq, From: d.self, Target: target})
		}
		if d.waitAck(ackCh, d.cfg.AckTimeout) {
			return
		}
	}

	d.MarkSuspect(target)
}

func (d *Detector) waitAck(ch chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// reapSuspects promotes Suspect peers that have not been refuted within
// SuspectTimeout to Dead (spec.md §4.1).
func (d *Detector) reapSuspects() {
	now := d.now()
	var toKill []gossipcore.PeerId

	d.mu.RLock()
	for _, p := range d.peers.Keys() {
		m, ok := d.peers.Peek(p)
		if !ok || m.state != gossipcore.StateSuspect || m.suspectAt.IsZero() {
			continue
		}
		if now.Sub(m.suspectAt) > d.cfg.SuspectTimeout {
			toKill = append(toKill, p)
		}
	}
	d.mu.RUnlock()

	for _, p := range toKill {
		d.MarkDead(p)
	}
}

// HandleFrame dispatches an inbound PING/ACK/PING_REQ frame received over
// the membership stream.
func (d *Detector) HandleFrame(ctx context.Context, from gossipcore.PeerId, header gossipcore.MessageHeader, payload []byte) {
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("[swim] malformed frame from %s: %v", from, err)
		return
	}

	// Any inbound message refutes Suspect and confirms Alive, per
	// spec.md §4.1: "ACKs from any direction refute Suspect and return
	// to Alive." We apply this to PING too since a live PING is just as
	// good evidence of liveness.
	d.MarkAlive(from)

	switch header.Kind {
	case gossipcore.KindPing:
		// ACK the peer the PING names as its origin: the sender itself for
		// a direct probe, the requester for one relayed via PING_REQ.
		replyTo := from
		if !msg.From.IsZero() {
			replyTo = msg.From
		}
		d.sendControl(ctx, replyTo, gossipcore.KindAck, wireMessage{SeqNo: msg.SeqNo, From: d.self})
	case gossipcore.KindAck:
		d.pendingMu.Lock()
		if ch, ok := d.pending[msg.SeqNo]; ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		d.pendingMu.Unlock()
	case gossipcore.KindPingReq:
		// Forward a PING to the target on behalf of the requester,
		// carrying the requester's id and sequence number so the target
		// ACKs the requester directly and satisfies its pending ACK wait.
		d.sendControl(ctx, msg.Target, gossipcore.KindPing, wireMessage{SeqNo: msg.SeqNo, From: msg.From})
	}
}

func (d *Detector) sendControl(ctx context.Context, to gossipcore.PeerId, kind gossipcore.MessageKind, msg wireMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	header := gossipcore.MessageHeader{
		Version: gossipcore.HeaderVersion,
		Kind:    kind,
		TTL:     1,
	}
	frame, err := gossipcore.EncodeFrame(header, payload, nil)
	if err != nil {
		return
	}
	if err := d.transport.SendToPeer(ctx, to, gossipcore.StreamMembership, frame); err != nil {
		// Best-effort; a failed send is not fatal (spec.md §7
		// PeerUnreachable policy already handled by the eventual
		// probe timeout).
		return
	}
}

func (d *Detector) nextSeq() uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.seq++
	return d.seq
}

func (d *Detector) randomPeerInState(s gossipcore.PeerState) gossipcore.PeerId {
	candidates := d.PeersInState(s)
	if len(candidates) == 0 {
		return gossipcore.PeerId{}
	}
	d.randMu.Lock()
	defer d.randMu.Unlock()
	return candidates[d.rnd.Intn(len(candidates))]
}

func (d *Detector) randomPeersExcept(s gossipcore.PeerState, exclude gossipcore.PeerId, k int) []gossipcore.PeerId {
	candidates := d.PeersInState(s)
	filtered := candidates[:0:0]
	for _, p := range candidates {
		if p != exclude {
			filtered = append(filtered, p)
		}
	}
	d.randMu.Lock()
	d.rnd.Shuffle(len(filtered), func(i, j int) { filtered[i], filtered[j] = filtered[j], filtered[i] })
	d.randMu.Unlock()
	if k > len(filtered) {
		k = len(filtered)
	}
	return filtered[:k]
}
