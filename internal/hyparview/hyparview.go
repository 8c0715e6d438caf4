// Package hyparview implements the partial-view membership overlay of
// spec.md §4.2: a small active view used for eager dissemination and a
// larger passive view used as a reserve of known-but-unconnected peers.
//
// The message flow (JOIN / FORWARD_JOIN / SHUFFLE / SHUFFLE_REPLY /
// DISCONNECT) and the active/passive bookkeeping (random eviction on
// overflow, promote-from-passive-on-gap) follow
// _examples/other_examples/ba508fc0_nm-morais-Hyparview__protocol.go.go
// closely. That reference dials peers explicitly before admitting them to
// the active view; this Overlay has no connection-setup step of its own
// because gossiptransport.Transport addresses any registered peer
// directly, so "dial" collapses to "add to active view".
package hyparview

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
	"github.com/dirvine/saorsa-gossip/internal/metrics"
	"github.com/dirvine/saorsa-gossip/internal/swim"
)

// Config controls the HyParView parameters (spec.md §4.2).
type Config struct {
	ActiveTarget  int           // target active-view degree (default: 6)
	ActiveMax     int           // hard cap on active-view size (default: 12)
	PassiveMax    int           // passive-view cap (default: 128)
	ARWL          uint8         // Active Random Walk Length: FORWARD_JOIN initial TTL (default: 6)
	PRWL          uint8         // Passive Random Walk Length: TTL at which FORWARD_JOIN inserts into the passive view (default: 3)
	ShufflePeriod time.Duration // default: 30s
	MaintainPeriod time.Duration // degree-maintenance tick (default: 10s)
	Ka            int           // active peers included per shuffle (default: 3)
	Kp            int           // shuffle sample slots for Kp-1 passive peers plus this node itself (default: 4)
}

// DefaultConfig returns the parameters named in spec.md §4.2.
func DefaultConfig() Config {
	return Config{
		ActiveTarget:   6,
		ActiveMax:      12,
		PassiveMax:     128,
		ARWL:           6,
		PRWL:           3,
		ShufflePeriod:  30 * time.Second,
		MaintainPeriod: 10 * time.Second,
		Ka:             3,
		Kp:             4,
	}
}

type joinMsg struct{}

type forwardJoinMsg struct {
	TTL    uint8             `json:"ttl"`
	Origin gossipcore.PeerId `json:"origin"`
}

type shuffleMsg struct {
	ID    uint64              `json:"id"`
	TTL   uint8               `json:"ttl"`
	Peers []gossipcore.PeerId `json:"peers"`
}

type shuffleReplyMsg struct {
	ID    uint64              `json:"id"`
	Peers []gossipcore.PeerId `json:"peers"`
}

type disconnectMsg struct{}

// Overlay implements the HyParView membership contract of spec.md §4.2.
type Overlay struct {
	self      gossipcore.PeerId
	cfg       Config
	transport gossiptransport.Transport
	clock     gossiptransport.Clock
	detector  *swim.Detector

	mu      sync.RWMutex
	active  []gossipcore.PeerId
	passive []gossipcore.PeerId

	lastShuffleID uint64
	lastShuffle   map[uint64][]gossipcore.PeerId

	randMu sync.Mutex
	rnd    *rand.Rand

	// OnPromote, if set, fires whenever a peer is added to the active
	// view, so Plumtree can (re-)include it as an eager-push target.
	onPromote func(gossipcore.PeerId)
	// OnDemote fires whenever a peer leaves the active view.
	onDemote func(gossipcore.PeerId)
}

// New creates an Overlay for self. detector, if non-nil, is consulted so
// that active-view peers reported Dead by the failure detector are
// dropped proactively instead of waiting for a send failure.
func New(self gossipcore.PeerId, cfg Config, transport gossiptransport.Transport, clock gossiptransport.Clock, detector *swim.Detector) *Overlay {
	o := &Overlay{
		self:        self,
		cfg:         cfg,
		transport:   transport,
		clock:       clock,
		detector:    detector,
		lastShuffle: make(map[uint64][]gossipcore.PeerId),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if detector != nil {
		detector.OnDead(func(p gossipcore.PeerId) {
			o.mu.Lock()
			removed := o.removeFromActiveLocked(p)
			o.removeFromPassiveLocked(p)
			o.mu.Unlock()
			o.reportSizes()
			if removed && o.onDemote != nil {
				o.onDemote(p)
			}
			if removed {
				// spec.md §4.2: a Dead notification that drops the active
				// view below target promotes immediately, rather than
				// waiting for the next maintainDegree tick.
				o.promoteToTarget()
			}
		})
	}
	return o
}

// OnPromote registers a callback invoked when a peer enters the active view.
func (o *Overlay) OnPromote(fn func(gossipcore.PeerId)) { o.onPromote = fn }

// OnDemote registers a callback invoked when a peer leaves the active view.
func (o *Overlay) OnDemote(fn func(gossipcore.PeerId)) { o.onDemote = fn }

// ActiveView returns a snapshot of the current active view.
func (o *Overlay) ActiveView() []gossipcore.PeerId {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]gossipcore.PeerId, len(o.active))
	copy(out, o.active)
	return out
}

// PassiveView returns a snapshot of the current passive view.
func (o *Overlay) PassiveView() []gossipcore.PeerId {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]gossipcore.PeerId, len(o.passive))
	copy(out, o.passive)
	return out
}

// Join sends a JOIN to contact, the well-known entry point into an
// existing overlay (spec.md §4.2). A fresh network's first node calls
// Join with its own id, which is a no-op.
func (o *Overlay) Join(ctx context.Context, contact gossipcore.PeerId) error {
	if contact == o.self {
		return nil
	}
	o.AddActive(contact)
	return o.send(ctx, contact, gossipcore.KindJoin, joinMsg{})
}

// AddActive admits p to the active view, evicting a random incumbent to
// the passive view first if the view is at its hard cap.
func (o *Overlay) AddActive(p gossipcore.PeerId) {
	if p == o.self {
		return
	}
	o.mu.Lock()
	o.addActiveLocked(p)
	o.mu.Unlock()
	o.reportSizes()
}

func (o *Overlay) addActiveLocked(p gossipcore.PeerId) {
	if containsPeer(o.active, p) {
		return
	}
	o.removeFromPassiveLocked(p)
	if len(o.active) >= o.cfg.ActiveMax {
		o.evictRandomActiveLocked()
	}
	o.active = append(o.active, p)
	if o.onPromote != nil {
		fn := o.onPromote
		go fn(p)
	}
}

// RemoveActive drops p from the active view without a DISCONNECT
// handshake (used on transport-level send failure).
func (o *Overlay) RemoveActive(p gossipcore.PeerId) {
	o.mu.Lock()
	removed := o.removeFromActiveLocked(p)
	o.mu.Unlock()
	o.reportSizes()
	if removed && o.onDemote != nil {
		o.onDemote(p)
	}
}

func (o *Overlay) removeFromActiveLocked(p gossipcore.PeerId) bool {
	for i, cur := range o.active {
		if cur == p {
			o.active = append(o.active[:i], o.active[i+1:]...)
			return true
		}
	}
	return false
}

func (o *Overlay) addPassiveLocked(p gossipcore.PeerId) {
	if p == o.self || containsPeer(o.active, p) || containsPeer(o.passive, p) {
		return
	}
	if len(o.passive) >= o.cfg.PassiveMax {
		o.evictRandomPassiveLocked()
	}
	o.passive = append(o.passive, p)
}

func (o *Overlay) removeFromPassiveLocked(p gossipcore.PeerId) bool {
	for i, cur := range o.passive {
		if cur == p {
			o.passive = append(o.passive[:i], o.passive[i+1:]...)
			return true
		}
	}
	return false
}

func (o *Overlay) evictRandomActiveLocked() {
	if len(o.active) == 0 {
		return
	}
	o.randMu.Lock()
	idx := o.rnd.Intn(len(o.active))
	o.randMu.Unlock()
	evicted := o.active[idx]
	o.active = append(o.active[:idx], o.active[idx+1:]...)
	o.addPassiveLocked(evicted)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.send(ctx, evicted, gossipcore.KindDisconnect, disconnectMsg{})
	}()
}

func (o *Overlay) evictRandomPassiveLocked() {
	if len(o.passive) == 0 {
		return
	}
	o.randMu.Lock()
	idx := o.rnd.Intn(len(o.passive))
	o.randMu.Unlock()
	o.passive = append(o.passive[:idx], o.passive[idx+1:]...)
}

// Promote moves one random passive peer into the active view, used by the
// degree-maintenance task when the active view has fallen below target.
func (o *Overlay) Promote() (gossipcore.PeerId, bool) {
	o.mu.Lock()
	if len(o.passive) == 0 {
		o.mu.Unlock()
		return gossipcore.PeerId{}, false
	}
	o.randMu.Lock()
	idx := o.rnd.Intn(len(o.passive))
	o.randMu.Unlock()
	p := o.passive[idx]
	o.passive = append(o.passive[:idx], o.passive[idx+1:]...)
	o.addActiveLocked(p)
	o.mu.Unlock()
	o.reportSizes()
	return p, true
}

// Run starts the degree-maintenance and shuffle background tasks. It
// blocks until ctx is cancelled.
func (o *Overlay) Run(ctx context.Context) {
	maintain := time.NewTicker(o.cfg.MaintainPeriod)
	defer maintain.Stop()
	shuffle := time.NewTicker(o.cfg.ShufflePeriod)
	defer shuffle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-maintain.C:
			o.maintainDegree(ctx)
		case <-shuffle.C:
			o.doShuffle(ctx)
		}
	}
}

func (o *Overlay) maintainDegree(ctx context.Context) {
	o.promoteToTarget()
	_ = ctx
}

// promoteToTarget repeatedly promotes a random passive peer into the
// active view until it reaches ActiveTarget or the passive view runs dry.
// Called on the periodic maintenance tick and synchronously whenever a
// Dead notification removes an active peer.
func (o *Overlay) promoteToTarget() {
	for len(o.ActiveView()) < o.cfg.ActiveTarget {
		if _, ok := o.Promote(); !ok {
			return
		}
	}
}

func (o *Overlay) doShuffle(ctx context.Context) {
	active := o.ActiveView()
	if len(active) == 0 {
		return
	}

	passiveSample := o.sample(o.PassiveView(), o.cfg.Kp-1)
	activeSample := o.sample(active, o.cfg.Ka)
	peers := append(append([]gossipcore.PeerId{}, passiveSample...), activeSample...)
	peers = append(peers, o.self)

	o.randMu.Lock()
	o.lastShuffleID++
	id := o.lastShuffleID
	o.randMu.Unlock()

	o.mu.Lock()
	o.lastShuffle[id] = peers
	o.mu.Unlock()

	o.randMu.Lock()
	target := active[o.rnd.Intn(len(active))]
	o.randMu.Unlock()

	metrics.ShuffleRounds.Inc()
	if err := o.send(ctx, target, gossipcore.KindShuffle, shuffleMsg{ID: id, TTL: o.cfg.PRWL, Peers: peers}); err != nil {
		log.Printf("[hyparview] shuffle send to %s failed: %v", target, err)
	}
}

// HandleFrame dispatches an inbound JOIN/FORWARD_JOIN/SHUFFLE/
// SHUFFLE_REPLY/DISCONNECT frame received over the membership stream.
func (o *Overlay) HandleFrame(ctx context.Context, from gossipcore.PeerId, header gossipcore.MessageHeader, payload []byte) {
	switch header.Kind {
	case gossipcore.KindJoin:
		o.handleJoin(ctx, from)
	case gossipcore.KindForwardJoin:
		var msg forwardJoinMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		o.handleForwardJoin(ctx, from, msg)
	case gossipcore.KindShuffle:
		var msg shuffleMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		o.handleShuffle(ctx, from, msg)
	case gossipcore.KindShuffleReply:
		var msg shuffleReplyMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		o.handleShuffleReply(msg)
	case gossipcore.KindDisconnect:
		o.RemoveActive(from)
		o.mu.Lock()
		o.addPassiveLocked(from)
		o.mu.Unlock()
		o.reportSizes()
	}
}

func (o *Overlay) handleJoin(ctx context.Context, from gossipcore.PeerId) {
	o.AddActive(from)
	active := o.ActiveView()
	for _, peer := range active {
		if peer == from {
			continue
		}
		_ = o.send(ctx, peer, gossipcore.KindForwardJoin, forwardJoinMsg{TTL: o.cfg.ARWL, Origin: from})
	}
}

func (o *Overlay) handleForwardJoin(ctx context.Context, from gossipcore.PeerId, msg forwardJoinMsg) {
	if msg.Origin == o.self {
		return
	}
	active := o.ActiveView()
	if msg.TTL == 0 || len(active) <= 1 {
		o.AddActive(msg.Origin)
		return
	}

	if msg.TTL == o.cfg.PRWL {
		o.mu.Lock()
		if !containsPeer(o.active, msg.Origin) && !containsPeer(o.passive, msg.Origin) {
			o.addPassiveLocked(msg.Origin)
		}
		o.mu.Unlock()
	}

	next := o.randomExcept(active, msg.Origin, from, 1)
	if len(next) == 0 {
		o.AddActive(msg.Origin)
		return
	}
	_ = o.send(ctx, next[0], gossipcore.KindForwardJoin, forwardJoinMsg{TTL: msg.TTL - 1, Origin: msg.Origin})
}

func (o *Overlay) handleShuffle(ctx context.Context, from gossipcore.PeerId, msg shuffleMsg) {
	active := o.ActiveView()
	if msg.TTL > 0 && len(active) > 1 {
		next := o.randomExcept(active, o.self, from, 1)
		if len(next) > 0 {
			_ = o.send(ctx, next[0], gossipcore.KindShuffle, shuffleMsg{ID: msg.ID, TTL: msg.TTL - 1, Peers: msg.Peers})
			return
		}
	}

	exclude := append(append([]gossipcore.PeerId{}, msg.Peers...), o.self, from)
	reply := o.sampleExcept(o.PassiveView(), exclude, len(msg.Peers))

	o.mu.Lock()
	for _, p := range msg.Peers {
		if p == o.self || containsPeer(o.active, p) || containsPeer(o.passive, p) {
			continue
		}
		if len(o.passive) >= o.cfg.PassiveMax {
			o.evictRandomPassiveLocked()
		}
		o.passive = append(o.passive, p)
	}
	o.mu.Unlock()
	o.reportSizes()

	_ = o.send(ctx, from, gossipcore.KindShuffleReply, shuffleReplyMsg{ID: msg.ID, Peers: reply})
}

func (o *Overlay) handleShuffleReply(msg shuffleReplyMsg) {
	o.mu.Lock()

	sent := o.lastShuffle[msg.ID]
	delete(o.lastShuffle, msg.ID)

	for _, p := range msg.Peers {
		if p == o.self || containsPeer(o.active, p) || containsPeer(o.passive, p) {
			continue
		}
		if len(o.passive) >= o.cfg.PassiveMax {
			// Prefer dropping a peer we sent; sent also holds self and
			// active peers, which are not in the passive view.
			evicted := false
			for len(sent) > 0 && !evicted {
				evicted = o.removeFromPassiveLocked(sent[0])
				sent = sent[1:]
			}
			if !evicted {
				o.evictRandomPassiveLocked()
			}
		}
		o.passive = append(o.passive, p)
	}
	o.mu.Unlock()
	o.reportSizes()
}

func (o *Overlay) send(ctx context.Context, to gossipcore.PeerId, kind gossipcore.MessageKind, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := gossipcore.MessageHeader{Version: gossipcore.HeaderVersion, Kind: kind, TTL: 1}
	frame, err := gossipcore.EncodeFrame(header, payload, nil)
	if err != nil {
		return err
	}
	if err := o.transport.SendToPeer(ctx, to, gossipcore.StreamMembership, frame); err != nil {
		o.RemoveActive(to)
		return err
	}
	return nil
}

func (o *Overlay) sample(view []gossipcore.PeerId, n int) []gossipcore.PeerId {
	return o.sampleExcept(view, nil, n)
}

func (o *Overlay) sampleExcept(view []gossipcore.PeerId, exclude []gossipcore.PeerId, n int) []gossipcore.PeerId {
	if n <= 0 {
		return nil
	}
	candidates := make([]gossipcore.PeerId, 0, len(view))
	for _, p := range view {
		if !containsPeer(exclude, p) {
			candidates = append(candidates, p)
		}
	}
	o.randMu.Lock()
	o.rnd.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	o.randMu.Unlock()
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

func (o *Overlay) randomExcept(view []gossipcore.PeerId, a, b gossipcore.PeerId, n int) []gossipcore.PeerId {
	return o.sampleExcept(view, []gossipcore.PeerId{a, b}, n)
}

// reportSizes pushes the current view sizes to the active_view_size and
// passive_view_size gauges.
func (o *Overlay) reportSizes() {
	o.mu.RLock()
	active, passive := len(o.active), len(o.passive)
	o.mu.RUnlock()
	metrics.ActiveViewSize.Set(float64(active))
	metrics.PassiveViewSize.Set(float64(passive))
}

func containsPeer(list []gossipcore.PeerId, p gossipcore.PeerId) bool {
	for _, cur := range list {
		if cur == p {
			return true
		}
	}
	return false
}
