// Package plumtree implements the dissemination layer of spec.md §4.3: a
// self-optimizing per-topic spanning tree with EAGER push along tree
// edges, IHAVE/IWANT lazy pull off-tree, and PRUNE/GRAFT tree repair.
//
// This is the largest of the three core components. There is no single
// teacher file this is ported from — the teacher repo has no epidemic
// broadcast tree — so the shape (per-topic locked state, background
// tickers, "collect under lock then send" sends) is grounded on the same
// structural idiom as internal/swim and internal/hyparview, generalized
// from member-table bookkeeping to message-table bookkeeping, with the
// retry scheduling ported from internal/infra/dsa/heap.go (see
// retryheap.go) and the six-peer/bounded-cache numerics taken from
// original_source's plumtree crate.
package plumtree

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
	"github.com/dirvine/saorsa-gossip/internal/hyparview"
	"github.com/dirvine/saorsa-gossip/internal/metrics"
)

// Config controls the Plumtree parameters (spec.md §4.3, §5).
type Config struct {
	IHaveFlushPeriod     time.Duration // default: 100ms
	IHaveBatchCap        int           // default: 1024
	CacheCleanPeriod     time.Duration // default: 60s
	CacheTTL             time.Duration // default: 300s
	DegreeMaintainPeriod time.Duration // default: 30s
	EagerTarget          int           // default: 6
	EagerMax             int           // default: 12
	IWantRetryPeriod     time.Duration // default: 2s
	IWantRetryBudget     int           // default: 3
	CacheCap             int           // default: 10000
	PendingIHaveCap      int           // default: 100000
	OutstandingCap       int           // default: 10000
	DefaultTTL           uint8         // default: gossipcore.DefaultTTL (10)
}

// DefaultConfig returns the parameters named in spec.md §4.3/§5.
func DefaultConfig() Config {
	return Config{
		IHaveFlushPeriod:     100 * time.Millisecond,
		IHaveBatchCap:        1024,
		CacheCleanPeriod:     60 * time.Second,
		CacheTTL:             gossipcore.CacheTTL,
		DegreeMaintainPeriod: 30 * time.Second,
		EagerTarget:          6,
		EagerMax:             12,
		IWantRetryPeriod:     2 * time.Second,
		IWantRetryBudget:     3,
		CacheCap:             10_000,
		PendingIHaveCap:      100_000,
		OutstandingCap:       10_000,
		DefaultTTL:           gossipcore.DefaultTTL,
	}
}

// Delivery is one message handed to a topic subscriber.
type Delivery struct {
	Topic   gossipcore.TopicId
	MsgId   gossipcore.MessageId
	Payload []byte
}

type outstandingIWant struct {
	peer     gossipcore.PeerId
	issuedAt time.Time
	attempts int
}

type sink struct {
	id int
	ch chan Delivery
}

// topicState is the per-topic state of spec.md §3's TopicState, guarded
// by its own writer-preferring lock so one busy topic never blocks
// another.
type topicState struct {
	mu sync.RWMutex

	id gossipcore.TopicId

	eager map[gossipcore.PeerId]struct{}
	lazy  map[gossipcore.PeerId]struct{}

	cache *lru.Cache[gossipcore.MessageId, *gossipcore.CachedMessage]

	pendingIHave []gossipcore.MessageId
	outstanding  map[gossipcore.MessageId]*outstandingIWant
	advertisers  map[gossipcore.MessageId]map[gossipcore.PeerId]struct{}
	delivered    map[gossipcore.MessageId]struct{}

	retry  retryHeap
	nextSinkID int
	sinks  []sink
}

// Engine owns every topic's state plus the background schedulers that
// drive them (spec.md §5 task list items 2-4 and the IWANT-retry task).
type Engine struct {
	self      gossipcore.PeerId
	cfg       Config
	transport gossiptransport.Transport
	signer    gossiptransport.Signer
	verifier  gossiptransport.Verifier
	clock     gossiptransport.Clock
	keys      gossiptransport.KeyStore
	overlay   *hyparview.Overlay

	mu     sync.RWMutex
	topics map[gossipcore.TopicId]*topicState

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New creates an Engine. keys may be nil, in which case EAGER signature
// verification is skipped (no identity layer wired yet); overlay may be
// nil for unit tests that drive eager/lazy membership directly.
func New(self gossipcore.PeerId, cfg Config, transport gossiptransport.Transport, signer gossiptransport.Signer, verifier gossiptransport.Verifier, clock gossiptransport.Clock, keys gossiptransport.KeyStore, overlay *hyparview.Overlay) *Engine {
	e := &Engine{
		self:      self,
		cfg:       cfg,
		transport: transport,
		signer:    signer,
		verifier:  verifier,
		clock:     clock,
		keys:      keys,
		overlay:   overlay,
		topics:    make(map[gossipcore.TopicId]*topicState),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if overlay != nil {
		overlay.OnPromote(e.onOverlayPromote)
		overlay.OnDemote(e.onOverlayDemote)
	}
	return e
}

func (e *Engine) topicOrCreate(t gossipcore.TopicId) *topicState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.topics[t]
	if ok {
		return ts
	}
	ts = &topicState{
		id:          t,
		eager:       make(map[gossipcore.PeerId]struct{}),
		lazy:        make(map[gossipcore.PeerId]struct{}),
		outstanding: make(map[gossipcore.MessageId]*outstandingIWant),
		advertisers: make(map[gossipcore.MessageId]map[gossipcore.PeerId]struct{}),
		delivered:   make(map[gossipcore.MessageId]struct{}),
	}
	// delivered shadows cache one-for-one, so it can only stay bounded by
	// riding the same eviction: whatever capacity or TTL cleanup drops from
	// cache is dropped from delivered in the same callback.
	cache, _ := lru.NewWithEvict[gossipcore.MessageId, *gossipcore.CachedMessage](e.cfg.CacheCap, func(id gossipcore.MessageId, _ *gossipcore.CachedMessage) {
		delete(ts.delivered, id)
	})
	ts.cache = cache
	if e.overlay != nil {
		for _, p := range e.overlay.ActiveView() {
			ts.eager[p] = struct{}{}
		}
	}
	e.topics[t] = ts
	return ts
}

func (e *Engine) topicLocked(t gossipcore.TopicId) (*topicState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts, ok := e.topics[t]
	return ts, ok
}

// Subscribe returns a delivery channel for topic and a cancel function
// that detaches only this sink (spec.md §5 cancellation semantics).
func (e *Engine) Subscribe(topic gossipcore.TopicId) (<-chan Delivery, func()) {
	ts := e.topicOrCreate(topic)
	ch := make(chan Delivery, 256)

	ts.mu.Lock()
	id := ts.nextSinkID
	ts.nextSinkID++
	ts.sinks = append(ts.sinks, sink{id: id, ch: ch})
	ts.mu.Unlock()

	cancel := func() {
		ts.mu.Lock()
		for i, s := range ts.sinks {
			if s.id == id {
				ts.sinks = append(ts.sinks[:i], ts.sinks[i+1:]...)
				close(s.ch)
				break
			}
		}
		ts.mu.Unlock()
	}
	return ch, cancel
}

// AddEagerPeer inserts p into topic's eager set (removing it from lazy if
// present), for bootstrap wiring ahead of overlay convergence and tests.
func (e *Engine) AddEagerPeer(topic gossipcore.TopicId, p gossipcore.PeerId) {
	ts := e.topicOrCreate(topic)
	ts.mu.Lock()
	delete(ts.lazy, p)
	ts.eager[p] = struct{}{}
	ts.mu.Unlock()
}

// AddLazyPeer inserts p into topic's lazy set (removing it from eager if
// present).
func (e *Engine) AddLazyPeer(topic gossipcore.TopicId, p gossipcore.PeerId) {
	ts := e.topicOrCreate(topic)
	ts.mu.Lock()
	delete(ts.eager, p)
	ts.lazy[p] = struct{}{}
	ts.mu.Unlock()
}

// EagerPeers returns a snapshot of topic's current eager set.
func (e *Engine) EagerPeers(topic gossipcore.TopicId) []gossipcore.PeerId {
	ts, ok := e.topicLocked(topic)
	if !ok {
		return nil
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return keysOf(ts.eager)
}

// LazyPeers returns a snapshot of topic's current lazy set.
func (e *Engine) LazyPeers(topic gossipcore.TopicId) []gossipcore.PeerId {
	ts, ok := e.topicLocked(topic)
	if !ok {
		return nil
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return keysOf(ts.lazy)
}

// Topics returns the ids of every topic with local state (subscribed to,
// or merely touched by a publish/forward), for debug introspection.
func (e *Engine) Topics() []gossipcore.TopicId {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]gossipcore.TopicId, 0, len(e.topics))
	for id := range e.topics {
		out = append(out, id)
	}
	return out
}

// CacheSize returns the number of messages currently cached for topic.
func (e *Engine) CacheSize(topic gossipcore.TopicId) int {
	ts, ok := e.topicLocked(topic)
	if !ok {
		return 0
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.cache.Len()
}

// Unsubscribe drops all topic state, per spec.md §5: "in-flight forwards
// for that topic become no-ops."
func (e *Engine) Unsubscribe(topic gossipcore.TopicId) {
	e.mu.Lock()
	ts, ok := e.topics[topic]
	delete(e.topics, topic)
	e.mu.Unlock()
	if !ok {
		return
	}
	ts.mu.Lock()
	for _, s := range ts.sinks {
		close(s.ch)
	}
	ts.sinks = nil
	ts.mu.Unlock()
}

// Publish computes MessageId, signs, caches, eagerly pushes to tree
// peers, and delivers locally (spec.md §4.3 publish).
func (e *Engine) Publish(ctx context.Context, topic gossipcore.TopicId, payload []byte) (gossipcore.MessageId, error) {
	ts := e.topicOrCreate(topic)

	now := e.now()
	epoch := gossipcore.EpochSeconds(now)
	msgID := gossipcore.DeriveMessageId(topic, epoch, e.self, payload)

	header := gossipcore.MessageHeader{
		Version: gossipcore.HeaderVersion,
		Topic:   topic,
		MsgId:   msgID,
		Kind:    gossipcore.KindEager,
		Hop:     0,
		TTL:     e.cfg.DefaultTTL,
	}

	signed := gossipcore.SignedMessage{Header: header, Payload: payload}
	if e.signer != nil {
		sig, err := e.signer.Sign(signed.SigningBytes())
		if err != nil {
			return gossipcore.MessageId{}, err
		}
		signed.Signature = sig
	}

	ts.mu.Lock()
	ts.cache.Add(msgID, &gossipcore.CachedMessage{Header: header, Payload: payload, InsertedAt: now})
	ts.delivered[msgID] = struct{}{}
	targets := keysOf(ts.eager)
	ts.pendingIHave = appendBounded(ts.pendingIHave, msgID, e.cfg.PendingIHaveCap)
	sinks := append([]sink(nil), ts.sinks...)
	cacheLen := ts.cache.Len()
	ts.mu.Unlock()

	metrics.MessagesPublished.WithLabelValues(topic.String()).Inc()
	metrics.MessagesDelivered.WithLabelValues(topic.String()).Inc()
	metrics.CacheSize.WithLabelValues(topic.String()).Set(float64(cacheLen))

	e.deliverLocal(sinks, topic, msgID, payload)
	e.sendEagerTo(ctx, targets, signed)

	return msgID, nil
}

// OnEager handles an inbound EAGER frame (spec.md §4.3 onEager).
func (e *Engine) OnEager(ctx context.Context, from gossipcore.PeerId, signed gossipcore.SignedMessage) {
	if !e.verify(from, signed) {
		return
	}
	topic := signed.Header.Topic
	ts := e.topicOrCreate(topic)

	ts.mu.Lock()
	if _, dup := ts.cache.Get(signed.Header.MsgId); dup {
		// Duplicate: demote the sender to lazy (if currently eager) and PRUNE.
		if _, isEager := ts.eager[from]; isEager {
			delete(ts.eager, from)
			ts.lazy[from] = struct{}{}
		}
		ts.mu.Unlock()
		metrics.DuplicatesPruned.Inc()
		e.sendControl(ctx, from, topic, gossipcore.KindPrune, nil, &signed.Header.MsgId)
		return
	}

	ts.cache.Add(signed.Header.MsgId, &gossipcore.CachedMessage{Header: signed.Header, Payload: signed.Payload, InsertedAt: e.now()})
	_, already := ts.delivered[signed.Header.MsgId]
	if !already {
		ts.delivered[signed.Header.MsgId] = struct{}{}
	}
	delete(ts.outstanding, signed.Header.MsgId)
	ts.pendingIHave = appendBounded(ts.pendingIHave, signed.Header.MsgId, e.cfg.PendingIHaveCap)

	var targets []gossipcore.PeerId
	if !signed.Header.Expired() {
		for p := range ts.eager {
			if p != from {
				targets = append(targets, p)
			}
		}
	}
	sinks := append([]sink(nil), ts.sinks...)
	cacheLen := ts.cache.Len()
	ts.mu.Unlock()

	metrics.CacheSize.WithLabelValues(topic.String()).Set(float64(cacheLen))
	if !already {
		metrics.MessagesDelivered.WithLabelValues(topic.String()).Inc()
		e.deliverLocal(sinks, topic, signed.Header.MsgId, signed.Payload)
	}

	if len(targets) > 0 {
		forward := signed
		forward.Header.Hop++
		e.sendEagerTo(ctx, targets, forward)
	}
}

// OnIHave handles an inbound IHAVE digest (spec.md §4.3 onIHave).
func (e *Engine) OnIHave(ctx context.Context, from gossipcore.PeerId, topic gossipcore.TopicId, ids []gossipcore.MessageId) {
	ts := e.topicOrCreate(topic)

	var toRequest []gossipcore.MessageId
	now := e.now()

	ts.mu.Lock()
	for _, id := range ids {
		if advertisers, ok := ts.advertisers[id]; ok {
			advertisers[from] = struct{}{}
		} else {
			ts.advertisers[id] = map[gossipcore.PeerId]struct{}{from: {}}
		}

		if _, cached := ts.cache.Get(id); cached {
			continue
		}
		if _, pending := ts.outstanding[id]; pending {
			continue
		}
		if len(ts.outstanding) >= e.cfg.OutstandingCap {
			metrics.CapacityDrops.WithLabelValues("outstanding_iwant").Inc()
			continue // CapacityExceeded: silent drop of new tracking (spec.md §7)
		}
		ts.outstanding[id] = &outstandingIWant{peer: from, issuedAt: now}
		ts.retry.Push(retryItem{msgID: id, peer: from, deadline: now.Add(e.cfg.IWantRetryPeriod), attempts: 0})
		toRequest = append(toRequest, id)
	}
	ts.mu.Unlock()

	if len(toRequest) > 0 {
		e.sendControl(ctx, from, topic, gossipcore.KindIWant, toRequest, nil)
	}
}

// OnIWant handles an inbound IWANT pull request (spec.md §4.3 onIWant).
func (e *Engine) OnIWant(ctx context.Context, from gossipcore.PeerId, topic gossipcore.TopicId, ids []gossipcore.MessageId) {
	ts, ok := e.topicLocked(topic)
	if !ok {
		return
	}

	var graft bool
	ts.mu.Lock()
	var cached []*gossipcore.CachedMessage
	for _, id := range ids {
		if cm, ok := ts.cache.Get(id); ok {
			cached = append(cached, cm)
		}
		// unknown ids are silently ignored (spec.md §4.3)
	}
	if len(cached) > 0 {
		if _, isEager := ts.eager[from]; !isEager {
			delete(ts.lazy, from)
			ts.eager[from] = struct{}{}
			graft = true
		}
	}
	ts.mu.Unlock()
	_ = graft

	for _, cm := range cached {
		signed := gossipcore.SignedMessage{Header: cm.Header, Payload: cm.Payload}
		if e.signer != nil {
			if sig, err := e.signer.Sign(signed.SigningBytes()); err == nil {
				signed.Signature = sig
			}
		}
		e.sendEagerTo(ctx, []gossipcore.PeerId{from}, signed)
	}
}

// OnPrune handles an inbound PRUNE (spec.md §4.3 onPrune).
func (e *Engine) OnPrune(from gossipcore.PeerId, topic gossipcore.TopicId) {
	ts, ok := e.topicLocked(topic)
	if !ok {
		return
	}
	ts.mu.Lock()
	delete(ts.eager, from)
	ts.lazy[from] = struct{}{}
	ts.mu.Unlock()
}

// OnGraft handles an inbound GRAFT (spec.md §4.3 onGraft).
func (e *Engine) OnGraft(ctx context.Context, from gossipcore.PeerId, topic gossipcore.TopicId, msgID gossipcore.MessageId) {
	ts := e.topicOrCreate(topic)

	ts.mu.Lock()
	delete(ts.lazy, from)
	ts.eager[from] = struct{}{}
	cm, ok := ts.cache.Get(msgID)
	ts.mu.Unlock()

	if ok {
		signed := gossipcore.SignedMessage{Header: cm.Header, Payload: cm.Payload}
		if e.signer != nil {
			if sig, err := e.signer.Sign(signed.SigningBytes()); err == nil {
				signed.Signature = sig
			}
		}
		e.sendEagerTo(ctx, []gossipcore.PeerId{from}, signed)
	}
}

func (e *Engine) verify(from gossipcore.PeerId, signed gossipcore.SignedMessage) bool {
	if e.verifier == nil || e.keys == nil {
		return true
	}
	pub, ok := e.keys.PublicKey(from)
	if !ok || !e.verifier.Verify(pub, signed.SigningBytes(), signed.Signature) {
		metrics.InvalidSignatures.Inc()
		return false
	}
	return true
}

func (e *Engine) onOverlayPromote(p gossipcore.PeerId) {
	e.mu.RLock()
	topics := make([]*topicState, 0, len(e.topics))
	for _, ts := range e.topics {
		topics = append(topics, ts)
	}
	e.mu.RUnlock()
	for _, ts := range topics {
		ts.mu.Lock()
		if len(ts.eager) < e.cfg.EagerTarget {
			ts.eager[p] = struct{}{}
			delete(ts.lazy, p)
		} else {
			ts.lazy[p] = struct{}{}
		}
		ts.mu.Unlock()
	}
}

func (e *Engine) onOverlayDemote(p gossipcore.PeerId) {
	e.mu.RLock()
	topics := make([]*topicState, 0, len(e.topics))
	for _, ts := range e.topics {
		topics = append(topics, ts)
	}
	e.mu.RUnlock()
	for _, ts := range topics {
		ts.mu.Lock()
		delete(ts.eager, p)
		delete(ts.lazy, p)
		ts.mu.Unlock()
	}
}

func (e *Engine) deliverLocal(sinks []sink, topic gossipcore.TopicId, msgID gossipcore.MessageId, payload []byte) {
	d := Delivery{Topic: topic, MsgId: msgID, Payload: payload}
	for _, s := range sinks {
		select {
		case s.ch <- d:
		default:
			// a slow subscriber never blocks dissemination (spec.md §5
			// "collect targets under lock, drop lock, then send").
		}
	}
}

func (e *Engine) sendEagerTo(ctx context.Context, targets []gossipcore.PeerId, signed gossipcore.SignedMessage) {
	header := signed.Header
	header.Kind = gossipcore.KindEager
	frame, err := gossipcore.EncodeFrame(header, signed.Payload, signed.Signature)
	if err != nil {
		return
	}
	for _, p := range targets {
		if err := e.transport.SendToPeer(ctx, p, gossipcore.StreamPubSub, frame); err != nil {
			e.onSendFailure(signed.Header.Topic, p)
		}
	}
}

// onSendFailure moves p from topic's eager set to its lazy set, so
// dissemination stops pushing full messages over an edge whose send failed.
// It does not notify the failure detector and does not retry the send on
// another peer; p's liveness is judged only by the detector's own probes.
func (e *Engine) onSendFailure(topic gossipcore.TopicId, p gossipcore.PeerId) {
	ts, ok := e.topicLocked(topic)
	if !ok {
		return
	}
	ts.mu.Lock()
	delete(ts.eager, p)
	ts.lazy[p] = struct{}{}
	ts.mu.Unlock()
}

type controlMessage struct {
	Ids []gossipcore.MessageId `json:"ids,omitempty"`
}

func (e *Engine) sendControl(ctx context.Context, to gossipcore.PeerId, topic gossipcore.TopicId, kind gossipcore.MessageKind, ids []gossipcore.MessageId, msgID *gossipcore.MessageId) {
	var payload []byte
	var err error
	if msgID != nil {
		payload, err = json.Marshal(controlMessage{Ids: []gossipcore.MessageId{*msgID}})
	} else {
		payload, err = json.Marshal(controlMessage{Ids: ids})
	}
	if err != nil {
		return
	}
	header := gossipcore.MessageHeader{Version: gossipcore.HeaderVersion, Topic: topic, Kind: kind, TTL: 1}
	frame, err := gossipcore.EncodeFrame(header, payload, nil)
	if err != nil {
		return
	}
	_ = e.transport.SendToPeer(ctx, to, gossipcore.StreamPubSub, frame)
}

// HandleFrame decodes an inbound pubsub-stream frame and dispatches it to
// the matching operation.
func (e *Engine) HandleFrame(ctx context.Context, from gossipcore.PeerId, header gossipcore.MessageHeader, payload, signature []byte) {
	switch header.Kind {
	case gossipcore.KindEager:
		signed := gossipcore.SignedMessage{Header: header, Payload: payload, Signature: signature}
		e.OnEager(ctx, from, signed)
	case gossipcore.KindIHave:
		var msg controlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		e.OnIHave(ctx, from, header.Topic, msg.Ids)
	case gossipcore.KindIWant:
		var msg controlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		e.OnIWant(ctx, from, header.Topic, msg.Ids)
	case gossipcore.KindPrune:
		e.OnPrune(from, header.Topic)
	case gossipcore.KindGraft:
		var msg controlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		// Degree-repair GRAFTs carry no id; they still move the sender to
		// eager, and the zero id simply misses the cache.
		var msgID gossipcore.MessageId
		if len(msg.Ids) > 0 {
			msgID = msg.Ids[0]
		}
		e.OnGraft(ctx, from, header.Topic, msgID)
	}
}

// Run starts the background schedulers shared by every topic: the IHAVE
// flusher, cache cleaner, degree maintainer, and IWANT retry sweep
// (spec.md §4.3, §5). It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	flush := time.NewTicker(e.cfg.IHaveFlushPeriod)
	defer flush.Stop()
	clean := time.NewTicker(e.cfg.CacheCleanPeriod)
	defer clean.Stop()
	degree := time.NewTicker(e.cfg.DegreeMaintainPeriod)
	defer degree.Stop()
	retry := time.NewTicker(e.cfg.IWantRetryPeriod)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			e.flushIHave(ctx)
		case <-clean.C:
			e.cleanCaches()
		case <-degree.C:
			e.maintainDegree(ctx)
		case <-retry.C:
			e.sweepRetries(ctx)
		}
	}
}

func (e *Engine) allTopics() []*topicState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*topicState, 0, len(e.topics))
	for _, ts := range e.topics {
		out = append(out, ts)
	}
	return out
}

// flushIHave drains up to IHaveBatchCap pending ids per topic and
// broadcasts them to every lazy peer (spec.md §4.3 IHAVE flush).
func (e *Engine) flushIHave(ctx context.Context) {
	for _, ts := range e.allTopics() {
		ts.mu.Lock()
		if len(ts.pendingIHave) == 0 {
			ts.mu.Unlock()
			continue
		}
		n := len(ts.pendingIHave)
		if n > e.cfg.IHaveBatchCap {
			n = e.cfg.IHaveBatchCap
		}
		batch := append([]gossipcore.MessageId(nil), ts.pendingIHave[:n]...)
		ts.pendingIHave = ts.pendingIHave[n:]
		lazyTargets := keysOf(ts.lazy)
		topic := ts.id
		ts.mu.Unlock()

		for _, p := range lazyTargets {
			e.sendControl(ctx, p, topic, gossipcore.KindIHave, batch, nil)
		}
	}
}

// cleanCaches drops cache entries older than CacheTTL (spec.md §4.3 cache
// cleaner; invariant I4).
func (e *Engine) cleanCaches() {
	now := e.now()
	for _, ts := range e.allTopics() {
		ts.mu.Lock()
		for _, id := range ts.cache.Keys() {
			cm, ok := ts.cache.Peek(id)
			if ok && now.Sub(cm.InsertedAt) > e.cfg.CacheTTL {
				ts.cache.Remove(id) // evict callback prunes ts.delivered too
			}
		}
		cacheLen := ts.cache.Len()
		topic := ts.id
		ts.mu.Unlock()
		metrics.CacheSize.WithLabelValues(topic.String()).Set(float64(cacheLen))
	}
}

// maintainDegree grafts random lazy peers up to EagerTarget when the
// eager set is thin, or prunes random excess when it overflows EagerMax
// (spec.md §4.3 degree maintenance).
func (e *Engine) maintainDegree(ctx context.Context) {
	for _, ts := range e.allTopics() {
		ts.mu.Lock()
		topic := ts.id
		var toGraft, toPrune []gossipcore.PeerId

		for len(ts.eager) < e.cfg.EagerTarget && len(ts.lazy) > 0 {
			p := e.pickRandom(keysOf(ts.lazy))
			delete(ts.lazy, p)
			ts.eager[p] = struct{}{}
			toGraft = append(toGraft, p)
		}
		for len(ts.eager) > e.cfg.EagerMax {
			p := e.pickRandom(keysOf(ts.eager))
			delete(ts.eager, p)
			ts.lazy[p] = struct{}{}
			toPrune = append(toPrune, p)
		}
		ts.mu.Unlock()

		for _, p := range toGraft {
			metrics.GraftsSent.Inc()
			e.sendControl(ctx, p, topic, gossipcore.KindGraft, nil, nil)
		}
		for _, p := range toPrune {
			e.sendControl(ctx, p, topic, gossipcore.KindPrune, nil, nil)
		}
	}
}

// sweepRetries pops every retryHeap entry whose deadline has passed:
// still-outstanding IWants are retried to a different peer that also
// advertised the id (if one exists) and re-queued, up to IWantRetryBudget
// attempts, after which they are abandoned (spec.md §4.3 IWant retry).
func (e *Engine) sweepRetries(ctx context.Context) {
	now := e.now()
	for _, ts := range e.allTopics() {
		topic := ts.id
		var toSend []struct {
			peer gossipcore.PeerId
			id   gossipcore.MessageId
		}

		ts.mu.Lock()
		for {
			item, ok := ts.retry.Peek()
			if !ok || item.deadline.After(now) {
				break
			}
			ts.retry.Pop()

			outstanding, stillPending := ts.outstanding[item.msgID]
			if !stillPending {
				continue // satisfied since it was scheduled
			}
			if _, cached := ts.cache.Get(item.msgID); cached {
				delete(ts.outstanding, item.msgID)
				continue
			}
			if item.attempts >= e.cfg.IWantRetryBudget {
				delete(ts.outstanding, item.msgID)
				delete(ts.advertisers, item.msgID)
				metrics.IWantRetries.WithLabelValues("abandoned").Inc()
				continue
			}

			next := e.nextAdvertiser(ts, item.msgID, outstanding.peer)
			if next == (gossipcore.PeerId{}) {
				delete(ts.outstanding, item.msgID)
				metrics.IWantRetries.WithLabelValues("abandoned").Inc()
				continue
			}

			outstanding.peer = next
			outstanding.issuedAt = now
			outstanding.attempts++
			ts.retry.Push(retryItem{msgID: item.msgID, peer: next, deadline: now.Add(e.cfg.IWantRetryPeriod), attempts: outstanding.attempts})

			toSend = append(toSend, struct {
				peer gossipcore.PeerId
				id   gossipcore.MessageId
			}{next, item.msgID})
		}
		ts.mu.Unlock()

		for _, r := range toSend {
			metrics.IWantRetries.WithLabelValues("retried").Inc()
			e.sendControl(ctx, r.peer, topic, gossipcore.KindIWant, []gossipcore.MessageId{r.id}, nil)
		}
	}
}

// nextAdvertiser returns a peer, other than exclude, known to have
// advertised msgID via IHAVE; the zero PeerId if none exists.
func (e *Engine) nextAdvertiser(ts *topicState, msgID gossipcore.MessageId, exclude gossipcore.PeerId) gossipcore.PeerId {
	advertisers := ts.advertisers[msgID]
	var candidates []gossipcore.PeerId
	for p := range advertisers {
		if p != exclude {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return gossipcore.PeerId{}
	}
	return e.pickRandom(candidates)
}

func (e *Engine) pickRandom(peers []gossipcore.PeerId) gossipcore.PeerId {
	if len(peers) == 0 {
		return gossipcore.PeerId{}
	}
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return peers[e.rnd.Intn(len(peers))]
}

func (e *Engine) now() time.Time {
	return time.UnixMilli(int64(e.clock.NowMillis()))
}

func keysOf(m map[gossipcore.PeerId]struct{}) []gossipcore.PeerId {
	out := make([]gossipcore.PeerId, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	return out
}

func appendBounded(s []gossipcore.MessageId, id gossipcore.MessageId, cap int) []gossipcore.MessageId {
	s = append(s, id)
	if len(s) > cap {
		log.Printf("[plumtree] pendingIHave at capacity (%d); dropping oldest", cap)
		metrics.CapacityDrops.WithLabelValues("pending_ihave").Inc()
		s = s[len(s)-cap:]
	}
	return s
}
