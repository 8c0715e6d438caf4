package plumtree

import (
	"context"
	"testing"
	"time"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IHaveFlushPeriod = 10 * time.Millisecond
	cfg.CacheCleanPeriod = 30 * time.Millisecond
	cfg.CacheTTL = 50 * time.Millisecond
	cfg.DegreeMaintainPeriod = 20 * time.Millisecond
	cfg.IWantRetryPeriod = 20 * time.Millisecond
	cfg.EagerTarget = 6
	cfg.EagerMax = 12
	return cfg
}

func newEngine(self gossipcore.PeerId, tr gossiptransport.Transport) *Engine {
	return New(self, testConfig(), tr, nil, nil, gossiptransport.SystemClock{}, nil, nil)
}

func pumpPubSub(ctx context.Context, tr *gossiptransport.MemoryTransport, e *Engine) {
	for {
		in, err := tr.Receive(ctx)
		if err != nil {
			return
		}
		header, payload, sig, err := gossipcore.DecodeFrame(in.Bytes)
		if err != nil {
			continue
		}
		e.HandleFrame(ctx, in.Peer, header, payload, sig)
	}
}

func TestEngine_PublishDeliversEagerlyToTreePeer(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID, bID := gossipcore.PeerId{0x01}, gossipcore.PeerId{0x02}
	aTr := net.Register(aID)
	bTr := net.Register(bID)

	a := newEngine(aID, aTr)
	b := newEngine(bID, bTr)

	topic := gossipcore.TopicIdFromName("t")
	a.AddEagerPeer(topic, bID)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go pumpPubSub(ctx, bTr, b)

	ch, unsub := b.Subscribe(topic)
	defer unsub()

	msgID, err := a.Publish(ctx, topic, []byte("hello"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case d := <-ch:
		if d.MsgId != msgID || string(d.Payload) != "hello" {
			t.Fatalf("delivery = %+v, want msgID=%v payload=hello", d, msgID)
		}
	case <-time.After(time.Second):
		t.Fatal("b never received the eager push")
	}
}

func TestEngine_DuplicateEagerTriggersPrune(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID, bID := gossipcore.PeerId{0x01}, gossipcore.PeerId{0x02}
	aTr := net.Register(aID)
	bTr := net.Register(bID)

	a := newEngine(aID, aTr)
	b := newEngine(bID, bTr)

	topic := gossipcore.TopicIdFromName("t")
	b.AddEagerPeer(topic, aID) // b thinks a is an eager peer

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go pumpPubSub(ctx, aTr, a)
	go pumpPubSub(ctx, bTr, b) // b must process a's PRUNE

	header := gossipcore.MessageHeader{
		Version: gossipcore.HeaderVersion,
		Topic:   topic,
		MsgId:   gossipcore.DeriveMessageId(topic, 1, aID, []byte("x")),
		Kind:    gossipcore.KindEager,
		TTL:     gossipcore.DefaultTTL,
	}
	// a already has this message cached, as if delivered earlier.
	a.OnEager(ctx, bID, gossipcore.SignedMessage{Header: header, Payload: []byte("x")})

	// b sends the same message again; a must recognize the duplicate,
	// demote b, and PRUNE rather than re-deliver/forward.
	b.AddEagerPeer(topic, aID)
	frame, _ := gossipcore.EncodeFrame(header, []byte("x"), nil)
	_ = bTr.SendToPeer(ctx, aID, gossipcore.StreamPubSub, frame)

	time.Sleep(100 * time.Millisecond)

	if eager := b.EagerPeers(topic); containsPeerID(eager, aID) {
		t.Fatalf("b should have demoted a to lazy after PRUNE, still eager: %v", eager)
	}
	if lazy := b.LazyPeers(topic); !containsPeerID(lazy, aID) {
		t.Fatalf("b should have demoted a to lazy, got lazy=%v", lazy)
	}
}

func TestEngine_IHaveTriggersIWantThenDelivery(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID, bID := gossipcore.PeerId{0x01}, gossipcore.PeerId{0x02}
	aTr := net.Register(aID)
	bTr := net.Register(bID)

	a := newEngine(aID, aTr)
	b := newEngine(bID, bTr)

	topic := gossipcore.TopicIdFromName("t")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go pumpPubSub(ctx, aTr, a)
	go pumpPubSub(ctx, bTr, b)

	ch, unsub := b.Subscribe(topic)
	defer unsub()

	// a publishes with no tree peers; the message lands only in a's cache.
	msgID, err := a.Publish(ctx, topic, []byte("payload"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// b learns about it via an IHAVE digest, pulls it with IWANT.
	a.OnIWant(ctx, bID, topic, nil) // no-op warmup to exercise the path harmlessly
	b.OnIHave(ctx, aID, topic, []gossipcore.MessageId{msgID})

	select {
	case d := <-ch:
		if d.MsgId != msgID {
			t.Fatalf("delivered msgID = %v, want %v", d.MsgId, msgID)
		}
	case <-time.After(time.Second):
		t.Fatal("b never received the message via IHAVE/IWANT pull")
	}

	if eager := a.EagerPeers(topic); !containsPeerID(eager, bID) {
		t.Fatalf("a should have GRAFTed b into eager after satisfying IWANT, got %v", eager)
	}
}

func TestEngine_CacheEntriesExpire(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID := gossipcore.PeerId{0x01}
	aTr := net.Register(aID)
	a := newEngine(aID, aTr)

	topic := gossipcore.TopicIdFromName("t")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	msgID, err := a.Publish(ctx, topic, []byte("x"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ts, ok := a.topicLocked(topic)
	if !ok {
		t.Fatal("topic missing after publish")
	}
	ts.mu.RLock()
	_, cached := ts.cache.Get(msgID)
	ts.mu.RUnlock()
	if !cached {
		t.Fatal("message should be cached immediately after publish")
	}

	go a.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	ts.mu.RLock()
	_, stillCached := ts.cache.Get(msgID)
	ts.mu.RUnlock()
	if stillCached {
		t.Fatal("cache entry should have expired after CacheTTL + cleaner tick")
	}
}

func containsPeerID(list []gossipcore.PeerId, p gossipcore.PeerId) bool {
	for _, cur := range list {
		if cur == p {
			return true
		}
	}
	return false
}
