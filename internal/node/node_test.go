package node

import (
	"context"
	"testing"
	"time"

	"github.com/dirvine/saorsa-gossip/internal/config"
	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
)

func testNodeConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Swim.ProbePeriod = "20ms"
	cfg.Swim.AckTimeout = "40ms"
	cfg.Swim.SuspectTimeout = "80ms"
	cfg.Overlay.ShufflePeriod = "200ms"
	cfg.Overlay.MaintainPeriod = "20ms"
	cfg.Overlay.ActiveTarget = 2
	cfg.Overlay.ActiveMax = 3
	cfg.Plumtree.IHaveFlushPeriod = "10ms"
	cfg.Plumtree.CacheCleanPeriod = "500ms"
	cfg.Plumtree.CacheTTL = "300s"
	cfg.Plumtree.DegreeMaintainPeriod = "20ms"
	cfg.Plumtree.IWantRetryPeriod = "30ms"
	return cfg
}

func TestNode_JoinAndPublishDeliversAcrossTwoPeers(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID, bID := gossipcore.PeerId{0x01}, gossipcore.PeerId{0x02}
	aTr := net.Register(aID)
	bTr := net.Register(bID)

	cfg := testNodeConfig()
	a, err := New(aID, cfg, aTr, gossiptransport.SystemClock{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	b, err := New(bID, cfg, bTr, gossiptransport.SystemClock{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go a.Run(ctx)
	go b.Run(ctx)

	if err := a.Join(ctx, bID); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Give HyParView time to admit each side into the other's active view.
	time.Sleep(100 * time.Millisecond)

	topic := gossipcore.TopicIdFromName("chat")
	ch, unsub := b.Subscribe(topic)
	defer unsub()

	msgID, err := a.Publish(ctx, topic, []byte("hello"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case d := <-ch:
		if d.MsgId != msgID {
			t.Fatalf("delivered msgID = %v, want %v", d.MsgId, msgID)
		}
	case <-time.After(time.Second):
		t.Fatal("b never received the published message")
	}
}

func TestNode_MalformedFrameDoesNotCrashReceiveLoop(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID, bID := gossipcore.PeerId{0x01}, gossipcore.PeerId{0x02}
	aTr := net.Register(aID)
	bTr := net.Register(bID)

	a, err := New(aID, testNodeConfig(), aTr, gossiptransport.SystemClock{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go a.Run(ctx)

	if err := bTr.SendToPeer(ctx, aID, gossipcore.StreamMembership, []byte("not a frame")); err != nil {
		t.Fatalf("SendToPeer: %v", err)
	}

	// If the malformed frame killed the receive loop, a legitimate PING
	// sent right after would never be answered, and this second send
	// would still succeed at the transport layer regardless — so the
	// real assertion is simply that the process is still alive and
	// responsive after the sleep.
	time.Sleep(100 * time.Millisecond)
	if err := bTr.SendToPeer(ctx, aID, gossipcore.StreamMembership, []byte("still not a frame")); err != nil {
		t.Fatalf("SendToPeer after malformed frame: %v", err)
	}
}
