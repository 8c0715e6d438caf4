package hyparview

import (
	"context"
	"testing"
	"time"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
	"github.com/dirvine/saorsa-gossip/internal/swim"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ActiveTarget = 2
	cfg.ActiveMax = 3
	cfg.PassiveMax = 8
	cfg.ShufflePeriod = 30 * time.Millisecond
	cfg.MaintainPeriod = 15 * time.Millisecond
	return cfg
}

func pump(ctx context.Context, t *gossiptransport.MemoryTransport, o *Overlay) {
	for {
		in, err := t.Receive(ctx)
		if err != nil {
			return
		}
		header, payload, _, err := gossipcore.DecodeFrame(in.Bytes)
		if err != nil {
			continue
		}
		o.HandleFrame(ctx, in.Peer, header, payload)
	}
}

func TestOverlay_AddActiveEvictsOnOverflow(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	self := gossipcore.PeerId{0x01}
	tr := net.Register(self)
	cfg := testConfig()
	o := New(self, cfg, tr, gossiptransport.SystemClock{}, nil)

	for i := 2; i < 2+cfg.ActiveMax+2; i++ {
		net.Register(gossipcore.PeerId{byte(i)})
		o.AddActive(gossipcore.PeerId{byte(i)})
	}

	if got := len(o.ActiveView()); got != cfg.ActiveMax {
		t.Fatalf("len(ActiveView()) = %d, want %d (hard cap)", got, cfg.ActiveMax)
	}
	if got := len(o.PassiveView()); got == 0 {
		t.Fatalf("evicted peers should land in passive view, got 0")
	}
}

func TestOverlay_AddActiveIgnoresSelf(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	self := gossipcore.PeerId{0x01}
	tr := net.Register(self)
	o := New(self, testConfig(), tr, gossiptransport.SystemClock{}, nil)

	o.AddActive(self)
	if len(o.ActiveView()) != 0 {
		t.Fatalf("self must never enter its own active view")
	}
}

func TestOverlay_JoinAdmitsBothSides(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID, bID := gossipcore.PeerId{0x01}, gossipcore.PeerId{0x02}
	aTr := net.Register(aID)
	bTr := net.Register(bID)

	a := New(aID, testConfig(), aTr, gossiptransport.SystemClock{}, nil)
	b := New(bID, testConfig(), bTr, gossiptransport.SystemClock{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go pump(ctx, bTr, b)

	if err := a.Join(ctx, bID); err != nil {
		t.Fatalf("Join: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	aActive := a.ActiveView()
	if len(aActive) != 1 || aActive[0] != bID {
		t.Fatalf("a's active view = %v, want [%v]", aActive, bID)
	}
	bActive := b.ActiveView()
	if len(bActive) != 1 || bActive[0] != aID {
		t.Fatalf("b's active view = %v, want [%v]", bActive, aID)
	}
}

func TestOverlay_RemoveActiveFiresOnDemote(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	self := gossipcore.PeerId{0x01}
	tr := net.Register(self)
	o := New(self, testConfig(), tr, gossiptransport.SystemClock{}, nil)

	peer := gossipcore.PeerId{0x02}
	net.Register(peer)
	o.AddActive(peer)

	demoted := make(chan gossipcore.PeerId, 1)
	o.OnDemote(func(p gossipcore.PeerId) { demoted <- p })

	o.RemoveActive(peer)

	select {
	case p := <-demoted:
		if p != peer {
			t.Fatalf("demoted peer = %v, want %v", p, peer)
		}
	case <-time.After(time.Second):
		t.Fatal("OnDemote callback never fired")
	}
}

func TestOverlay_PromoteMovesPassiveToActive(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	self := gossipcore.PeerId{0x01}
	tr := net.Register(self)
	o := New(self, testConfig(), tr, gossiptransport.SystemClock{}, nil)

	peer := gossipcore.PeerId{0x02}
	net.Register(peer)
	o.mu.Lock()
	o.passive = append(o.passive, peer)
	o.mu.Unlock()

	p, ok := o.Promote()
	if !ok || p != peer {
		t.Fatalf("Promote() = (%v, %v), want (%v, true)", p, ok, peer)
	}
	if !containsPeer(o.ActiveView(), peer) {
		t.Fatalf("promoted peer missing from active view")
	}
	if containsPeer(o.PassiveView(), peer) {
		t.Fatalf("promoted peer should be removed from passive view")
	}
}

// TestOverlay_DeadNotificationPromotesImmediately exercises spec.md §4.2's
// requirement that a Dead notification from the detector triggers an
// immediate promotion attempt, not just a wait for the next maintainDegree
// tick (here given a long MaintainPeriod so only the synchronous path
// could possibly account for the promotion).
func TestOverlay_DeadNotificationPromotesImmediately(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	self := gossipcore.PeerId{0x01}
	tr := net.Register(self)

	cfg := testConfig()
	cfg.ActiveTarget = 1
	cfg.MaintainPeriod = time.Hour

	detector := swim.New(self, swim.DefaultConfig(), tr, gossiptransport.SystemClock{})
	o := New(self, cfg, tr, gossiptransport.SystemClock{}, detector)

	dyingPeer := gossipcore.PeerId{0x02}
	sparePeer := gossipcore.PeerId{0x03}
	net.Register(dyingPeer)
	net.Register(sparePeer)

	o.AddActive(dyingPeer)
	detector.MarkAlive(dyingPeer)
	o.mu.Lock()
	o.passive = append(o.passive, sparePeer)
	o.mu.Unlock()

	detector.MarkDead(dyingPeer)

	if containsPeer(o.ActiveView(), dyingPeer) {
		t.Fatalf("dead peer should have been removed from active view, got %v", o.ActiveView())
	}
	if !containsPeer(o.ActiveView(), sparePeer) {
		t.Fatalf("spare passive peer should have been promoted synchronously, active = %v", o.ActiveView())
	}
}

// TestOverlay_ShuffleMergesPassiveViews exercises spec.md §4.2's periodic
// SHUFFLE/SHUFFLE_REPLY exchange: two peers that each know of a third,
// unrelated peer should end up with that peer in the other's passive view
// after one shuffle round.
func TestOverlay_ShuffleMergesPassiveViews(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID, bID := gossipcore.PeerId{0x01}, gossipcore.PeerId{0x02}
	knownOnlyByA := gossipcore.PeerId{0x03}
	knownOnlyByB := gossipcore.PeerId{0x04}
	aTr := net.Register(aID)
	bTr := net.Register(bID)
	net.Register(knownOnlyByA)
	net.Register(knownOnlyByB)

	cfg := testConfig()
	cfg.ShufflePeriod = time.Hour // drive doShuffle explicitly, not on a tick
	a := New(aID, cfg, aTr, gossiptransport.SystemClock{}, nil)
	b := New(bID, cfg, bTr, gossiptransport.SystemClock{}, nil)

	a.AddActive(bID)
	b.AddActive(aID)
	a.mu.Lock()
	a.passive = append(a.passive, knownOnlyByA)
	a.mu.Unlock()
	b.mu.Lock()
	b.passive = append(b.passive, knownOnlyByB)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go pump(ctx, aTr, a)
	go pump(ctx, bTr, b)

	a.doShuffle(ctx)
	time.Sleep(100 * time.Millisecond)

	if !containsPeer(b.PassiveView(), knownOnlyByA) {
		t.Fatalf("b's passive view should have learned about %v via shuffle, got %v", knownOnlyByA, b.PassiveView())
	}
	if !containsPeer(a.PassiveView(), knownOnlyByB) {
		t.Fatalf("a's passive view should have learned about %v via shuffle reply, got %v", knownOnlyByB, a.PassiveView())
	}
}
