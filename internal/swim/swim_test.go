package swim

import (
	"context"
	"testing"
	"time"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
)

func testConfig() Config {
	return Config{
		ProbePeriod:    20 * time.Millisecond,
		AckTimeout:     40 * time.Millisecond,
		SuspectTimeout: 60 * time.Millisecond,
		IndirectProbes: 0,
		MaxPeers:       1024,
	}
}

// pump relays frames delivered to t's transport into the detector's
// HandleFrame until ctx is cancelled.
func pump(ctx context.Context, t *gossiptransport.MemoryTransport, d *Detector) {
	for {
		in, err := t.Receive(ctx)
		if err != nil {
			return
		}
		header, payload, _, err := gossipcore.DecodeFrame(in.Bytes)
		if err != nil {
			continue
		}
		d.HandleFrame(ctx, in.Peer, header, payload)
	}
}

func TestDetector_MarkAliveSuspectDeadTransitions(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	tr := net.Register(gossipcore.PeerId{0x01})
	d := New(gossipcore.PeerId{0x01}, testConfig(), tr, gossiptransport.SystemClock{})

	peer := gossipcore.PeerId{0x02}
	if got := d.GetState(peer); got != gossipcore.StateUnknown {
		t.Fatalf("GetState before any observation = %v, want Unknown", got)
	}

	d.MarkAlive(peer)
	if got := d.GetState(peer); got != gossipcore.StateAlive {
		t.Fatalf("GetState after MarkAlive = %v, want Alive", got)
	}

	d.MarkSuspect(peer)
	if got := d.GetState(peer); got != gossipcore.StateSuspect {
		t.Fatalf("GetState after MarkSuspect = %v, want Suspect", got)
	}

	// A fresh MarkAlive refutes the suspicion.
	d.MarkAlive(peer)
	if got := d.GetState(peer); got != gossipcore.StateAlive {
		t.Fatalf("GetState after refuting MarkAlive = %v, want Alive", got)
	}

	d.MarkDead(peer)
	if got := d.GetState(peer); got != gossipcore.StateDead {
		t.Fatalf("GetState after MarkDead = %v, want Dead", got)
	}
}

func TestDetector_MarkSuspectIgnoredUnlessAlive(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	tr := net.Register(gossipcore.PeerId{0x01})
	d := New(gossipcore.PeerId{0x01}, testConfig(), tr, gossiptransport.SystemClock{})

	peer := gossipcore.PeerId{0x02}
	d.MarkDead(peer)
	d.MarkSuspect(peer)
	if got := d.GetState(peer); got != gossipcore.StateDead {
		t.Fatalf("MarkSuspect must not override Dead; got %v", got)
	}
}

func TestDetector_PeersInState(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	tr := net.Register(gossipcore.PeerId{0x01})
	d := New(gossipcore.PeerId{0x01}, testConfig(), tr, gossiptransport.SystemClock{})

	a, b, c := gossipcore.PeerId{0x02}, gossipcore.PeerId{0x03}, gossipcore.PeerId{0x04}
	d.MarkAlive(a)
	d.MarkAlive(b)
	d.MarkDead(c)

	alive := d.PeersInState(gossipcore.StateAlive)
	if len(alive) != 2 {
		t.Fatalf("len(PeersInState(Alive)) = %d, want 2", len(alive))
	}
	dead := d.PeersInState(gossipcore.StateDead)
	if len(dead) != 1 || dead[0] != c {
		t.Fatalf("PeersInState(Dead) = %v, want [%v]", dead, c)
	}
}

// TestDetector_ProbeAckKeepsPeerAlive runs two real detectors wired over a
// MemoryNetwork and checks that a responsive peer is never suspected.
func TestDetector_ProbeAckKeepsPeerAlive(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID, bID := gossipcore.PeerId{0x01}, gossipcore.PeerId{0x02}
	aTr := net.Register(aID)
	bTr := net.Register(bID)

	cfg := testConfig()
	a := New(aID, cfg, aTr, gossiptransport.SystemClock{})
	b := New(bID, cfg, bTr, gossiptransport.SystemClock{})
	a.MarkAlive(bID)
	b.MarkAlive(aID)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go pump(ctx, aTr, a)
	go pump(ctx, bTr, b)
	go a.Run(ctx)
	go b.Run(ctx)

	<-ctx.Done()

	if got := a.GetState(bID); got != gossipcore.StateAlive {
		t.Errorf("a's view of b = %v, want Alive (peer was responsive)", got)
	}
}

// TestDetector_UnresponsivePeerIsMarkedDead checks that a peer which never
// answers PING is marked Suspect and then, once SuspectTimeout has passed
// unrefuted, Dead on a later sweep.
func TestDetector_UnresponsivePeerIsMarkedDead(t *testing.T) {
	net := gossiptransport.NewMemoryNetwork()
	aID, bID := gossipcore.PeerId{0x01}, gossipcore.PeerId{0x02}
	aTr := net.Register(aID)
	net.Register(bID) // registered but nobody pumps its inbox: never ACKs

	cfg := testConfig()
	a := New(aID, cfg, aTr, gossiptransport.SystemClock{})
	a.MarkAlive(bID)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go pump(ctx, aTr, a)
	go a.Run(ctx)

	deadline := time.After(450 * time.Millisecond)
	for {
		if a.GetState(bID) == gossipcore.StateDead {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("b was never marked Dead; last state = %v", a.GetState(bID))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
