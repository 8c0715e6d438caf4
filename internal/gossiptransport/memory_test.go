package gossiptransport

import (
	"context"
	"testing"
	"time"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
)

func TestMemoryTransport_SendAndReceive(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Register(gossipcore.PeerId{0x01})
	b := net.Register(gossipcore.PeerId{0x02})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.SendToPeer(ctx, gossipcore.PeerId{0x02}, gossipcore.StreamPubSub, []byte("hi")); err != nil {
		t.Fatalf("SendToPeer: %v", err)
	}

	in, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(in.Bytes) != "hi" {
		t.Errorf("Bytes = %q, want %q", in.Bytes, "hi")
	}
	if in.Peer != (gossipcore.PeerId{0x01}) {
		t.Errorf("Peer = %v, want sender", in.Peer)
	}
	if in.StreamKind != gossipcore.StreamPubSub {
		t.Errorf("StreamKind = %v, want PubSub", in.StreamKind)
	}
}

func TestMemoryTransport_SendToUnknownPeerFails(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Register(gossipcore.PeerId{0x01})

	ctx := context.Background()
	err := a.SendToPeer(ctx, gossipcore.PeerId{0xFF}, gossipcore.StreamMembership, []byte("x"))
	if err == nil {
		t.Fatal("expected an error sending to an unregistered peer")
	}
}

func TestMemoryTransport_CloseUnblocksReceive(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Register(gossipcore.PeerId{0x01})

	done := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		if err != ErrTransportClosed {
			t.Errorf("err = %v, want ErrTransportClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}

func TestMemoryTransport_ChaosDropsAllMessages(t *testing.T) {
	net := NewMemoryNetwork()
	a := net.Register(gossipcore.PeerId{0x01})
	b := net.Register(gossipcore.PeerId{0x02})
	net.SetChaos(ChaosConfig{DropProbability: 1.0})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := a.SendToPeer(context.Background(), gossipcore.PeerId{0x02}, gossipcore.StreamPubSub, []byte("x")); err != nil {
		t.Fatalf("SendToPeer: %v", err)
	}

	_, err := b.Receive(ctx)
	if err == nil {
		t.Fatal("expected no delivery when DropProbability is 1.0")
	}
}

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	signer, pub, err := NewEd25519Signer()
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}

	msg := []byte("sign me")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var v Ed25519Verifier
	if !v.Verify(pub, msg, sig) {
		t.Error("valid signature failed to verify")
	}
	if v.Verify(pub, []byte("tampered"), sig) {
		t.Error("tampered message should not verify")
	}
}
