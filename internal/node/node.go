// Package node wires the three core components (spec.md §4's failure
// detector, partial-view overlay, and dissemination engine) into one
// running gossip participant, following the teacher's executor.go shape:
// a Config-driven constructor, a single Run(ctx) that starts every
// background task and blocks until shutdown, and log.Printf("[tag] ...")
// diagnostics rather than a bespoke logging framework.
package node

import (
	"context"
	"log"

	"github.com/dirvine/saorsa-gossip/internal/config"
	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
	"github.com/dirvine/saorsa-gossip/internal/hyparview"
	"github.com/dirvine/saorsa-gossip/internal/metrics"
	"github.com/dirvine/saorsa-gossip/internal/plumtree"
	"github.com/dirvine/saorsa-gossip/internal/swim"
)

// Node owns one failure detector, one overlay, and one dissemination
// engine, all sharing a single Transport, and the inbound demultiplexer
// that routes frames between them (spec.md §5, §6).
type Node struct {
	Self      gossipcore.PeerId
	Transport gossiptransport.Transport

	Detector *swim.Detector
	Overlay  *hyparview.Overlay
	Plumtree *plumtree.Engine
}

// New builds a Node from a resolved on-disk Config. signer/verifier/keys
// may be nil, matching plumtree.Engine's own nil-safe contract: a nil
// signer leaves published messages unsigned, and a nil verifier or keys
// skips EAGER signature verification (identity and key distribution are
// out of scope per spec.md §1).
func New(
	self gossipcore.PeerId,
	cfg config.Config,
	transport gossiptransport.Transport,
	clock gossiptransport.Clock,
	signer gossiptransport.Signer,
	verifier gossiptransport.Verifier,
	keys gossiptransport.KeyStore,
) (*Node, error) {
	swimCfg, err := cfg.ResolveSwim()
	if err != nil {
		return nil, err
	}
	overlayCfg, err := cfg.ResolveOverlay()
	if err != nil {
		return nil, err
	}
	plumtreeCfg, err := cfg.ResolvePlumtree()
	if err != nil {
		return nil, err
	}

	detector := swim.New(self, swimCfg, transport, clock)
	overlay := hyparview.New(self, overlayCfg, transport, clock, detector)
	engine := plumtree.New(self, plumtreeCfg, transport, signer, verifier, clock, keys, overlay)

	return &Node{
		Self:      self,
		Transport: transport,
		Detector:  detector,
		Overlay:   overlay,
		Plumtree:  engine,
	}, nil
}

// Join bootstraps into an existing overlay through contact (spec.md §4.2).
// A fresh network's first node calls Join with its own id, which is a
// no-op.
func (n *Node) Join(ctx context.Context, contact gossipcore.PeerId) error {
	return n.Overlay.Join(ctx, contact)
}

// Publish publishes payload to topic (spec.md §4.3).
func (n *Node) Publish(ctx context.Context, topic gossipcore.TopicId, payload []byte) (gossipcore.MessageId, error) {
	return n.Plumtree.Publish(ctx, topic, payload)
}

// Subscribe returns a delivery channel for topic and a cancel function
// that detaches it (spec.md §5).
func (n *Node) Subscribe(topic gossipcore.TopicId) (<-chan plumtree.Delivery, func()) {
	return n.Plumtree.Subscribe(topic)
}

// Run starts every component's background tasks and the inbound
// demultiplexer. It blocks until ctx is cancelled, at which point all
// started goroutines return (spec.md §5: "process shutdown cancels all
// background tasks").
func (n *Node) Run(ctx context.Context) {
	go n.Detector.Run(ctx)
	go n.Overlay.Run(ctx)
	go n.Plumtree.Run(ctx)
	n.receiveLoop(ctx)
}

// receiveLoop pulls frames off the transport and dispatches each by
// stream kind, and within the membership stream, by message kind, to the
// component that owns that wire vocabulary (spec.md §6).
func (n *Node) receiveLoop(ctx context.Context) {
	for {
		in, err := n.Transport.Receive(ctx)
		if err != nil {
			return
		}
		header, payload, sig, err := gossipcore.DecodeFrame(in.Bytes)
		if err != nil {
			metrics.MalformedFrames.Inc()
			log.Printf("[node] malformed frame from %s: %v", in.Peer, err)
			continue
		}
		n.dispatch(ctx, in.Peer, in.StreamKind, header, payload, sig)
	}
}

func (n *Node) dispatch(ctx context.Context, from gossipcore.PeerId, stream gossipcore.StreamKind, header gossipcore.MessageHeader, payload, sig []byte) {
	switch stream {
	case gossipcore.StreamMembership:
		switch header.Kind {
		case gossipcore.KindPing, gossipcore.KindAck, gossipcore.KindPingReq:
			n.Detector.HandleFrame(ctx, from, header, payload)
		case gossipcore.KindJoin, gossipcore.KindForwardJoin, gossipcore.KindShuffle, gossipcore.KindShuffleReply, gossipcore.KindDisconnect:
			n.Overlay.HandleFrame(ctx, from, header, payload)
		default:
			log.Printf("[node] unexpected membership kind %s from %s", header.Kind, from)
		}
	case gossipcore.StreamPubSub:
		n.Plumtree.HandleFrame(ctx, from, header, payload, sig)
	default:
		log.Printf("[node] unhandled stream %s from %s", stream, from)
	}
}
