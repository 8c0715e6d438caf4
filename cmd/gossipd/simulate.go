package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dirvine/saorsa-gossip/internal/config"
	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
	"github.com/dirvine/saorsa-gossip/internal/node"
	"github.com/dirvine/saorsa-gossip/internal/plumtree"
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().Int("nodes", 8, "number of in-process nodes to run")
	simulateCmd.Flags().String("topic", "simulate", "topic name to publish on")
	simulateCmd.Flags().Int("messages", 10, "number of messages to publish from node 0")
	simulateCmd.Flags().Float64("drop", 0, "probability [0,1] that a send is dropped")
	simulateCmd.Flags().Duration("latency", 0, "upper bound of the random extra latency applied to each send")
	simulateCmd.Flags().Duration("duration", 5*time.Second, "how long to let the mesh converge and deliver before reporting")
}

// simulateCmd stands up a mesh of in-process nodes over one
// gossiptransport.MemoryNetwork, grounded on
// original_source/examples/simulator_demo.rs's NetworkSimulator: nodes
// join a chain topology, chaos parameters mirror LinkConfig's
// latency_ms/packet_loss_rate, and a run ends with a delivery report
// mirroring get_stats().
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a local multi-node gossip simulation",
	Long: `simulate runs N nodes in a single process over an in-memory
transport, chain-joins them into one overlay, publishes a burst of
messages from node 0, and reports how many nodes received each one.`,
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	numNodes, _ := cmd.Flags().GetInt("nodes")
	topicName, _ := cmd.Flags().GetString("topic")
	numMessages, _ := cmd.Flags().GetInt("messages")
	drop, _ := cmd.Flags().GetFloat64("drop")
	latency, _ := cmd.Flags().GetDuration("latency")
	duration, _ := cmd.Flags().GetDuration("duration")

	if numNodes < 2 {
		return fmt.Errorf("--nodes must be at least 2")
	}

	net := gossiptransport.NewMemoryNetwork()
	if drop > 0 || latency > 0 {
		net.SetChaos(gossiptransport.ChaosConfig{
			DropProbability: drop,
			MaxLatency:      latency,
		})
	}

	clock := gossiptransport.SystemClock{}
	cfg := config.DefaultConfig()
	topic := gossipcore.TopicIdFromName(topicName)

	nodes := make([]*node.Node, numNodes)
	ids := make([]gossipcore.PeerId, numNodes)
	labels := make([]string, numNodes)
	deliveries := make([]<-chan plumtree.Delivery, numNodes)

	// One key store shared by every node, so each can verify the others.
	pubKeys := make(map[gossipcore.PeerId][]byte, numNodes)
	keys := gossiptransport.NewStaticKeyStore(pubKeys)

	for i := 0; i < numNodes; i++ {
		signer, pub, err := gossiptransport.NewEd25519Signer()
		if err != nil {
			return fmt.Errorf("node %d: generate identity: %w", i, err)
		}
		self := gossipcore.PeerIdFromPublicKey(pub)
		pubKeys[self] = pub
		transport := net.Register(self)

		n, err := node.New(self, cfg, transport, clock, signer, gossiptransport.Ed25519Verifier{}, keys)
		if err != nil {
			return fmt.Errorf("node %d: build: %w", i, err)
		}
		ids[i] = self
		nodes[i] = n
		labels[i] = uuid.NewString()[:8]
		log.Printf("[simulate] node %d = %s (peer_id %s)", i, labels[i], self)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	for _, n := range nodes {
		go n.Run(ctx)
	}

	for i := 1; i < numNodes; i++ {
		ch, unsub := nodes[i].Subscribe(topic)
		defer unsub()
		deliveries[i] = ch
	}

	time.Sleep(100 * time.Millisecond)
	for i := 1; i < numNodes; i++ {
		if err := nodes[i].Join(ctx, ids[i-1]); err != nil {
			log.Printf("[simulate] node %s join: %v", labels[i], err)
		}
	}
	time.Sleep(500 * time.Millisecond)

	published := make([]gossipcore.MessageId, 0, numMessages)
	for i := 0; i < numMessages; i++ {
		payload := []byte(fmt.Sprintf("msg-%d", i))
		id, err := nodes[0].Publish(ctx, topic, payload)
		if err != nil {
			log.Printf("[simulate] publish %d: %v", i, err)
			continue
		}
		published = append(published, id)
	}

	received := make(map[gossipcore.MessageId]int, len(published))
	deadline := time.After(duration)
collect:
	for {
		select {
		case <-deadline:
			break collect
		case <-ctx.Done():
			break collect
		default:
		}
		progressed := false
		for i := 1; i < numNodes; i++ {
			select {
			case d := <-deliveries[i]:
				received[d.MsgId]++
				progressed = true
			default:
			}
		}
		if !progressed {
			time.Sleep(20 * time.Millisecond)
		}
	}

	fmt.Printf("published %d messages across %d nodes\n", len(published), numNodes)
	for _, id := range published {
		fmt.Printf("  %s: delivered to %d/%d subscribers\n", id, received[id], numNodes-1)
	}
	return nil
}
