package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dirvine/saorsa-gossip/internal/config"
	"github.com/dirvine/saorsa-gossip/internal/debugapi"
	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
	"github.com/dirvine/saorsa-gossip/internal/node"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("config", "c", "", "path to a TOML config file (defaults apply if omitted)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a gossip node",
	Long: `run starts a single gossip node over an in-process transport
registry. Real transport binding (QUIC, NAT traversal) is out of this
core's scope; production deployments wire their own gossiptransport.Transport
and construct an internal/node.Node directly.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")

	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	signer, pub, err := gossiptransport.NewEd25519Signer()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	self := gossipcore.PeerIdFromPublicKey(pub)
	keys := gossiptransport.NewStaticKeyStore(map[gossipcore.PeerId][]byte{self: pub})

	net := gossiptransport.NewMemoryNetwork()
	transport := net.Register(self)

	n, err := node.New(self, cfg, transport, gossiptransport.SystemClock{}, signer, gossiptransport.Ed25519Verifier{}, keys)
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[gossipd] shutting down")
		cancel()
	}()

	if cfg.DebugAPI.Enabled {
		srv := debugapi.NewServer(n.Detector, n.Overlay, n.Plumtree)
		if cfg.Metrics.Enabled {
			srv.EnableMetrics()
		}
		go func() {
			log.Printf("[gossipd] debug API listening on %s", cfg.Node.DebugAddr)
			if err := http.ListenAndServe(cfg.Node.DebugAddr, srv.Handler()); err != nil && err != http.ErrServerClosed {
				log.Printf("[gossipd] debug API error: %v", err)
			}
		}()
	}

	log.Printf("[gossipd] node %s starting (listen=%s)", self, cfg.Node.ListenAddr)
	n.Run(ctx)
	return nil
}
