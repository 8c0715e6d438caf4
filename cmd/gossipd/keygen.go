package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
	"github.com/dirvine/saorsa-gossip/internal/gossiptransport"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a fresh node identity",
	Long: `keygen generates an ed25519 keypair, the stand-in for the
out-of-scope ML-DSA post-quantum identity crate, and prints the derived
PeerId alongside the raw key material.`,
	RunE: runKeygen,
}

func runKeygen(_ *cobra.Command, _ []string) error {
	signer, pub, err := gossiptransport.NewEd25519Signer()
	if err != nil {
		return err
	}
	self := gossipcore.PeerIdFromPublicKey(pub)
	fmt.Printf("peer_id:     %s\n", self)
	fmt.Printf("public_key:  %s\n", hex.EncodeToString(pub))
	fmt.Printf("private_key: %s\n", hex.EncodeToString(signer.Private))
	return nil
}
