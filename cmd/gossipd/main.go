// Command gossipd runs a Saorsa Gossip node, grounded on
// _examples/NikeGunn-tutu/internal/cli's cobra shape: a package-level
// rootCmd, one file per subcommand registering itself in init().
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gossipd",
	Short: "Saorsa Gossip network node",
	Long: `gossipd runs a gossip overlay participant: SWIM failure detection,
HyParView partial-view membership, and Plumtree epidemic dissemination
over topics.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
