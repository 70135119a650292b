package commands

import (
	goflag "flag"
	"fmt"
	"os"

	log "github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/p2pkit/dht"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "dhtnode",
	Short: "Run a Kademlia-style key/value DHT node",
	Long: `dhtnode runs a single node of a peer-to-peer distributed hash table.
The node stores and retrieves string key/value pairs cooperatively with
its peers, serving the DHT wire protocol over TCP while an interactive
prompt drives local put and lookup operations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

// Execute runs the CLI. Startup failures (missing config file, invalid
// JSON, bad schema) exit with status 1; a clean .quit exits 0.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dhtnode:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "config.json", "config file to use")
	// Graft glog's flags (-v, -logtostderr, ...) onto the command.
	rootCmd.Flags().AddGoFlagSet(goflag.CommandLine)
}

func run(cmd *cobra.Command, args []string) error {
	// glog expects the standard flag set to be parsed; cobra parsed the
	// grafted flags already.
	goflag.CommandLine.Parse(nil)
	defer log.Flush()

	cfg, err := dht.LoadConfig(configFile)
	if err != nil {
		return err
	}
	node, err := dht.New(cfg)
	if err != nil {
		return err
	}
	node.Run()
	defer node.Stop()

	repl(node)
	return nil
}
