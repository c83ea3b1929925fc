package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockberries/blockchat/config"
	"github.com/blockberries/blockchat/node"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node",
	Long: `Start the BlockChat node with the specified configuration.

Relative paths in the config file are resolved against the file's directory.
The node will run until interrupted (Ctrl+C) or receives a termination signal.

Example:
  blockchat-node start --config node0/config.toml`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ResolvePaths(filepath.Dir(cfgFile))
	if err := cfg.EnsureDataDirs(); err != nil {
		return err
	}

	n, err := node.NewNode(cfg, node.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	if err := n.Start(); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s started, API on %s\n", cfg.Node.Name, n.APIAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(cmd.OutOrStdout(), "Received %s, shutting down\n", sig)

	if err := n.Stop(); err != nil {
		return fmt.Errorf("stopping node: %w", err)
	}
	return nil
}
