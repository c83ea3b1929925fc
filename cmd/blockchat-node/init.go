package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blockberries/blockchat/config"
	"github.com/blockberries/blockchat/privval"
	"github.com/blockberries/blockchat/types"
)

var (
	initName     string
	initChainID  string
	initHome     string
	initP2PAddr  string
	initAPIAddr  string
	initKeyBits  int
	initOverride bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new node",
	Long: `Initialize a new BlockChat node with a configuration file and an RSA key.

This command creates:
  - config.toml: Node configuration listing this node as the only peer
  - data/node_key.pem: Node signing key
  - data/: Data directory for blocks and the WAL

Add the other peers' names, addresses and public keys to [network.peers]
before starting. Every node must list the same peers.

Example:
  blockchat-node init --name alice --home ./alice`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "node0", "peer name of this node")
	initCmd.Flags().StringVar(&initChainID, "chain-id", "blockchat", "chain ID for the network")
	initCmd.Flags().StringVar(&initHome, "home", ".", "directory for configuration and data")
	initCmd.Flags().StringVar(&initP2PAddr, "p2p-addr", "127.0.0.1:26656", "peer listen address")
	initCmd.Flags().StringVar(&initAPIAddr, "api-addr", "127.0.0.1:8080", "HTTP API listen address")
	initCmd.Flags().IntVar(&initKeyBits, "key-bits", types.DefaultKeyBits, "RSA key size")
	initCmd.Flags().BoolVar(&initOverride, "force", false, "override existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := filepath.Join(initHome, "config.toml")
	if _, err := os.Stat(configPath); err == nil && !initOverride {
		return fmt.Errorf("%s already exists; use --force to override", configPath)
	}

	cfg := config.DefaultConfig()
	cfg.Node.Name = initName
	cfg.Node.ChainID = initChainID
	cfg.Network.ListenAddr = initP2PAddr
	cfg.API.ListenAddr = initAPIAddr
	cfg.Genesis.Bootstrap = initName

	pk, err := writeNodeKey(initHome, cfg, initKeyBits)
	if err != nil {
		return err
	}
	cfg.Network.Peers = []config.PeerConfig{{
		Name:      initName,
		Address:   initP2PAddr,
		PublicKey: types.PublicKeyString(pk),
	}}

	if err := config.WriteConfigFile(configPath, cfg); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Initialized BlockChat node\n")
	fmt.Printf("  Name:        %s\n", initName)
	fmt.Printf("  Chain ID:    %s\n", initChainID)
	fmt.Printf("  Config:      %s\n", configPath)
	fmt.Printf("  Public key:  %s\n", types.PublicKeyString(pk))
	return nil
}

// writeNodeKey generates the signing key under home at the paths named in cfg
// and creates the data directories.
func writeNodeKey(home string, cfg *config.Config, bits int) (types.PublicKey, error) {
	resolved := *cfg
	resolved.ResolvePaths(home)
	if err := resolved.EnsureDataDirs(); err != nil {
		return types.PublicKey{}, err
	}
	pv, err := privval.GenerateFilePV(resolved.Node.PrivateKeyPath, resolved.Node.SignStatePath, bits)
	if err != nil {
		return types.PublicKey{}, fmt.Errorf("generating node key: %w", err)
	}
	return pv.GetPubKey(), nil
}
