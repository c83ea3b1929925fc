package main

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/blockberries/blockchat/config"
	"github.com/blockberries/blockchat/types"
)

var (
	testnetNodes    int
	testnetOutput   string
	testnetChainID  string
	testnetHost     string
	testnetP2PPort  int
	testnetAPIPort  int
	testnetCapacity int
	testnetBalance  uint64
	testnetKeyBits  int
)

var testnetCmd = &cobra.Command{
	Use:   "testnet",
	Short: "Generate configuration for a local network",
	Long: `Generate one home directory per peer, each with its own key and a
config.toml listing every peer. node0 produces the genesis block.

Example:
  blockchat-node testnet --nodes 5 --output ./testnet
  blockchat-node start --config ./testnet/node0/config.toml`,
	RunE: runTestnet,
}

func init() {
	testnetCmd.Flags().IntVar(&testnetNodes, "nodes", 5, "number of peers")
	testnetCmd.Flags().StringVar(&testnetOutput, "output", "./testnet", "output directory")
	testnetCmd.Flags().StringVar(&testnetChainID, "chain-id", "blockchat-testnet", "chain ID for the network")
	testnetCmd.Flags().StringVar(&testnetHost, "host", "127.0.0.1", "host all peers listen on")
	testnetCmd.Flags().IntVar(&testnetP2PPort, "p2p-port", 26656, "first peer port; node i uses port+i")
	testnetCmd.Flags().IntVar(&testnetAPIPort, "api-port", 8080, "first API port; node i uses port+i")
	testnetCmd.Flags().IntVar(&testnetCapacity, "capacity", 0, "total block capacity; defaults to 2 per peer")
	testnetCmd.Flags().Uint64Var(&testnetBalance, "initial-balance", 1000, "coins minted to each peer at genesis")
	testnetCmd.Flags().IntVar(&testnetKeyBits, "key-bits", types.DefaultKeyBits, "RSA key size")
}

func runTestnet(cmd *cobra.Command, args []string) error {
	if testnetNodes < 1 {
		return fmt.Errorf("--nodes must be at least 1")
	}
	capacity := testnetCapacity
	if capacity <= 0 {
		capacity = 2 * testnetNodes
	}

	cfgs := make([]*config.Config, testnetNodes)
	peers := make([]config.PeerConfig, testnetNodes)
	for i := range cfgs {
		name := fmt.Sprintf("node%d", i)
		home := filepath.Join(testnetOutput, name)

		cfg := config.DefaultConfig()
		cfg.Node.Name = name
		cfg.Node.ChainID = testnetChainID
		cfg.Network.ListenAddr = net.JoinHostPort(testnetHost, strconv.Itoa(testnetP2PPort+i))
		cfg.API.ListenAddr = net.JoinHostPort(testnetHost, strconv.Itoa(testnetAPIPort+i))
		cfg.Consensus.TotalCapacity = capacity
		cfg.Genesis.InitialBalance = testnetBalance
		cfg.Genesis.Bootstrap = "node0"

		pk, err := writeNodeKey(home, cfg, testnetKeyBits)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		peers[i] = config.PeerConfig{
			Name:      name,
			Address:   cfg.Network.ListenAddr,
			PublicKey: types.PublicKeyString(pk),
		}
		cfgs[i] = cfg
	}

	for i, cfg := range cfgs {
		cfg.Network.Peers = peers
		path := filepath.Join(testnetOutput, peers[i].Name, "config.toml")
		if err := config.WriteConfigFile(path, cfg); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Printf("%-8s p2p %-21s api %-21s %s\n", peers[i].Name, peers[i].Address,
			cfg.API.ListenAddr, filepath.Dir(path))
	}
	return nil
}
