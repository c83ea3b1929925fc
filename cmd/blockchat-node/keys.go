package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockberries/blockchat/types"
)

var keysBits int

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage node keys",
	Long:  `Commands for managing node signing keys.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate <output-file>",
	Short: "Generate a new node key",
	Long: `Generate a new RSA key in PEM form.

Example:
  blockchat-node keys generate node_key.pem`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysGenerate,
}

var keysShowCmd = &cobra.Command{
	Use:   "show <key-file>",
	Short: "Show the public key of a key file",
	Long: `Display the hex public key to list under [network.peers].

Example:
  blockchat-node keys show data/node_key.pem`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysShow,
}

func init() {
	keysGenerateCmd.Flags().IntVar(&keysBits, "bits", types.DefaultKeyBits, "RSA key size")
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysShowCmd)
	rootCmd.AddCommand(keysCmd)
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	outputPath := args[0]
	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("%s already exists", outputPath)
	}

	key, err := types.GenerateKey(keysBits)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	if err := os.WriteFile(outputPath, key.MarshalPEM(), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}

	fmt.Printf("Generated key: %s\n", outputPath)
	fmt.Printf("Public key:    %s\n", types.PublicKeyString(key.PublicKey()))
	return nil
}

func runKeysShow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}
	key, err := types.ParsePrivateKeyPEM(data)
	if err != nil {
		return fmt.Errorf("parsing key file: %w", err)
	}

	pk := key.PublicKey()
	fmt.Printf("Public key: %s\n", types.PublicKeyString(pk))
	fmt.Printf("Short:      %s\n", pk.Short())
	return nil
}
