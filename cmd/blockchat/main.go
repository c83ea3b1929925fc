package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockberries/blockchat/api"
)

var (
	nodeAddr string
	timeout  time.Duration
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:   "blockchat",
	Short: "BlockChat client",
	Long: `Client for a BlockChat node's HTTP API.

Recipients are peer names or hex public keys.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var transferCmd = &cobra.Command{
	Use:     "t <recipient> <amount>",
	Aliases: []string{"transfer"},
	Short:   "Send coins to a peer",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		resp, err := client().SendCoins(cmd.Context(), args[0], amount)
		if err != nil {
			return err
		}
		return printTx(cmd, resp)
	},
}

var messageCmd = &cobra.Command{
	Use:     "m <recipient> <message>",
	Aliases: []string{"message"},
	Short:   "Send a message to a peer",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		resp, err := client().SendMessage(cmd.Context(), args[0], text)
		if err != nil {
			return err
		}
		return printTx(cmd, resp)
	},
}

var stakeCmd = &cobra.Command{
	Use:   "stake <amount>",
	Short: "Move coins from balance into stake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[0])
		if err != nil {
			return err
		}
		resp, err := client().Stake(cmd.Context(), amount)
		if err != nil {
			return err
		}
		return printTx(cmd, resp)
	},
}

var viewCmd = &cobra.Command{
	Use:   "view [hash]",
	Short: "Show a block, the latest one by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var hash string
		if len(args) == 1 {
			hash = args[0]
		}
		block, err := client().Block(cmd.Context(), hash)
		if err != nil {
			return err
		}
		return printJSON(cmd, block)
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [peer]",
	Short: "Show the balance and stake of this node or another peer",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		}
		resp, err := client().Balance(cmd.Context(), key)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Balance: %d\nStake:   %d\n", resp.Balance, resp.Stake)
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the node's identity, capacity and round progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client().Info(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd, resp)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Name:       %s\n", resp.Name)
		fmt.Fprintf(out, "Public key: %s\n", resp.PublicKey)
		fmt.Fprintf(out, "Capacity:   %d\n", resp.Capacity)
		fmt.Fprintf(out, "Height:     %d\n", resp.Height)
		fmt.Fprintf(out, "Accounts:   %d\n", resp.Accounts)
		fmt.Fprintf(out, "Mempool:    %d\n", resp.Mempool)
		if resp.Step != "" {
			fmt.Fprintf(out, "Step:       %s (leader %s)\n", resp.Step, resp.Leader)
		}
		if resp.Sync != nil {
			fmt.Fprintf(out, "Sync:       %s, target %d\n", resp.Sync.State, resp.Sync.TargetHeight)
		}
		if resp.Evidence > 0 {
			fmt.Fprintf(out, "Evidence:   %d\n", resp.Evidence)
		}
		return nil
	},
}

var mempoolCmd = &cobra.Command{
	Use:   "mempool",
	Short: "List transactions waiting for a block",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		txs, err := client().Mempool(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd, txs)
		}
		if len(txs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Mempool is empty")
		}
		for _, tx := range txs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %-7s nonce %d from %.16s\n", tx.Hash, tx.Type, tx.Nonce, tx.Sender)
		}
		return nil
	},
}

var evidenceCmd = &cobra.Command{
	Use:   "evidence [peer]",
	Short: "List peers caught signing two blocks on one parent",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var validator string
		if len(args) == 1 {
			validator = args[0]
		}
		list, err := client().Evidence(cmd.Context(), validator)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No evidence")
		}
		for _, ev := range list {
			who := ev.Name
			if who == "" {
				who = ev.Validator
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s signed %s and %s\n", ev.Height, who, ev.BlockA, ev.BlockB)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List messages sent to this node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs, err := client().Messages(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages")
		}
		for _, m := range msgs {
			fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s: %s\n", m.Height, m.From.Short(), m.Text)
		}
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the configured peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		peers, err := client().Peers(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(cmd, peers)
		}
		for _, p := range peers {
			state := "down"
			switch {
			case p.Connected && p.Behind:
				state = "behind"
			case p.Connected:
				state = "up"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-22s %-6s height %d\n", p.Name, p.Address, state, p.Height)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&nodeAddr, "node", "n", "127.0.0.1:8080", "node API address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(transferCmd, messageCmd, stakeCmd, viewCmd, balanceCmd,
		infoCmd, messagesCmd, peersCmd, mempoolCmd, evidenceCmd, shellCmd)
}

func client() *api.Client {
	return api.NewClient(nodeAddr, timeout)
}

func parseAmount(s string) (uint64, error) {
	amount, err := strconv.ParseUint(s, 10, 64)
	if err != nil || amount == 0 {
		return 0, fmt.Errorf("amount must be a positive integer, got %q", s)
	}
	return amount, nil
}

func printTx(cmd *cobra.Command, resp *api.TransactionResponse) error {
	if jsonOut {
		return printJSON(cmd, resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s (nonce %d)\n", resp.Hash, resp.Nonce)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
