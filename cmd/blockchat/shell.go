package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Run commands interactively",
	Long: `Read commands from standard input, one per line, until "exit" or EOF.

Example:
  blockchat shell --node 127.0.0.1:8081
  blockchat> t node2 50
  blockchat> m node2 see you at the block party
  blockchat> balance`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

func runShell(cmd *cobra.Command, args []string) error {
	in := bufio.NewScanner(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	for {
		fmt.Fprint(out, "blockchat> ")
		if !in.Scan() {
			fmt.Fprintln(out)
			return in.Err()
		}
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "shell":
			fmt.Fprintln(out, "already in a shell")
			continue
		}

		rootCmd.SetArgs(fields)
		if err := rootCmd.ExecuteContext(cmd.Context()); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		}
	}
}
