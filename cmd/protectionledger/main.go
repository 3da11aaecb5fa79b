package main

import (
	"fmt"
	"os"

	"ProtectionLedger/internal/config"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "protectionledger",
	Short: "Protection pool ledger",
	Long: `protectionledger runs the credit protection pool ledger: a single-writer
core that sequences pool commands, journals every capital movement and serves
the resulting state over gRPC and HTTP.

Configuration comes from PROTECTION_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var validatePoolsCmd = &cobra.Command{
	Use:   "validate-pools <file>",
	Short: "Check a pools bootstrap file and print the commands it renders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := config.LoadPoolsFile(args[0])
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cmds, err := f.Commands(cfg.Owner)
		if err != nil {
			return err
		}
		for _, c := range cmds {
			fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", c.EventType(), c.IdempotencyKey())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d loans, %d pools\n", len(f.Loans), len(f.Pools))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, validatePoolsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
