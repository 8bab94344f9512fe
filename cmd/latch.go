package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stephnangue/latch/api"
	"github.com/stephnangue/latch/cmd/appcred"
	"github.com/stephnangue/latch/cmd/login"
	"github.com/stephnangue/latch/cmd/server"
	"github.com/stephnangue/latch/cmd/token"
)

var (
	// Global flag for the server address
	flagAddress string

	latchCmd = &cobra.Command{
		Use:   "latch",
		Short: "Latch issues project-scoped tokens and manages application credentials",
		Long: `Latch authenticates users by password or application credential and issues
project-scoped tokens. Users create application credentials that delegate a
subset of their roles to automation, optionally bounded by an expiry and
access rules.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Set the address in the environment if provided via flag
			if flagAddress != "" {
				os.Setenv(api.EnvLatchAddress, flagAddress)
			}
		},
	}
)

// Execute runs the root command until it returns or ctx is cancelled.
func Execute(ctx context.Context) {
	if err := latchCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	latchCmd.PersistentFlags().StringVarP(&flagAddress, "address", "a", "", "Address of the latch server (can also use LATCH_ADDR env var)")

	latchCmd.AddCommand(server.ServerCmd)
	latchCmd.AddCommand(login.LoginCmd)
	latchCmd.AddCommand(appcred.AppCredCmd)
	latchCmd.AddCommand(token.TokenCmd)
}
