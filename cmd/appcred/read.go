package appcred

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stephnangue/latch/cmd/helpers"
)

var ReadCmd = &cobra.Command{
	Use:          "read ID",
	Short:        "Show one application credential",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := credentials(cmd.Context())
		if err != nil {
			return err
		}

		cred, err := creds.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("error reading application credential: %w", err)
		}

		helpers.PrintMapAsTable(cmd.OutOrStdout(), credentialTable(cred))
		return nil
	},
}
