package appcred

import (
	"fmt"

	"github.com/spf13/cobra"
)

var DeleteCmd = &cobra.Command{
	Use:          "delete ID",
	Short:        "Delete an application credential",
	Long:         "Deletes an application credential. Tokens already issued from it stay valid until they expire.",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := credentials(cmd.Context())
		if err != nil {
			return err
		}

		if err := creds.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("error deleting application credential: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Success! Deleted application credential %s\n", args[0])
		return nil
	},
}
