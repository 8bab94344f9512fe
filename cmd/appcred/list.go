package appcred

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stephnangue/latch/cmd/helpers"
)

var (
	flagName string

	ListCmd = &cobra.Command{
		Use:          "list",
		Short:        "List application credentials",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runList,
	}
)

func init() {
	ListCmd.Flags().StringVar(&flagName, "name", "", "Only show the credential with this exact name")
}

func runList(cmd *cobra.Command, args []string) error {
	creds, err := credentials(cmd.Context())
	if err != nil {
		return err
	}

	list, err := creds.List(cmd.Context(), flagName)
	if err != nil {
		return fmt.Errorf("error listing application credentials: %w", err)
	}

	rows := make([][]any, 0, len(list))
	for _, c := range list {
		expires := "never"
		if c.ExpiresAt != nil {
			expires = c.ExpiresAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []any{c.ID, c.Name, c.ProjectID, expires, c.Unrestricted})
	}
	helpers.PrintTable(cmd.OutOrStdout(), []string{"ID", "Name", "Project", "Expires At", "Unrestricted"}, rows)
	return nil
}
