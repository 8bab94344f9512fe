package token

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stephnangue/latch/cmd/helpers"
)

var (
	TokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Inspect or revoke the current token",
	}

	lookupCmd = &cobra.Command{
		Use:          "lookup",
		Short:        "Describe the current token",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runLookup,
	}

	revokeCmd = &cobra.Command{
		Use:          "revoke",
		Short:        "Revoke the current token",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runRevoke,
	}
)

func init() {
	TokenCmd.AddCommand(lookupCmd)
	TokenCmd.AddCommand(revokeCmd)
}

func runLookup(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}

	info, err := c.LookupSelf(cmd.Context())
	if err != nil {
		return fmt.Errorf("error looking up token: %w", err)
	}

	out := map[string]any{
		"accessor":     info.Accessor,
		"principal_id": info.PrincipalID,
		"project_id":   info.ProjectID,
		"roles":        strings.Join(info.Roles, ", "),
		"methods":      strings.Join(info.Methods, ", "),
		"issue_time":   info.IssueTime,
		"expire_time":  info.ExpireTime,
		"ttl":          info.TTL,
	}
	if ac := info.ApplicationCredential; ac != nil {
		out["application_credential"] = ac.ID
		out["unrestricted"] = ac.Unrestricted
	}
	helpers.PrintMapAsTable(cmd.OutOrStdout(), out)
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	c, err := helpers.Client()
	if err != nil {
		return err
	}
	if err := c.RevokeSelf(cmd.Context()); err != nil {
		return fmt.Errorf("error revoking token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Success! Revoked token")
	return nil
}
