package appcred

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stephnangue/latch/api"
	"github.com/stephnangue/latch/cmd/helpers"
)

var (
	flagDescription  string
	flagSecret       string
	flagRoles        []string
	flagExpiresAt    string
	flagUnrestricted bool
	flagAccessRules  []string

	CreateCmd = &cobra.Command{
		Use:   "create NAME",
		Short: "Create an application credential",
		Long: `
Usage: latch appcred create NAME [options]

  Creates an application credential scoped to the token's project. The
  secret is printed once and cannot be read back.

  Roles default to those of the current token. Access rules take the form
  METHOD:SERVICE:PATH.

      $ latch appcred create ci --role=member --expires-at=2027-01-01T00:00:00Z
      $ latch appcred create ci --access-rule=GET:compute:/v2.1/servers
`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runCreate,
	}
)

func init() {
	CreateCmd.Flags().StringVarP(&flagDescription, "description", "d", "", "A free-form description")
	CreateCmd.Flags().StringVar(&flagSecret, "secret", "", "Use this secret instead of a generated one")
	CreateCmd.Flags().StringSliceVarP(&flagRoles, "role", "r", nil, "Role name or id to delegate (repeatable)")
	CreateCmd.Flags().StringVar(&flagExpiresAt, "expires-at", "", "Expiry as an RFC 3339 timestamp")
	CreateCmd.Flags().BoolVar(&flagUnrestricted, "unrestricted", false, "Allow the credential's tokens to manage credentials")
	CreateCmd.Flags().StringSliceVar(&flagAccessRules, "access-rule", nil, "Access rule METHOD:SERVICE:PATH (repeatable)")
}

func runCreate(cmd *cobra.Command, args []string) error {
	in := &api.CreateAppCredentialInput{
		Name:         args[0],
		Description:  flagDescription,
		Secret:       flagSecret,
		Unrestricted: flagUnrestricted,
	}

	for _, r := range flagRoles {
		in.Roles = append(in.Roles, api.Role{Name: r})
	}

	if flagExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, flagExpiresAt)
		if err != nil {
			return fmt.Errorf("invalid --expires-at: %w", err)
		}
		in.ExpiresAt = &t
	}

	for _, raw := range flagAccessRules {
		rule, err := parseAccessRule(raw)
		if err != nil {
			return err
		}
		in.AccessRules = append(in.AccessRules, rule)
	}

	creds, err := credentials(cmd.Context())
	if err != nil {
		return err
	}

	cred, err := creds.Create(cmd.Context(), in)
	if err != nil {
		return fmt.Errorf("error creating application credential: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Success! Store the secret now, it is not shown again.\n\n")
	helpers.PrintMapAsTable(cmd.OutOrStdout(), credentialTable(cred))
	return nil
}

func parseAccessRule(raw string) (api.AccessRule, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return api.AccessRule{}, fmt.Errorf("invalid --access-rule %q, expected METHOD:SERVICE:PATH", raw)
	}
	return api.AccessRule{Method: parts[0], Service: parts[1], Path: parts[2]}, nil
}
