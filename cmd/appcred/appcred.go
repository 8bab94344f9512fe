package appcred

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stephnangue/latch/api"
	"github.com/stephnangue/latch/cmd/helpers"
)

var (
	flagUser string

	AppCredCmd = &cobra.Command{
		Use:     "appcred",
		Aliases: []string{"application-credential"},
		Short:   "Manage application credentials",
		Long: `
Usage: latch appcred <subcommand> [options]

  Creates, lists, reads and deletes application credentials. Every
  subcommand acts on the user the current token belongs to unless --user
  names another.

      $ latch appcred create ci --expires-at=2027-01-01T00:00:00Z
      $ latch appcred list
      $ latch appcred read <id>
      $ latch appcred delete <id>
`,
	}
)

func init() {
	AppCredCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "The owning user id (defaults to the token's principal)")

	AppCredCmd.AddCommand(CreateCmd)
	AppCredCmd.AddCommand(ListCmd)
	AppCredCmd.AddCommand(ReadCmd)
	AppCredCmd.AddCommand(DeleteCmd)
}

// credentials returns the credential API for --user, or for the token's
// own principal.
func credentials(ctx context.Context) (*api.AppCredentials, error) {
	c, err := helpers.Client()
	if err != nil {
		return nil, err
	}
	if c.Token() == "" {
		return nil, fmt.Errorf("no token: run \"latch login\" and export %s", api.EnvLatchToken)
	}

	user := flagUser
	if user == "" {
		info, err := c.LookupSelf(ctx)
		if err != nil {
			return nil, fmt.Errorf("error looking up token: %w", err)
		}
		user = info.PrincipalID
	}
	return c.AppCredentials(user), nil
}

func credentialTable(cred *api.ApplicationCredential) map[string]any {
	roles := make([]string, 0, len(cred.Roles))
	for _, r := range cred.Roles {
		roles = append(roles, r.Name)
	}
	expires := "never"
	if cred.ExpiresAt != nil {
		expires = cred.ExpiresAt.UTC().Format(time.RFC3339)
	}

	out := map[string]any{
		"id":           cred.ID,
		"name":         cred.Name,
		"description":  cred.Description,
		"user_id":      cred.UserID,
		"project_id":   cred.ProjectID,
		"roles":        strings.Join(roles, ", "),
		"expires_at":   expires,
		"unrestricted": cred.Unrestricted,
	}
	if len(cred.AccessRules) > 0 {
		rules := make([]string, 0, len(cred.AccessRules))
		for _, r := range cred.AccessRules {
			rules = append(rules, fmt.Sprintf("%s %s %s", r.Method, r.Service, r.Path))
		}
		out["access_rules"] = strings.Join(rules, "; ")
	}
	if cred.Secret != "" {
		out["secret"] = cred.Secret
	}
	return out
}
