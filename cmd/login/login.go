package login

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stephnangue/latch/api"
	"github.com/stephnangue/latch/cmd/helpers"
)

var (
	LoginCmd = &cobra.Command{
		Use:   "login",
		Short: "Authenticate to a latch server and print the issued token",
		Long: `
Usage: latch login [options]

  Authenticates to latch and prints the resulting token. Export it as
  LATCH_TOKEN for later commands.

  Log in with a password, scoped to a project:

      $ latch login --method=password --user=alice --password="$PW" --project=p1

  Log in with an application credential:

      $ latch login --method=application_credential --id=<id> --secret="$SECRET"
      $ latch login --method=application_credential --user=alice --name=ci --secret="$SECRET"
`,
		SilenceUsage: true,
		RunE:         run,
	}

	flagMethod   string
	flagUser     string
	flagPassword string
	flagProject  string
	flagID       string
	flagName     string
	flagSecret   string

	Handlers = map[string]LoginHandler{
		"password":               passwordHandler{},
		"application_credential": appCredHandler{},
	}
)

// LoginHandler is the interface that any auth handlers must implement to enable
// auth via the CLI.
type LoginHandler interface {
	Auth(context.Context, *api.Client) (*api.ResourceAuth, error)
}

func init() {
	LoginCmd.Flags().StringVarP(&flagMethod, "method", "m", "password", "The auth method to use: password or application_credential")
	LoginCmd.Flags().StringVarP(&flagUser, "user", "u", "", "The user id")
	LoginCmd.Flags().StringVar(&flagPassword, "password", "", "The user's password")
	LoginCmd.Flags().StringVarP(&flagProject, "project", "p", "", "The project to scope the token to")
	LoginCmd.Flags().StringVar(&flagID, "id", "", "The application credential id")
	LoginCmd.Flags().StringVar(&flagName, "name", "", "The application credential name, looked up under --user")
	LoginCmd.Flags().StringVar(&flagSecret, "secret", "", "The application credential secret")
}

func run(cmd *cobra.Command, args []string) error {
	authHandler, ok := Handlers[flagMethod]
	if !ok {
		return fmt.Errorf("unknown auth method %q, expected one of: password, application_credential", flagMethod)
	}

	c, err := helpers.Client()
	if err != nil {
		return err
	}

	auth, err := authHandler.Auth(cmd.Context(), c)
	if err != nil {
		return fmt.Errorf("error authenticating: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Success! You are now authenticated.\n\n")
	helpers.PrintMapAsTable(cmd.OutOrStdout(), authTable(auth))
	return nil
}

func authTable(auth *api.ResourceAuth) map[string]any {
	out := map[string]any{
		"token":          auth.ClientToken,
		"token_accessor": auth.Accessor,
		"principal_id":   auth.PrincipalID,
		"project_id":     auth.ProjectID,
		"roles":          strings.Join(auth.Roles, ", "),
		"methods":        strings.Join(auth.Methods, ", "),
		"token_duration": fmt.Sprintf("%ds", auth.LeaseDuration),
	}
	if ac := auth.ApplicationCredential; ac != nil {
		out["application_credential"] = ac.ID
		out["unrestricted"] = ac.Unrestricted
	}
	return out
}

type passwordHandler struct{}

func (passwordHandler) Auth(ctx context.Context, c *api.Client) (*api.ResourceAuth, error) {
	if flagUser == "" || flagPassword == "" {
		return nil, fmt.Errorf("--user and --password are required for the password method")
	}
	return c.Auth().LoginPassword(ctx, &api.PasswordLogin{
		UserID:    flagUser,
		Password:  flagPassword,
		ProjectID: flagProject,
	})
}

type appCredHandler struct{}

func (appCredHandler) Auth(ctx context.Context, c *api.Client) (*api.ResourceAuth, error) {
	if flagSecret == "" {
		return nil, fmt.Errorf("--secret is required for the application_credential method")
	}
	if flagID == "" && (flagName == "" || flagUser == "") {
		return nil, fmt.Errorf("either --id, or --name with --user, is required")
	}
	return c.Auth().LoginAppCredential(ctx, &api.AppCredentialLogin{
		ID:     flagID,
		Name:   flagName,
		UserID: flagUser,
		Secret: flagSecret,
	})
}
