package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"evalgo.org/sessionagent/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage authentication tokens",
	Long:  `Generate tokens for the management API`,
}

var generateOperatorTokenCmd = &cobra.Command{
	Use:   "operator",
	Short: "Generate a management API token",
	Long: `Generate a JWT token for the management API.

The token is signed with security.jwt_secret from the configuration file.
Operators may list and delete session hosts, viewers may only list them.

Examples:
  # Operator token with the configured lifetime
  sessionagent token operator --name alice

  # Read-only token valid for one week
  sessionagent token operator --name dashboard --role viewer --expiration 168h

  # Use custom secret (overrides config)
  sessionagent token operator --name ci --secret "my-custom-secret"`,
	Args: cobra.NoArgs,
	RunE: runGenerateOperatorToken,
}

var (
	tokenName       string
	tokenRole       string
	tokenExpiration time.Duration
	tokenSecret     string
)

func init() {
	generateOperatorTokenCmd.Flags().StringVar(&tokenName, "name", "operator", "name recorded in the token")
	generateOperatorTokenCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleOperator), "role (operator, viewer)")
	generateOperatorTokenCmd.Flags().DurationVar(&tokenExpiration, "expiration", 0, "token lifetime (default: security.jwt_expiration)")
	generateOperatorTokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (default: from config file)")

	tokenCmd.AddCommand(generateOperatorTokenCmd)
}

func runGenerateOperatorToken(cmd *cobra.Command, args []string) error {
	role, err := auth.ParseRole(tokenRole)
	if err != nil {
		return err
	}

	tokenCfg := *cfg
	if tokenSecret != "" {
		tokenCfg.Security.JWTSecret = tokenSecret
	}
	if tokenCfg.Security.JWTSecret == "" {
		return fmt.Errorf(`jwt_secret not found in config file and --secret not provided

Please either:
  1. Add to your config.yaml:
     security:
       jwt_secret: your-secret-here

  2. Or set SA_SECURITY_JWT_SECRET

  3. Or use the --secret flag`)
	}

	expiration := tokenExpiration
	if expiration <= 0 {
		expiration = tokenCfg.Security.JWTExpiration
	}

	token, err := auth.NewJWTService(&tokenCfg).GenerateToken(tokenName, role, expiration)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Token Generated Successfully\n")
	fmt.Fprintf(out, "============================\n\n")
	fmt.Fprintf(out, "Name:       %s\n", tokenName)
	fmt.Fprintf(out, "Role:       %s\n", role)
	fmt.Fprintf(out, "Expiration: %s\n", expiration)
	fmt.Fprintf(out, "\nToken:\n%s\n\n", token)
	fmt.Fprintf(out, "Send it as: Authorization: Bearer <token>\n")

	return nil
}
