package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"llm_wallet/internal/auth"
)

var tokenFlags struct {
	secret string
	roles  string
	ttl    time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a service token for the internal API",
	Long: `Mint an HS256 service token signed with AUTH_TOKEN_SECRET.

Roles:
  service  - meter calls and credit payments
  viewer   - read wallets, usage and quotas
  operator - everything, including allowance resets and anomaly triage`,
	Args: cobra.ExactArgs(1),
	RunE: mintToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenFlags.secret, "secret", os.Getenv("AUTH_TOKEN_SECRET"), "signing secret")
	tokenCmd.Flags().StringVar(&tokenFlags.roles, "roles", string(auth.RoleService), "comma-separated roles to grant")
	tokenCmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")
}

func mintToken(cmd *cobra.Command, args []string) error {
	var roles []auth.Role
	for _, r := range strings.Split(tokenFlags.roles, ",") {
		role := auth.Role(strings.TrimSpace(r))
		if !role.IsValid() {
			return fmt.Errorf("unknown role %q", r)
		}
		roles = append(roles, role)
	}

	token, expiresAt, err := auth.GenerateToken([]byte(tokenFlags.secret), args[0], roles, tokenFlags.ttl)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "Expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
