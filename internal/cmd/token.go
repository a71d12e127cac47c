package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api/middleware"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a bearer token for a user",
	Long: `Issue a JWT signed with the configured jwt_secret. The token is accepted
by every authenticated /api route and by /api/ws?token=...

Example:
  x402-gateway token issue --user alice --ttl 24h`,
	Args: cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := config.GetConfigWithDefault("jwt_secret", "")
		if len(secret) < 16 {
			return fmt.Errorf("jwt_secret must be at least 16 characters")
		}

		token, err := middleware.NewJWTManager(secret, api.TokenIssuer).GenerateToken(tokenUser, "cli", tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "user id carried in the token")
	tokenIssueCmd.MarkFlagRequired("user")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
