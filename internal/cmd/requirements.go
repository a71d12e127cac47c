package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/api"
	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/payment"
)

var requirementsResource string

var requirementsCmd = &cobra.Command{
	Use:   "requirements",
	Short: "Print the payment requirements the gateway would issue",
	Long: `Print the x402 challenge body for a resource using the current
configuration. Useful to check pricing, payee and network before starting.`,
	Args: cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := payment.NewRequirementsProvider(config, logger)
		if err != nil {
			return err
		}
		req, err := provider.GetRequirements(requirementsResource, nil)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(map[string]any{
			"x402Version": payment.X402Version,
			"accepts":     []*payment.PaymentRequirements{req},
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	requirementsCmd.Flags().StringVarP(&requirementsResource, "resource", "r", api.ChatResource, "resource id to price")
	rootCmd.AddCommand(requirementsCmd)
}
