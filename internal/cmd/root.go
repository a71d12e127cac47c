package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

var (
	configPath string
	envFile    string
	config     *utils.ConfigManager
	logger     *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "x402-gateway",
	Short: "x402 payment-gated MCP tool gateway",
	Long: `An MCP tool gateway that charges for tool calls with the x402 protocol.

Gated calls are answered with a 402 challenge unless the caller holds a
session, attaches payment evidence, or lets the gateway pay with a custodial
credential. Payments are verified and settled through an x402 facilitator.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		config, err = utils.LoadConfigManager(configPath)
		if err != nil {
			return err
		}

		applied, err := utils.ApplyEnvOverrides(config, envFile)
		if err != nil {
			return err
		}

		logger = utils.NewLogsManager(config)
		if len(applied) > 0 {
			logger.Debug(fmt.Sprintf("Config keys overridden from environment: %v", applied), "cli")
		}
		for _, problem := range config.Problems() {
			logger.Warn("Invalid config value "+problem, "cli")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with deployment overrides")
}
