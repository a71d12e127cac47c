package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the gateway HTTP and websocket API.

This will:
- Open the database and the custodial credential store
- Probe the x402 facilitator
- Register the built-in wallet tools and any remote MCP endpoints
- Serve /api/mcp, /api/chat/message, /api/payments and /api/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("Starting x402 gateway...", "cli")

		pidManager := utils.NewPIDManager(config)
		if existingPID, err := pidManager.ReadPID(); err == nil {
			if pidManager.IsProcessRunning(existingPID) {
				return fmt.Errorf("another instance is already running with PID %d; use 'x402-gateway stop' first", existingPID)
			}
			pidManager.RemovePIDFile()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := buildApp(ctx, config, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to initialise gateway: %v", err), "cli")
			return err
		}
		defer app.close()

		if err := app.start(); err != nil {
			logger.Error(fmt.Sprintf("Failed to start gateway: %v", err), "cli")
			return err
		}

		if err := pidManager.WritePID(os.Getpid()); err != nil {
			logger.Warn(fmt.Sprintf("Failed to write PID file: %v", err), "cli")
		}
		defer func() {
			if err := pidManager.RemovePIDFile(); err != nil {
				logger.Warn(err.Error(), "cli")
			}
		}()

		fmt.Printf("x402 gateway listening on port %s with %d tools. Press Ctrl+C to stop.\n",
			app.server.GetPort(), app.gateway.Registry().Len())

		<-ctx.Done()
		logger.Info("Shutdown signal received, stopping gateway...", "cli")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
