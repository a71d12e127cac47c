package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

var stopGrace time.Duration

var stopCmd = &cobra.Command{
	Use:     "stop",
	Aliases: []string{"kill"},
	Short:   "Stop the running gateway",
	Long:    "Stop the running gateway by sending a graceful termination signal",
	Args:    cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		pidManager := utils.NewPIDManager(config)

		pid, err := pidManager.ReadPID()
		if err != nil {
			return err
		}

		if !pidManager.IsProcessRunning(pid) {
			logger.Warn(fmt.Sprintf("Process with PID %d is not running, removing stale PID file", pid), "cli")
			return pidManager.RemovePIDFile()
		}

		fmt.Printf("Stopping gateway (PID %d)...\n", pid)
		if err := pidManager.StopProcess(pid, stopGrace); err != nil {
			logger.Error(fmt.Sprintf("Failed to stop PID %d: %v", pid, err), "cli")
			return err
		}

		fmt.Println("Gateway stopped")
		return pidManager.RemovePIDFile()
	},
}

func init() {
	stopCmd.Flags().DurationVar(&stopGrace, "grace", 10*time.Second, "time to wait before force killing")
	rootCmd.AddCommand(stopCmd)
}
