package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zubinjha/Zubot/cmd/zubot/commands"
	"github.com/zubinjha/Zubot/config"
	"github.com/zubinjha/Zubot/logger"
)

var rootCmd = &cobra.Command{
	Use:   "zubot",
	Short: "Zubot - local-first automation daemon",
	Long: `Zubot - local-first personal automation daemon.

The core is a cursor-driven scheduler over SQLite: task profiles bind
scripts and in-process agents to schedules, a fixed slot pool executes
queued runs without per-task overlap, and a control API exposes the
whole thing over HTTP.

Available commands:
  serve   - Start the daemon in foreground
  status  - Show runtime status of a running daemon
  config  - Inspect or initialize configuration
  version - Show version information

Examples:
  zubot serve              # Start the daemon
  zubot status             # Query a running daemon
  zubot config init        # Write a default config file
  zubot config show        # Show the effective configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Initialize(cfg.Logging.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
