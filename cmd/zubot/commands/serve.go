package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/zubinjha/Zubot/central"
	"github.com/zubinjha/Zubot/config"
	"github.com/zubinjha/Zubot/errors"
	"github.com/zubinjha/Zubot/internal/version"
	"github.com/zubinjha/Zubot/logger"
	"github.com/zubinjha/Zubot/server"
)

// ServeCmd runs the daemon in the foreground
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the zubot daemon in foreground",
	Long: `Start the zubot daemon: the scheduler heartbeat, the task runner slot
pool, the SQL gateway, the summary worker, and the HTTP control API.

The process runs in the foreground and stops cleanly on Ctrl+C or SIGTERM.
Core loops start immediately when central_service.enabled is true in the
config; otherwise only the control API comes up and the loops can be
started later via POST /api/central/start.`,
	RunE: runServe,
}

var (
	serveHost    string
	servePort    int
	serveStarted bool
)

func init() {
	ServeCmd.Flags().StringVar(&serveHost, "host", "", "Bind address for the control API (overrides config)")
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Port for the control API (overrides config)")
	ServeCmd.Flags().BoolVar(&serveStarted, "start", false, "Start core loops regardless of central_service.enabled")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	svc, err := central.NewService(cfg, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to initialize central service")
	}
	defer svc.Close()

	fmt.Printf("zubot %s\n", version.String())
	fmt.Printf("  database: %s\n", cfg.SchedulerDBPath)
	fmt.Printf("  api:      http://%s:%d/api/central/\n", host, port)

	if cfg.CentralService.Enabled || serveStarted {
		svc.Start()
		fmt.Printf("  loops:    started (%d runner slots)\n", cfg.TaskRunnerConcurrency)
	} else {
		fmt.Printf("  loops:    stopped (POST /api/central/start to begin scheduling)\n")
	}

	// Pick up config edits without a restart; only warning thresholds and
	// similar soft settings apply live.
	config.Watch(func(next *config.Config) {
		logger.Infow("Config reloaded", "queue_warning_threshold", next.QueueWarningThreshold)
	})

	srv := server.New(svc, host, port, logger.Logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return errors.Wrap(err, "control API failed")
	case sig := <-sigChan:
		pterm.Info.Printf("\nReceived %s, shutting down gracefully (press Ctrl+C again to force)...\n", sig)

		shutdownDone := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			err := srv.Shutdown(ctx)
			svc.Stop()
			shutdownDone <- err
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Daemon stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
