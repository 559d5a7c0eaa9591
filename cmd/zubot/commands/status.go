package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/zubinjha/Zubot/central"
	"github.com/zubinjha/Zubot/config"
	"github.com/zubinjha/Zubot/errors"
)

// StatusCmd queries a running daemon's control API
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runtime status of a running zubot daemon",
	Long: `Query a running daemon over its control API and print the runtime
snapshot: queue depth, runner slots, heartbeat health, and provider queues.`,
	RunE: runStatus,
}

var (
	statusHost string
	statusPort int
	statusJSON bool
)

func init() {
	StatusCmd.Flags().StringVar(&statusHost, "host", "", "Daemon host (overrides config)")
	StatusCmd.Flags().IntVar(&statusPort, "port", 0, "Daemon port (overrides config)")
	StatusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw JSON response")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	host := cfg.Server.Host
	if statusHost != "" {
		host = statusHost
	}
	port := cfg.Server.Port
	if statusPort != 0 {
		port = statusPort
	}

	url := fmt.Sprintf("http://%s:%d/api/central/status", host, port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "daemon unreachable at %s:%d", host, port)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read status response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("status request failed: %s: %s", resp.Status, string(body))
	}

	if statusJSON {
		fmt.Println(string(body))
		return nil
	}

	var report central.StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return errors.Wrap(err, "failed to decode status response")
	}

	printStatusReport(&report)
	return nil
}

func printStatusReport(report *central.StatusReport) {
	if report.Running {
		pterm.Success.Printf("zubot %s running (uptime %s)\n", report.Version, formatDuration(report.UptimeSec))
	} else {
		pterm.Warning.Printf("zubot %s up, core loops stopped\n", report.Version)
	}

	for _, w := range report.Warnings {
		pterm.Warning.Printf("warning: %s\n", w)
	}

	if report.Queue != nil {
		fmt.Printf("\nQueue\n")
		fmt.Printf("  queued:   %d\n", report.Queue.QueuedCount)
		fmt.Printf("  running:  %d\n", report.Queue.RunningCount)
		fmt.Printf("  waiting:  %d\n", report.Queue.WaitingCount)
	}

	fmt.Printf("\nSlots\n")
	for _, slot := range report.Slots {
		if slot.RunID != "" {
			fmt.Printf("  [%d] busy  task=%s run=%s\n", slot.SlotID, slot.TaskID, slot.RunID)
		} else {
			fmt.Printf("  [%d] free\n", slot.SlotID)
		}
	}

	fmt.Printf("\nHeartbeat\n")
	fmt.Printf("  ticks:    %d\n", report.Heartbeat.TicksTotal)
	if report.Heartbeat.LastTickAt != nil {
		fmt.Printf("  last:     %s\n", report.Heartbeat.LastTickAt.Local().Format("15:04:05"))
	}
	if report.Heartbeat.LastError != "" {
		pterm.Error.Printf("  error:    %s\n", report.Heartbeat.LastError)
	}

	if len(report.Providers) > 0 {
		fmt.Printf("\nProviders\n")
		for _, p := range report.Providers {
			fmt.Printf("  %-12s pending=%d calls=%d failed=%d\n", p.Group, p.Pending, p.CallsTotal, p.CallsFailed)
		}
	}

	fmt.Printf("\nGoroutines: %d\n", report.Goroutines)
	if report.Process != nil {
		fmt.Printf("Memory:     %.1f MB\n", float64(report.Process.RSSBytes)/(1024*1024))
	}
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return d.String()
	}
	return d.Round(time.Second).String()
}
