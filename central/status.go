package central

import (
	"runtime"
	"time"

	"github.com/zubinjha/Zubot/central/dispatch"
	"github.com/zubinjha/Zubot/central/gateway"
	"github.com/zubinjha/Zubot/central/heartbeat"
	"github.com/zubinjha/Zubot/central/memory"
	"github.com/zubinjha/Zubot/central/providerq"
	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/internal/version"
)

// Warning names surfaced in status reports
const (
	WarningQueueDepthHigh   = "queue_depth_high"
	WarningRunningTaskStale = "running_task_stale"
)

// StatusReport is the full runtime snapshot served by the status endpoint
type StatusReport struct {
	Running       bool                  `json:"running"`
	Version       string                `json:"version"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	UptimeSec     float64               `json:"uptime_sec"`
	Warnings      []string              `json:"warnings,omitempty"`
	Queue         *store.QueueMetrics   `json:"queue,omitempty"`
	Slots         []dispatch.SlotInfo   `json:"slots"`
	Heartbeat     heartbeat.Stats       `json:"heartbeat"`
	Gateway       gateway.Stats         `json:"gateway"`
	SummaryWorker memory.WorkerStats    `json:"summary_worker"`
	Providers     []providerq.Stats     `json:"providers,omitempty"`
	Goroutines    int                   `json:"goroutines"`
	Process       *ProcessStats         `json:"process,omitempty"`
}

// MetricsReport is the lightweight queue-pressure view
type MetricsReport struct {
	Queue               *store.QueueMetrics `json:"queue"`
	OldestQueuedAgeSec  float64             `json:"oldest_queued_age_sec"`
	LongestRunningSec   float64             `json:"longest_running_sec"`
	Warnings            []string            `json:"warnings,omitempty"`
}

// Status assembles the full runtime snapshot
func (s *Service) Status() (*StatusReport, error) {
	metrics, err := s.store.Metrics()
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Running:       s.Running(),
		Version:       version.Version,
		Warnings:      s.warnings(metrics, time.Now().UTC()),
		Queue:         metrics,
		Slots:         s.dispatcher.Slots(),
		Heartbeat:     s.heartbeat.GetStats(),
		Gateway:       s.gateway.GetStats(),
		SummaryWorker: s.sumWorker.GetStats(),
		Providers:     s.providers.GetStats(),
		Goroutines:    runtime.NumGoroutine(),
		Process:       processStats(),
	}

	s.mu.Lock()
	if s.running {
		startedAt := s.startedAt
		report.StartedAt = &startedAt
		report.UptimeSec = time.Since(startedAt).Seconds()
	}
	s.mu.Unlock()

	return report, nil
}

// Metrics assembles the queue-pressure view
func (s *Service) Metrics() (*MetricsReport, error) {
	metrics, err := s.store.Metrics()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &MetricsReport{
		Queue:    metrics,
		Warnings: s.warnings(metrics, now),
	}
	if metrics.OldestQueuedAt != nil {
		report.OldestQueuedAgeSec = now.Sub(*metrics.OldestQueuedAt).Seconds()
	}
	if metrics.LongestRunningSince != nil {
		report.LongestRunningSec = now.Sub(*metrics.LongestRunningSince).Seconds()
	}
	return report, nil
}

func (s *Service) warnings(metrics *store.QueueMetrics, now time.Time) []string {
	var warnings []string
	if s.cfg.QueueWarningThreshold > 0 && metrics.QueuedCount > s.cfg.QueueWarningThreshold {
		warnings = append(warnings, WarningQueueDepthHigh)
	}
	if s.cfg.RunningAgeWarningSec > 0 && metrics.LongestRunningSince != nil {
		age := now.Sub(*metrics.LongestRunningSince)
		if age > time.Duration(s.cfg.RunningAgeWarningSec)*time.Second {
			warnings = append(warnings, WarningRunningTaskStale)
		}
	}
	return warnings
}
