// Package memory ingests conversation and run-lifecycle events into the
// per-day transcript and keeps each day's narrative summary fresh through a
// deduplicated background job queue.
package memory

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zubinjha/Zubot/central/store"
)

// Event kinds accepted into the durable day transcript
const (
	KindUser           = "user"
	KindMainAgent      = "main_agent"
	KindTaskAgentEvent = "task_agent_event"
)

// durableKinds filters what lands in the transcript; tool chatter and other
// high-volume noise never reaches storage
var durableKinds = map[string]bool{
	KindUser:           true,
	KindMainAgent:      true,
	KindTaskAgentEvent: true,
}

// Kicker nudges the summary worker after a threshold enqueue
type Kicker interface {
	Kick()
}

// Ingestor appends durable events and enqueues summary work when a day
// accumulates enough unsummarized messages
type Ingestor struct {
	store     *store.Store
	threshold int
	worker    Kicker
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewIngestor creates an ingestor. worker may be nil.
func NewIngestor(st *store.Store, threshold int, worker Kicker, logger *zap.SugaredLogger) *Ingestor {
	return &Ingestor{
		store:     st,
		threshold: threshold,
		worker:    worker,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append records one durable event for today. Non-durable kinds are dropped
// silently; the returned status is nil for dropped events.
func (i *Ingestor) Append(sessionID, kind, text string) (*store.DayStatus, error) {
	if !durableKinds[kind] {
		return nil, nil
	}

	now := i.now()
	status, err := i.store.AppendDayEvent(&store.DayEvent{
		Day:       now.Format("2006-01-02"),
		EventTime: now,
		SessionID: sessionID,
		Kind:      kind,
		Text:      text,
		Layer:     store.LayerRaw,
	})
	if err != nil {
		return nil, err
	}

	if i.threshold > 0 && status.MessagesSinceLastSummary >= i.threshold {
		created, err := i.store.EnqueueSummaryJob(status.Day, "threshold")
		if err != nil {
			i.logger.Errorw("Failed to enqueue threshold summary job", "day", status.Day, "error", err)
		} else if created {
			i.logger.Debugw("Summary job enqueued",
				"day", status.Day,
				"messages_since", status.MessagesSinceLastSummary)
			if i.worker != nil {
				i.worker.Kick()
			}
		}
	}
	return status, nil
}

// RecordRunEvent translates a dispatcher lifecycle milestone into a durable
// task event. Satisfies the dispatcher and heartbeat event sinks.
func (i *Ingestor) RecordRunEvent(event string, run *store.Run) {
	text := fmt.Sprintf("[%s] task=%s run=%s", event, run.ProfileID, run.RunID)
	if run.Summary != "" {
		text += " summary=" + run.Summary
	}
	if run.Error != "" {
		text += " error=" + run.Error
	}

	if _, err := i.Append("", KindTaskAgentEvent, text); err != nil {
		i.logger.Errorw("Failed to ingest run event",
			"event", event, "run_id", run.RunID, "error", err)
	}
}
