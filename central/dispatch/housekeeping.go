package dispatch

import (
	"time"

	"github.com/zubinjha/Zubot/central/runner"
	"github.com/zubinjha/Zubot/central/store"
)

// housekeepLoop expires stale waiting runs and prunes archived history
func (d *Dispatcher) housekeepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.HousekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Housekeep(time.Now().UTC())
		}
	}
}

// Housekeep runs one housekeeping pass at the given instant
func (d *Dispatcher) Housekeep(now time.Time) {
	expired, err := d.store.ListExpiredWaitingRuns(now)
	if err != nil {
		d.logger.Errorw("Failed to list expired waiting runs", "error", err)
	}
	for _, run := range expired {
		d.logger.Warnw("Waiting run expired",
			"run_id", run.RunID,
			"task_id", run.ProfileID,
			"expired_at", run.WaitingExpiresAt)
		d.finalize(run, &runner.Result{
			Status: store.RunBlocked,
			Error:  store.ErrorMarkerWaitingTimeout,
		})
	}

	if d.opts.HistoryRetentionDays > 0 || d.opts.HistoryMaxRows > 0 {
		pruned, err := d.store.PruneRunHistory(d.opts.HistoryRetentionDays, d.opts.HistoryMaxRows)
		if err != nil {
			d.logger.Errorw("Failed to prune run history", "error", err)
		} else if pruned > 0 {
			d.logger.Debugw("Pruned run history", "rows", pruned)
		}
	}
}
