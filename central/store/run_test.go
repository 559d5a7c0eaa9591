package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zubinjha/Zubot/errors"
	zubottesting "github.com/zubinjha/Zubot/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(zubottesting.CreateTestDB(t))
}

func createTestProfile(t *testing.T, st *Store, taskID string) *TaskProfile {
	t.Helper()
	p := &TaskProfile{
		TaskID:     taskID,
		Name:       "Test " + taskID,
		Kind:       KindScript,
		Entrypoint: "scripts/" + taskID + ".sh",
		Enabled:    true,
	}
	require.NoError(t, st.CreateProfile(p))
	return p
}

func TestProfileCRUD(t *testing.T) {
	st := newTestStore(t)

	p := &TaskProfile{
		TaskID:     "morning-digest",
		Name:       "Morning Digest",
		Kind:       KindScript,
		Entrypoint: "scripts/digest.sh --brief",
		QueueGroup: "email",
		TimeoutSec: 120,
		Enabled:    true,
	}
	require.NoError(t, st.CreateProfile(p))

	got, err := st.GetProfile("morning-digest")
	require.NoError(t, err)
	assert.Equal(t, "Morning Digest", got.Name)
	assert.Equal(t, KindScript, got.Kind)
	assert.Equal(t, "email", got.QueueGroup)
	assert.Equal(t, 120, got.TimeoutSec)
	assert.True(t, got.Enabled)
	assert.JSONEq(t, "{}", string(got.RetryPolicy))

	got.Name = "Morning Digest v2"
	got.Enabled = false
	require.NoError(t, st.UpdateProfile(got))

	updated, err := st.GetProfile("morning-digest")
	require.NoError(t, err)
	assert.Equal(t, "Morning Digest v2", updated.Name)
	assert.False(t, updated.Enabled)

	require.NoError(t, st.DeleteProfile("morning-digest"))
	_, err = st.GetProfile("morning-digest")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestProfileValidation(t *testing.T) {
	st := newTestStore(t)

	err := st.CreateProfile(&TaskProfile{Kind: KindScript})
	assert.True(t, errors.IsInvalidRequestError(err))

	err = st.CreateProfile(&TaskProfile{TaskID: "x", Kind: TaskKind("cron")})
	assert.True(t, errors.IsInvalidRequestError(err))

	err = st.UpdateProfile(&TaskProfile{TaskID: "ghost", Kind: KindScript})
	assert.True(t, errors.IsNotFoundError(err))

	err = st.DeleteProfile("ghost")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestEnqueueRunNoOverlap(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")

	first := &Run{ProfileID: "digest"}
	require.NoError(t, st.EnqueueRun(first))
	assert.NotEmpty(t, first.RunID)
	assert.Equal(t, RunQueued, first.Status)
	assert.Equal(t, TriggerManual, first.Trigger)

	// Second enqueue while the first is still live
	err := st.EnqueueRun(&Run{ProfileID: "digest"})
	assert.True(t, errors.IsConflictError(err))

	// Finalizing frees the overlap slot
	_, err = st.FinalizeRun(first.RunID, RunDone, "ok", "")
	require.NoError(t, err)
	require.NoError(t, st.EnqueueRun(&Run{ProfileID: "digest"}))
}

func TestClaimNextQueuedRunFIFO(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "a")
	createTestProfile(t, st, "b")

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	older := &Run{RunID: "run-old", ProfileID: "b", QueuedAt: base}
	newer := &Run{RunID: "run-new", ProfileID: "a", QueuedAt: base.Add(time.Minute)}
	require.NoError(t, st.EnqueueRun(newer))
	require.NoError(t, st.EnqueueRun(older))

	claimed, err := st.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "run-old", claimed.RunID)
	assert.Equal(t, RunRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	claimed2, err := st.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, "run-new", claimed2.RunID)

	// Queue now empty
	claimed3, err := st.ClaimNextQueuedRun()
	require.NoError(t, err)
	assert.Nil(t, claimed3)
}

func TestRequeueRun(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")
	require.NoError(t, st.EnqueueRun(&Run{RunID: "r1", ProfileID: "digest"}))

	claimed, err := st.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, st.RequeueRun("r1"))
	got, err := st.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunQueued, got.Status)
	assert.Nil(t, got.StartedAt)

	// Only running runs can be requeued
	err = st.RequeueRun("r1")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestWaitingLifecycle(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "approver")
	require.NoError(t, st.EnqueueRun(&Run{RunID: "w1", ProfileID: "approver"}))

	_, err := st.ClaimNextQueuedRun()
	require.NoError(t, err)

	expires := time.Now().UTC().Add(time.Hour)
	payload := json.RawMessage(`{"waiting_contract":{"request_id":"q1","question":"proceed?"}}`)
	require.NoError(t, st.MarkWaiting("w1", payload, &expires))

	waiting, err := st.ListWaitingRuns()
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, RunWaitingForUser, waiting[0].Status)
	require.NotNil(t, waiting[0].WaitingExpiresAt)

	// Waiting run still holds the overlap slot
	err = st.EnqueueRun(&Run{ProfileID: "approver"})
	assert.True(t, errors.IsConflictError(err))

	require.NoError(t, st.ResumeRun("w1", json.RawMessage(`{"choice":"yes"}`)))
	got, err := st.GetRun("w1")
	require.NoError(t, err)
	assert.Equal(t, RunQueued, got.Status)
	assert.Nil(t, got.WaitingExpiresAt)
	assert.JSONEq(t, `{"choice":"yes"}`, string(got.PayloadJSON))

	// Resume only applies to waiting runs
	err = st.ResumeRun("w1", nil)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListExpiredWaitingRuns(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "slow")
	require.NoError(t, st.EnqueueRun(&Run{RunID: "e1", ProfileID: "slow"}))
	_, err := st.ClaimNextQueuedRun()
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.MarkWaiting("e1", nil, &past))

	expired, err := st.ListExpiredWaitingRuns(time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "e1", expired[0].RunID)

	// A future deadline is not expired
	require.NoError(t, st.ResumeRun("e1", nil))
	_, err = st.ClaimNextQueuedRun()
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.MarkWaiting("e1", nil, &future))

	expired, err = st.ListExpiredWaitingRuns(time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestFinalizeRunArchives(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")

	freq := 30
	sch := &Schedule{
		ProfileID:           "digest",
		Enabled:             true,
		Mode:                ModeFrequency,
		RunFrequencyMinutes: &freq,
	}
	require.NoError(t, st.CreateSchedule(sch))

	run := &Run{RunID: "f1", ProfileID: "digest", ScheduleID: &sch.ScheduleID, Trigger: TriggerSchedule}
	require.NoError(t, st.EnqueueRun(run))
	_, err := st.ClaimNextQueuedRun()
	require.NoError(t, err)

	archived, err := st.FinalizeRun("f1", RunDone, "sent 3 emails", "")
	require.NoError(t, err)
	assert.Equal(t, RunDone, archived.Status)
	assert.Equal(t, "sent 3 emails", archived.Summary)
	require.NotNil(t, archived.FinishedAt)

	// Queue row is gone, history row exists
	_, err = st.GetRun("f1")
	assert.True(t, errors.IsNotFoundError(err))

	history, err := st.ListRunHistory("digest", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "f1", history[0].RunID)
	assert.Equal(t, RunDone, history[0].Status)

	// Parent schedule got stamped
	got, err := st.GetSchedule(sch.ScheduleID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, string(RunDone), got.LastRunStatus)
	assert.Equal(t, "sent 3 emails", got.LastRunSummary)
}

func TestFinalizeRunRejectsNonTerminal(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")
	require.NoError(t, st.EnqueueRun(&Run{RunID: "n1", ProfileID: "digest"}))

	_, err := st.FinalizeRun("n1", RunRunning, "", "")
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = st.FinalizeRun("ghost", RunDone, "", "")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestMetrics(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "a")
	createTestProfile(t, st, "b")
	createTestProfile(t, st, "c")

	require.NoError(t, st.EnqueueRun(&Run{RunID: "m1", ProfileID: "a"}))
	require.NoError(t, st.EnqueueRun(&Run{RunID: "m2", ProfileID: "b"}))
	require.NoError(t, st.EnqueueRun(&Run{RunID: "m3", ProfileID: "c"}))

	claimed, err := st.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	m, err := st.Metrics()
	require.NoError(t, err)
	assert.Equal(t, 2, m.QueuedCount)
	assert.Equal(t, 1, m.RunningCount)
	assert.Equal(t, 0, m.WaitingCount)
	assert.NotNil(t, m.OldestQueuedAt)
	assert.NotNil(t, m.LongestRunningSince)
}

func TestPruneRunHistory(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")

	for i := 0; i < 5; i++ {
		runID := string(rune('a'+i)) + "-prune"
		require.NoError(t, st.EnqueueRun(&Run{RunID: runID, ProfileID: "digest"}))
		_, err := st.FinalizeRun(runID, RunDone, "", "")
		require.NoError(t, err)
	}

	pruned, err := st.PruneRunHistory(0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, pruned)

	history, err := st.ListRunHistory("", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestDeleteProfileCascades(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "doomed")
	require.NoError(t, st.EnqueueRun(&Run{RunID: "d1", ProfileID: "doomed"}))

	require.NoError(t, st.DeleteProfile("doomed"))

	_, err := st.GetRun("d1")
	assert.True(t, errors.IsNotFoundError(err))
}
