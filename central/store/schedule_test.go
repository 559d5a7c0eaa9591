package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zubinjha/Zubot/errors"
)

func TestScheduleCRUD(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")

	next := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	sch := &Schedule{
		ProfileID:      "digest",
		Enabled:        true,
		Mode:           ModeCalendar,
		MisfirePolicy:  MisfireQueueAll,
		ExecutionOrder: 5,
		NextRunAt:      &next,
		RunTimes: []RunTime{
			{TimeOfDay: "09:00", Timezone: "America/New_York"},
			{TimeOfDay: "17:30", Timezone: "America/New_York"},
		},
		DaysOfWeek: []string{"mon", "wed", "fri"},
	}
	require.NoError(t, st.CreateSchedule(sch))
	assert.NotEmpty(t, sch.ScheduleID)

	got, err := st.GetSchedule(sch.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, ModeCalendar, got.Mode)
	assert.Equal(t, MisfireQueueAll, got.MisfirePolicy)
	assert.Equal(t, 5, got.ExecutionOrder)
	require.Len(t, got.RunTimes, 2)
	assert.Equal(t, "09:00", got.RunTimes[0].TimeOfDay)
	assert.Equal(t, "America/New_York", got.RunTimes[0].Timezone)
	assert.Equal(t, []string{"fri", "mon", "wed"}, got.DaysOfWeek)

	got.Enabled = false
	got.RunTimes = []RunTime{{TimeOfDay: "12:00", Timezone: "UTC"}}
	got.DaysOfWeek = nil
	require.NoError(t, st.UpdateSchedule(got))

	updated, err := st.GetSchedule(sch.ScheduleID)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	require.Len(t, updated.RunTimes, 1)
	assert.Equal(t, "12:00", updated.RunTimes[0].TimeOfDay)
	assert.Empty(t, updated.DaysOfWeek)

	require.NoError(t, st.DeleteSchedule(sch.ScheduleID))
	_, err = st.GetSchedule(sch.ScheduleID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestScheduleValidation(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")

	err := st.CreateSchedule(&Schedule{Mode: ModeFrequency})
	assert.True(t, errors.IsInvalidRequestError(err))

	err = st.CreateSchedule(&Schedule{ProfileID: "digest", Mode: ModeFrequency})
	assert.True(t, errors.IsInvalidRequestError(err))

	zero := 0
	err = st.CreateSchedule(&Schedule{ProfileID: "digest", Mode: ModeFrequency, RunFrequencyMinutes: &zero})
	assert.True(t, errors.IsInvalidRequestError(err))

	err = st.CreateSchedule(&Schedule{ProfileID: "digest", Mode: ModeCalendar})
	assert.True(t, errors.IsInvalidRequestError(err))

	err = st.CreateSchedule(&Schedule{ProfileID: "digest", Mode: ScheduleMode("cron")})
	assert.True(t, errors.IsInvalidRequestError(err))

	freq := 15
	err = st.CreateSchedule(&Schedule{
		ProfileID:           "digest",
		Mode:                ModeFrequency,
		RunFrequencyMinutes: &freq,
		MisfirePolicy:       MisfirePolicy("retry_forever"),
	})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScheduleDefaultMisfirePolicy(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")

	freq := 15
	sch := &Schedule{ProfileID: "digest", Mode: ModeFrequency, RunFrequencyMinutes: &freq}
	require.NoError(t, st.CreateSchedule(sch))
	assert.Equal(t, MisfireQueueLatest, sch.MisfirePolicy)
}

func TestListDueSchedules(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")
	freq := 15

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &Schedule{ProfileID: "digest", Enabled: true, Mode: ModeFrequency, RunFrequencyMinutes: &freq, NextRunAt: &past, ExecutionOrder: 2}
	require.NoError(t, st.CreateSchedule(due))

	notYet := &Schedule{ProfileID: "digest", Enabled: true, Mode: ModeFrequency, RunFrequencyMinutes: &freq, NextRunAt: &future}
	require.NoError(t, st.CreateSchedule(notYet))

	disabled := &Schedule{ProfileID: "digest", Enabled: false, Mode: ModeFrequency, RunFrequencyMinutes: &freq, NextRunAt: &past}
	require.NoError(t, st.CreateSchedule(disabled))

	dueList, err := st.ListDueSchedules(now)
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	assert.Equal(t, due.ScheduleID, dueList[0].ScheduleID)
}

func TestCreateScheduleWithoutCursorIsDueImmediately(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")
	freq := 15

	sch := &Schedule{ProfileID: "digest", Enabled: true, Mode: ModeFrequency, RunFrequencyMinutes: &freq}
	require.NoError(t, st.CreateSchedule(sch))

	got, err := st.GetSchedule(sch.ScheduleID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt, "create must seed the cursor")
	assert.WithinDuration(t, time.Now().UTC(), *got.NextRunAt, 5*time.Second)

	dueList, err := st.ListDueSchedules(time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	assert.Equal(t, sch.ScheduleID, dueList[0].ScheduleID)
}

func TestApplySchedulePlan(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")
	freq := 15

	sch := &Schedule{ProfileID: "digest", Enabled: true, Mode: ModeFrequency, RunFrequencyMinutes: &freq}
	require.NoError(t, st.CreateSchedule(sch))

	fire := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	next := fire.Add(15 * time.Minute)
	runs := []*Run{
		{RunID: "p1", ProfileID: "digest", PlannedFireAt: &fire, QueuedAt: fire},
	}

	inserted, err := st.ApplySchedulePlan(sch.ScheduleID, runs, &fire, &next)
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "p1", inserted[0].RunID)

	got, err := st.GetSchedule(sch.ScheduleID)
	require.NoError(t, err)
	require.NotNil(t, got.LastPlannedRunAt)
	assert.True(t, got.LastPlannedRunAt.Equal(fire))
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))

	// Replaying the same planned instant is a no-op insert
	dup := []*Run{{RunID: "p2", ProfileID: "digest", PlannedFireAt: &fire, QueuedAt: fire}}
	inserted, err = st.ApplySchedulePlan(sch.ScheduleID, dup, &fire, &next)
	require.NoError(t, err)
	assert.Empty(t, inserted)

	// A mixed plan reports only the runs that landed
	fire2 := fire.Add(15 * time.Minute)
	mixed := []*Run{
		{RunID: "p3", ProfileID: "digest", PlannedFireAt: &fire, QueuedAt: fire},
		{RunID: "p4", ProfileID: "digest", PlannedFireAt: &fire2, QueuedAt: fire2},
	}
	inserted, err = st.ApplySchedulePlan(sch.ScheduleID, mixed, &fire2, &next)
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "p4", inserted[0].RunID)

	// Nil lastPlanned leaves the cursor where it was
	later := next.Add(15 * time.Minute)
	_, err = st.ApplySchedulePlan(sch.ScheduleID, nil, nil, &later)
	require.NoError(t, err)
	got, err = st.GetSchedule(sch.ScheduleID)
	require.NoError(t, err)
	assert.True(t, got.LastPlannedRunAt.Equal(fire2))
	assert.True(t, got.NextRunAt.Equal(later))
}

func TestDeleteScheduleCascadesRunTimes(t *testing.T) {
	st := newTestStore(t)
	createTestProfile(t, st, "digest")

	sch := &Schedule{
		ProfileID: "digest",
		Mode:      ModeCalendar,
		RunTimes:  []RunTime{{TimeOfDay: "09:00", Timezone: "UTC"}},
	}
	require.NoError(t, st.CreateSchedule(sch))
	require.NoError(t, st.DeleteSchedule(sch.ScheduleID))

	var count int
	err := st.DB().QueryRow(`SELECT COUNT(*) FROM schedule_run_times WHERE schedule_id = ?`, sch.ScheduleID).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}
