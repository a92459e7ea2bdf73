// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/actiond/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAction(t *testing.T, s *Store) *Action {
	t.Helper()
	ctx := context.Background()
	pkg := &ActionPackage{
		ID:        uuid.NewString(),
		Name:      "greeter",
		Directory: "/tmp/greeter",
	}
	require.NoError(t, s.UpsertActionPackage(ctx, pkg))

	action := &Action{
		ID:              uuid.NewString(),
		ActionPackageID: pkg.ID,
		Name:            "greet",
		InputSchema:     `{"type":"object"}`,
		OutputSchema:    `{"type":"string"}`,
		ManagedParams:   "{}",
		Kind:            ActionKindAction,
	}
	require.NoError(t, s.SyncActions(ctx, pkg.ID, []*Action{action}))
	return action
}

func TestMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := New(Config{Path: path, WAL: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening must be a no-op, not a failure.
	s, err = New(Config{Path: path, WAL: true})
	require.NoError(t, err)
	defer s.Close()

	applied, err := s.appliedMigrations(context.Background())
	require.NoError(t, err)
	assert.Len(t, applied, len(migrations))
}

func TestMigrateRefusesUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(Config{Path: path, WAL: true})
	require.NoError(t, err)

	_, err = s.DB().Exec(`INSERT INTO migration (id, name) VALUES (999, 'future')`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = New(Config{Path: path, WAL: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown migration 999")
}

func TestNextCounterIsDense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.NextCounter(ctx, CounterRunID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Independent counters do not interfere.
	got, err := s.NextCounter(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	action := seedAction(t, s)

	run := &Run{
		ID:                   uuid.NewString(),
		NumberedID:           1,
		Status:               RunStatusNotRun,
		ActionID:             action.ID,
		StartTime:            time.Now().UTC(),
		Inputs:               `{"name":"x"}`,
		RelativeArtifactsDir: "runs/1",
		RequestID:            "schedule:abc",
		RunType:              RunTypeAction,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	run.Status = RunStatusRunning
	require.NoError(t, s.UpdateRun(ctx, run))

	run.Status = RunStatusPassed
	run.Result = `"hello"`
	run.RunTime = 1.5
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusPassed, got.Status)
	assert.Equal(t, `"hello"`, got.Result)
	assert.Equal(t, "schedule:abc", got.RequestID)
	assert.True(t, got.Status.Terminal())
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	action := seedAction(t, s)

	for i := 1; i <= 3; i++ {
		n, err := s.NextCounter(ctx, CounterRunID)
		require.NoError(t, err)
		require.NoError(t, s.CreateRun(ctx, &Run{
			ID:         uuid.NewString(),
			NumberedID: n,
			Status:     RunStatusPassed,
			ActionID:   action.ID,
			StartTime:  time.Now().UTC(),
			RunType:    RunTypeAction,
		}))
	}

	runs, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(3), runs[0].NumberedID)
	assert.Equal(t, int64(2), runs[1].NumberedID)
}

func TestSyncActionsDisablesAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := &ActionPackage{ID: uuid.NewString(), Name: "pkg", Directory: "/tmp/pkg"}
	require.NoError(t, s.UpsertActionPackage(ctx, pkg))

	a := &Action{ID: uuid.NewString(), ActionPackageID: pkg.ID, Name: "a",
		InputSchema: "{}", OutputSchema: "{}", ManagedParams: "{}", Kind: ActionKindAction}
	b := &Action{ID: uuid.NewString(), ActionPackageID: pkg.ID, Name: "b",
		InputSchema: "{}", OutputSchema: "{}", ManagedParams: "{}", Kind: ActionKindAction}
	require.NoError(t, s.SyncActions(ctx, pkg.ID, []*Action{a, b}))

	// Re-import without b: b is disabled, never deleted.
	a2 := &Action{ID: uuid.NewString(), ActionPackageID: pkg.ID, Name: "a",
		Docs: "updated", InputSchema: "{}", OutputSchema: "{}", ManagedParams: "{}",
		Kind: ActionKindAction}
	require.NoError(t, s.SyncActions(ctx, pkg.ID, []*Action{a2}))

	// The surviving action keeps its original ID.
	assert.Equal(t, a.ID, a2.ID)

	all, err := s.ListActions(ctx, pkg.ID, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	enabled, err := s.ListActions(ctx, pkg.ID, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "a", enabled[0].Name)
	assert.Equal(t, "updated", enabled[0].Docs)

	gotB, err := s.GetActionByName(ctx, pkg.ID, "b")
	require.NoError(t, err)
	assert.False(t, gotB.Enabled)
}

func TestUpsertActionPackagePreservesID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := &ActionPackage{ID: uuid.NewString(), Name: "pkg", Directory: "/old"}
	require.NoError(t, s.UpsertActionPackage(ctx, pkg))
	originalID := pkg.ID

	again := &ActionPackage{ID: uuid.NewString(), Name: "pkg", Directory: "/new"}
	require.NoError(t, s.UpsertActionPackage(ctx, again))

	assert.Equal(t, originalID, again.ID)
	got, err := s.GetActionPackage(ctx, originalID)
	require.NoError(t, err)
	assert.Equal(t, "/new", got.Directory)
}

func TestDueSchedulesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	action := seedAction(t, s)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	mk := func(name string, priority int, next *time.Time, enabled bool) *Schedule {
		sch := &Schedule{
			ID:           uuid.NewString(),
			Name:         name,
			Enabled:      enabled,
			ScheduleType: ScheduleTypeInterval,
			IntervalSeconds: 60,
			Timezone:     "UTC",
			NextRunAt:    next,
			Priority:     priority,
			ActionID:     action.ID,
			InputsJSON:   "{}",
			ExecutionMode: ExecutionModeRun,
			MaxConcurrent: 1,
			RetryMaxAttempts: 3,
			RetryDelaySeconds: 60,
			RetryBackoffMult: 2.0,
		}
		require.NoError(t, s.CreateSchedule(ctx, sch))
		return sch
	}

	low := mk("low", 0, &past, true)
	high := mk("high", 10, &past, true)
	mk("future", 5, &future, true)
	mk("disabled", 20, &past, false)

	due, err := s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, high.ID, due[0].ID)
	assert.Equal(t, low.ID, due[1].ID)
}

func TestExecutionCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	action := seedAction(t, s)

	sch := &Schedule{
		ID: uuid.NewString(), Name: "s", Enabled: true,
		ScheduleType: ScheduleTypeInterval, IntervalSeconds: 60,
		Timezone: "UTC", ActionID: action.ID, InputsJSON: "{}",
		ExecutionMode: ExecutionModeRun, MaxConcurrent: 1,
		RetryMaxAttempts: 3, RetryDelaySeconds: 60, RetryBackoffMult: 2.0,
	}
	require.NoError(t, s.CreateSchedule(ctx, sch))

	now := time.Now().UTC()
	mkExec := func(status ExecutionStatus, start time.Time) {
		require.NoError(t, s.CreateScheduleExecution(ctx, &ScheduleExecution{
			ID: uuid.NewString(), ScheduleID: sch.ID,
			ScheduledTime: start, ActualStartTime: start,
			Status: status, AttemptNumber: 1,
		}))
	}
	mkExec(ExecutionStatusRunning, now.Add(-time.Minute))
	mkExec(ExecutionStatusCompleted, now.Add(-30*time.Minute))
	mkExec(ExecutionStatusSkipped, now.Add(-10*time.Minute))
	mkExec(ExecutionStatusFailed, now.Add(-2*time.Hour))

	running, err := s.CountRunningExecutions(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, running)

	global, err := s.CountRunningExecutions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, global)

	// Skipped executions do not count against rate limits.
	lastHour, err := s.CountExecutionsSince(ctx, sch.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, lastHour)
}

func TestTriggerCRUDAndFired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	action := seedAction(t, s)

	trig := &Trigger{
		ID:                 uuid.NewString(),
		Name:               "gh-push",
		Enabled:            true,
		ActionID:           action.ID,
		ExecutionMode:      ExecutionModeRun,
		InputsTemplateJSON: `{"ref":"{{payload.ref}}"}`,
		WebhookSecret:      "hunter2",
	}
	require.NoError(t, s.CreateTrigger(ctx, trig))

	require.NoError(t, s.RecordTriggerFired(ctx, trig.ID, time.Now()))
	require.NoError(t, s.RecordTriggerFired(ctx, trig.ID, time.Now()))

	got, err := s.GetTrigger(ctx, trig.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TriggerCount)
	require.NotNil(t, got.LastTriggeredAt)
	assert.Equal(t, "hunter2", got.WebhookSecret)

	require.NoError(t, s.CreateTriggerInvocation(ctx, &TriggerInvocation{
		ID: uuid.NewString(), TriggerID: trig.ID, InvokedAt: time.Now(),
		SourceIP: "10.0.0.1", PayloadJSON: "{}", HeadersJSON: "{}",
		Status: InvocationAccepted, RunID: "run-1",
	}))
	invs, err := s.ListTriggerInvocations(ctx, trig.ID, 10)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, InvocationAccepted, invs[0].Status)

	require.NoError(t, s.DeleteTrigger(ctx, trig.ID))
	_, err = s.GetTrigger(ctx, trig.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestWorkItemReserveIsIdempotentPerOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &WorkItem{ID: uuid.NewString(), QueueName: "q", PayloadJSON: `{"n":1}`,
		CreatedAt: time.Now().Add(-time.Minute)}
	second := &WorkItem{ID: uuid.NewString(), QueueName: "q", PayloadJSON: `{"n":2}`}
	require.NoError(t, s.SeedWorkItem(ctx, first))
	require.NoError(t, s.SeedWorkItem(ctx, second))

	got, err := s.ReserveWorkItem(ctx, "q", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, WorkItemInProgress, got.State)
	assert.Equal(t, 1, got.Attempts)

	// Re-reserving without releasing returns the same held item.
	again, err := s.ReserveWorkItem(ctx, "q", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	// A different owner gets the next pending item.
	other, err := s.ReserveWorkItem(ctx, "q", "worker-2")
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, second.ID, other.ID)

	// Queue exhausted.
	empty, err := s.ReserveWorkItem(ctx, "q", "worker-3")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestWorkItemReleaseAndRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := &WorkItem{ID: uuid.NewString(), QueueName: "q", PayloadJSON: "{}"}
	require.NoError(t, s.SeedWorkItem(ctx, item))

	// Cannot release a PENDING item.
	err := s.ReleaseWorkItem(ctx, item.ID, WorkItemFailed, "APPLICATION", "E1", "boom")
	require.Error(t, err)

	got, err := s.ReserveWorkItem(ctx, "q", "w")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, s.ReleaseWorkItem(ctx, item.ID, WorkItemFailed, "APPLICATION", "E1", "boom"))

	failed, err := s.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkItemFailed, failed.State)
	assert.Equal(t, "boom", failed.ExceptionMessage)
	assert.Empty(t, failed.LeaseOwner)
	require.NotNil(t, failed.FinishedAt)

	// Terminal items are immutable other than via retry.
	err = s.ReleaseWorkItem(ctx, item.ID, WorkItemDone, "", "", "")
	require.Error(t, err)

	require.NoError(t, s.RetryWorkItem(ctx, item.ID))
	retried, err := s.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkItemPending, retried.State)
	assert.Empty(t, retried.ExceptionMessage)
	assert.Nil(t, retried.StartedAt)

	// Attempts survive the retry so operators can see the history.
	assert.Equal(t, 1, retried.Attempts)
}

func TestQueueStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SeedWorkItem(ctx, &WorkItem{
			ID: uuid.NewString(), QueueName: "orders", PayloadJSON: "{}"}))
	}
	got, err := s.ReserveWorkItem(ctx, "orders", "w")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseWorkItem(ctx, got.ID, WorkItemDone, "", "", ""))

	stats, err := s.GetQueueStats(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.InProgress)
	assert.Equal(t, 1, stats.Done)

	queues, err := s.ListQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, queues)
}
