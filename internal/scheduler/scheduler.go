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

// Package scheduler runs the cooperative schedule loop: due-schedule
// selection, ordered admission gates, the retry ladder and outcome
// notifications.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/internal/workitems"
	"github.com/tombee/actiond/pkg/errors"
)

// RunEngine is the run-mode execution target.
type RunEngine interface {
	Run(ctx context.Context, pkg *store.ActionPackage, action *store.Action, inputs json.RawMessage, managed map[string]any, requestID string) (*store.Run, error)
}

// Config contains scheduler configuration.
type Config struct {
	// CheckInterval between ticks. Defaults to 10s.
	CheckInterval time.Duration

	// MaxConcurrentGlobal caps running executions across all schedules.
	// Defaults to 10.
	MaxConcurrentGlobal int
}

// Scheduler owns the tick loop.
type Scheduler struct {
	cfg      Config
	store    *store.Store
	engine   RunEngine
	queue    *workitems.Service
	notifier *Notifier
	logger   *slog.Logger

	// now is replaceable for tests.
	now func() time.Time

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler.
func New(cfg Config, st *store.Store, engine RunEngine, queue *workitems.Service, notifier *Notifier, logger *slog.Logger) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.MaxConcurrentGlobal <= 0 {
		cfg.MaxConcurrentGlobal = 10
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the loop. The loop body never lets an error escape:
// failures are logged and the next tick proceeds.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		s.logger.Info("scheduler started", "check_interval", s.cfg.CheckInterval)
		for {
			select {
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil {
					s.logger.Error("tick failed", "error", err)
				}
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop exits the loop and waits for in-flight executions to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Tick selects due schedules and either admits or skips each one.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return err
	}

	for _, sched := range due {
		scheduledTime := now
		if sched.NextRunAt != nil {
			scheduledTime = *sched.NextRunAt
		}

		reason, err := s.admissionGates(ctx, sched)
		if err != nil {
			s.logger.Error("gate evaluation failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		if reason != "" {
			if err := s.recordSkip(ctx, sched, scheduledTime, reason); err != nil {
				s.logger.Error("failed to record skip", "schedule_id", sched.ID, "error", err)
			}
			continue
		}

		// Advance next_run_at at admission so the next tick does not
		// re-admit the same due time while this one is running.
		if err := s.advance(ctx, sched, now, false); err != nil {
			s.logger.Error("failed to advance schedule", "schedule_id", sched.ID, "error", err)
			continue
		}

		s.wg.Add(1)
		go func(sched *store.Schedule, scheduledTime time.Time) {
			defer s.wg.Done()
			s.execute(ctx, sched, scheduledTime)
		}(sched, scheduledTime)
	}
	return nil
}

// admissionGates evaluates the gates in order, returning the skip
// reason of the first failing gate or "" on admission.
func (s *Scheduler) admissionGates(ctx context.Context, sched *store.Schedule) (store.SkipReason, error) {
	// Global capacity.
	global, err := s.store.CountRunningExecutions(ctx, "")
	if err != nil {
		return "", err
	}
	if global >= s.cfg.MaxConcurrentGlobal {
		return store.SkipPreviousRunning, nil
	}

	// Per-schedule concurrency.
	running, err := s.store.CountRunningExecutions(ctx, sched.ID)
	if err != nil {
		return "", err
	}
	maxConcurrent := sched.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if running >= maxConcurrent || (sched.SkipIfRunning && running > 0) {
		return store.SkipPreviousRunning, nil
	}

	// Rate limits over the rolling 1h and 24h windows.
	if sched.RateLimitEnabled {
		now := s.now().UTC()
		if sched.RateLimitMaxPerHour > 0 {
			n, err := s.store.CountExecutionsSince(ctx, sched.ID, now.Add(-time.Hour))
			if err != nil {
				return "", err
			}
			if n >= sched.RateLimitMaxPerHour {
				return store.SkipRateLimited, nil
			}
		}
		if sched.RateLimitMaxPerDay > 0 {
			n, err := s.store.CountExecutionsSince(ctx, sched.ID, now.Add(-24*time.Hour))
			if err != nil {
				return "", err
			}
			if n >= sched.RateLimitMaxPerDay {
				return store.SkipRateLimited, nil
			}
		}
	}

	// Dependency on another schedule's latest outcome. A dependency
	// that never executed blocks as well.
	if sched.DependsOnScheduleID != "" {
		latest, err := s.store.LatestScheduleExecution(ctx, sched.DependsOnScheduleID)
		if err != nil {
			if errors.IsNotFound(err) {
				return store.SkipDependencyFailed, nil
			}
			return "", err
		}
		switch {
		case sched.DependencyMode == store.DependencyAfterAny:
			if !latest.Status.Terminal() {
				return store.SkipDependencyFailed, nil
			}
		default: // after_success
			if latest.Status != store.ExecutionStatusCompleted {
				return store.SkipDependencyFailed, nil
			}
		}
	}

	return "", nil
}

// recordSkip emits a SKIPPED execution and advances next_run_at so a
// failing gate does not thrash every tick.
func (s *Scheduler) recordSkip(ctx context.Context, sched *store.Schedule, scheduledTime time.Time, reason store.SkipReason) error {
	now := s.now().UTC()
	exec := &store.ScheduleExecution{
		ID:              uuid.NewString(),
		ScheduleID:      sched.ID,
		ScheduledTime:   scheduledTime,
		ActualStartTime: now,
		ActualEndTime:   &now,
		Status:          store.ExecutionStatusSkipped,
		SkipReason:      reason,
		AttemptNumber:   1,
	}
	if err := s.store.CreateScheduleExecution(ctx, exec); err != nil {
		return err
	}
	s.logger.Info("schedule skipped",
		"schedule_id", sched.ID, "reason", reason)
	return s.advance(ctx, sched, now, false)
}

// advance recomputes next_run_at; terminal additionally stamps
// last_run_at and disables exhausted once schedules.
func (s *Scheduler) advance(ctx context.Context, sched *store.Schedule, after time.Time, terminal bool) error {
	next, err := ComputeNextRun(sched, after)
	if err != nil {
		return err
	}
	sched.NextRunAt = next
	if next == nil {
		sched.Enabled = false
	}
	if terminal {
		t := after
		sched.LastRunAt = &t
	}
	sched.UpdatedAt = s.now().UTC()
	return s.store.UpdateSchedule(ctx, sched)
}

// execute drives one admitted schedule through the retry ladder. Each
// attempt gets its own execution row; a failing attempt with retries
// remaining is parked as RETRYING during the backoff delay and flipped
// to FAILED when the next attempt starts.
func (s *Scheduler) execute(ctx context.Context, sched *store.Schedule, scheduledTime time.Time) {
	maxAttempts := 1
	if sched.RetryEnabled && sched.RetryMaxAttempts > 1 {
		maxAttempts = sched.RetryMaxAttempts
	}

	var parked *store.ScheduleExecution
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		exec := &store.ScheduleExecution{
			ID:              uuid.NewString(),
			ScheduleID:      sched.ID,
			ScheduledTime:   scheduledTime,
			ActualStartTime: s.now().UTC(),
			Status:          store.ExecutionStatusRunning,
			AttemptNumber:   attempt,
		}
		if err := s.store.CreateScheduleExecution(ctx, exec); err != nil {
			s.logger.Error("failed to create execution", "schedule_id", sched.ID, "error", err)
			return
		}
		if parked != nil {
			parked.Status = store.ExecutionStatusFailed
			if err := s.store.UpdateScheduleExecution(ctx, parked); err != nil {
				s.logger.Error("failed to finalize retried execution", "execution_id", parked.ID, "error", err)
			}
			parked = nil
		}

		runErr := s.invokeTarget(ctx, sched, exec)
		end := s.now().UTC()
		exec.ActualEndTime = &end
		dur := end.Sub(exec.ActualStartTime).Milliseconds()
		exec.DurationMillis = &dur

		if runErr == nil {
			exec.Status = store.ExecutionStatusCompleted
			s.finish(ctx, sched, exec)
			return
		}

		exec.ErrorMessage = runErr.Error()
		if attempt < maxAttempts {
			exec.Status = store.ExecutionStatusRetrying
			if err := s.store.UpdateScheduleExecution(ctx, exec); err != nil {
				s.logger.Error("failed to update execution", "execution_id", exec.ID, "error", err)
			}
			parked = exec

			delay := retryDelay(sched, attempt)
			s.logger.Info("schedule attempt failed, retrying",
				"schedule_id", sched.ID, "attempt", attempt, "delay", delay, "error", runErr)
			select {
			case <-time.After(delay):
			case <-s.stop:
				parked.Status = store.ExecutionStatusFailed
				s.store.UpdateScheduleExecution(context.WithoutCancel(ctx), parked)
				return
			case <-ctx.Done():
				parked.Status = store.ExecutionStatusFailed
				s.store.UpdateScheduleExecution(context.WithoutCancel(ctx), parked)
				return
			}
			continue
		}

		exec.Status = store.ExecutionStatusFailed
		s.finish(ctx, sched, exec)
		return
	}
}

// retryDelay computes delay x multiplier^(attempt-1).
func retryDelay(sched *store.Schedule, attempt int) time.Duration {
	base := float64(sched.RetryDelaySeconds)
	if base < 0 {
		base = 0
	}
	mult := sched.RetryBackoffMult
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(base*math.Pow(mult, float64(attempt-1))) * time.Second
}

// finish persists the terminal execution, updates the schedule and
// sends notifications.
func (s *Scheduler) finish(ctx context.Context, sched *store.Schedule, exec *store.ScheduleExecution) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.UpdateScheduleExecution(ctx, exec); err != nil {
		s.logger.Error("failed to finalize execution", "execution_id", exec.ID, "error", err)
	}
	if err := s.advance(ctx, sched, s.now().UTC(), true); err != nil {
		s.logger.Error("failed to advance schedule", "schedule_id", sched.ID, "error", err)
	}

	if s.notifier != nil {
		err := s.notifier.Notify(ctx, sched, exec)
		sent := sched.NotifyOnSuccess && exec.Status == store.ExecutionStatusCompleted ||
			sched.NotifyOnFailure && exec.Status != store.ExecutionStatusCompleted
		if sent {
			exec.NotificationSent = err == nil
			if err != nil {
				exec.NotificationError = err.Error()
				s.logger.Warn("notification failed", "execution_id", exec.ID, "error", err)
			}
			if uerr := s.store.UpdateScheduleExecution(ctx, exec); uerr != nil {
				s.logger.Error("failed to record notification outcome", "execution_id", exec.ID, "error", uerr)
			}
		}
	}
}

// invokeTarget dispatches to the run engine or the work-items queue.
func (s *Scheduler) invokeTarget(ctx context.Context, sched *store.Schedule, exec *store.ScheduleExecution) error {
	if sched.ExecutionMode == store.ExecutionModeWorkItem {
		item, err := s.queue.Seed(ctx, sched.WorkItemQueue, json.RawMessage(sched.InputsJSON))
		if err != nil {
			return err
		}
		exec.WorkItemID = item.ID
		return nil
	}

	action, err := s.store.GetAction(ctx, sched.ActionID)
	if err != nil {
		return err
	}
	pkg, err := s.store.GetActionPackage(ctx, action.ActionPackageID)
	if err != nil {
		return err
	}

	run, err := s.engine.Run(ctx, pkg, action, json.RawMessage(sched.InputsJSON), nil,
		fmt.Sprintf("schedule:%s", sched.ID))
	if run != nil {
		exec.RunID = run.ID
		exec.ResultJSON = run.Result
	}
	if err != nil {
		return err
	}
	if run.Status == store.RunStatusFailed {
		return fmt.Errorf("%s", run.ErrorMessage)
	}
	return nil
}
