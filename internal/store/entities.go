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

import "time"

// RunStatus represents the state of a run.
// State machine: NOT_RUN -> RUNNING -> {PASSED, FAILED}.
type RunStatus string

const (
	RunStatusNotRun  RunStatus = "NOT_RUN"
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusPassed  RunStatus = "PASSED"
	RunStatusFailed  RunStatus = "FAILED"
)

// Terminal reports whether the status is terminal.
func (s RunStatus) Terminal() bool {
	return s == RunStatusPassed || s == RunStatusFailed
}

// ActionKind classifies how an action is exposed.
type ActionKind string

const (
	ActionKindAction   ActionKind = "action"
	ActionKindQuery    ActionKind = "query"
	ActionKindPredict  ActionKind = "predict"
	ActionKindTool     ActionKind = "tool"
	ActionKindPrompt   ActionKind = "prompt"
	ActionKindResource ActionKind = "resource"
)

// ActionPackage is a directory with a manifest declaring dependencies
// and containing one or more actions.
type ActionPackage struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Directory       string `json:"directory"`
	EnvironmentHash string `json:"environment_hash"`
	EnvJSON         string `json:"env_json"`
}

// Action is a user-authored procedure published by a package.
// Disabling never deletes: runs keep valid foreign keys across re-imports.
type Action struct {
	ID              string     `json:"id"`
	ActionPackageID string     `json:"action_package_id"`
	Name            string     `json:"name"`
	Docs            string     `json:"docs"`
	File            string     `json:"file"`
	LineNo          int        `json:"lineno"`
	InputSchema     string     `json:"input_schema"`
	OutputSchema    string     `json:"output_schema"`
	ManagedParams   string     `json:"managed_params_json"`
	IsConsequential *bool      `json:"is_consequential,omitempty"`
	Enabled         bool       `json:"enabled"`
	Kind            ActionKind `json:"kind"`
}

// RunType distinguishes action runs from legacy robot runs.
type RunType string

const (
	RunTypeAction RunType = "action"
	RunTypeRobot  RunType = "robot"
)

// Run is one invocation of an action with persisted inputs, outputs,
// artifacts and state. Immutable after reaching a terminal status.
type Run struct {
	ID                   string    `json:"id"`
	NumberedID           int64     `json:"numbered_id"`
	Status               RunStatus `json:"status"`
	ActionID             string    `json:"action_id"`
	StartTime            time.Time `json:"start_time"`
	RunTime              float64   `json:"run_time"`
	Inputs               string    `json:"inputs"`
	Result               string    `json:"result"`
	ErrorMessage         string    `json:"error_message"`
	RelativeArtifactsDir string    `json:"relative_artifacts_dir"`
	RequestID            string    `json:"request_id"`
	RunType              RunType   `json:"run_type"`
}

// ScheduleType selects the due-time computation rule.
type ScheduleType string

const (
	ScheduleTypeCron     ScheduleType = "cron"
	ScheduleTypeInterval ScheduleType = "interval"
	ScheduleTypeWeekday  ScheduleType = "weekday"
	ScheduleTypeOnce     ScheduleType = "once"
)

// ExecutionMode selects where an automated invocation lands.
type ExecutionMode string

const (
	ExecutionModeRun      ExecutionMode = "run"
	ExecutionModeWorkItem ExecutionMode = "work_item"
)

// DependencyMode gates a schedule on another schedule's outcome.
type DependencyMode string

const (
	DependencyAfterSuccess DependencyMode = "after_success"
	DependencyAfterAny     DependencyMode = "after_any"
)

// Schedule is a stored description of when to auto-create runs or work items.
type Schedule struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	Enabled               bool           `json:"enabled"`
	ScheduleType          ScheduleType   `json:"schedule_type"`
	CronExpression        string         `json:"cron_expression,omitempty"`
	IntervalSeconds       int64          `json:"interval_seconds,omitempty"`
	WeekdayConfigJSON     string         `json:"weekday_config_json,omitempty"`
	Timezone              string         `json:"timezone"`
	NextRunAt             *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt             *time.Time     `json:"last_run_at,omitempty"`
	Priority              int            `json:"priority"`
	ActionID              string         `json:"action_id"`
	InputsJSON            string         `json:"inputs_json"`
	ExecutionMode         ExecutionMode  `json:"execution_mode"`
	WorkItemQueue         string         `json:"work_item_queue,omitempty"`
	MaxConcurrent         int            `json:"max_concurrent"`
	SkipIfRunning         bool           `json:"skip_if_running"`
	DependsOnScheduleID   string         `json:"depends_on_schedule_id,omitempty"`
	DependencyMode        DependencyMode `json:"dependency_mode,omitempty"`
	RetryEnabled          bool           `json:"retry_enabled"`
	RetryMaxAttempts      int            `json:"retry_max_attempts"`
	RetryDelaySeconds     int            `json:"retry_delay_seconds"`
	RetryBackoffMult      float64        `json:"retry_backoff_multiplier"`
	RateLimitEnabled      bool           `json:"rate_limit_enabled"`
	RateLimitMaxPerHour   int            `json:"rate_limit_max_per_hour"`
	RateLimitMaxPerDay    int            `json:"rate_limit_max_per_day"`
	NotifyOnSuccess       bool           `json:"notify_on_success"`
	NotifyOnFailure       bool           `json:"notify_on_failure"`
	NotificationWebhook   string         `json:"notification_webhook_url,omitempty"`
	NotificationEmail     string         `json:"notification_email,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// ExecutionStatus represents the state of a schedule execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusRetrying  ExecutionStatus = "RETRYING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusSkipped   ExecutionStatus = "SKIPPED"
)

// Terminal reports whether the execution status is terminal.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusSkipped
}

// SkipReason explains a SKIPPED schedule execution.
type SkipReason string

const (
	SkipPreviousRunning  SkipReason = "PREVIOUS_RUNNING"
	SkipRateLimited      SkipReason = "RATE_LIMITED"
	SkipDependencyFailed SkipReason = "DEPENDENCY_FAILED"
)

// ScheduleExecution is a single past or ongoing attempt of a schedule.
// Never mutated after reaching a terminal status.
type ScheduleExecution struct {
	ID                string          `json:"id"`
	ScheduleID        string          `json:"schedule_id"`
	RunID             string          `json:"run_id,omitempty"`
	WorkItemID        string          `json:"work_item_id,omitempty"`
	ScheduledTime     time.Time       `json:"scheduled_time"`
	ActualStartTime   time.Time       `json:"actual_start_time"`
	ActualEndTime     *time.Time      `json:"actual_end_time,omitempty"`
	DurationMillis    *int64          `json:"duration_ms,omitempty"`
	Status            ExecutionStatus `json:"status"`
	SkipReason        SkipReason      `json:"skip_reason,omitempty"`
	AttemptNumber     int             `json:"attempt_number"`
	ResultJSON        string          `json:"result_json,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	NotificationSent  bool            `json:"notification_sent"`
	NotificationError string          `json:"notification_error,omitempty"`
}

// Trigger is a webhook endpoint that converts an incoming HTTP request
// into a run or a work item.
type Trigger struct {
	ID                    string        `json:"id"`
	Name                  string        `json:"name"`
	Enabled               bool          `json:"enabled"`
	ActionID              string        `json:"action_id"`
	ExecutionMode         ExecutionMode `json:"execution_mode"`
	WorkItemQueue         string        `json:"work_item_queue,omitempty"`
	InputsTemplateJSON    string        `json:"inputs_template_json"`
	WebhookSecret         string        `json:"-"`
	RateLimitEnabled      bool          `json:"rate_limit_enabled"`
	RateLimitMaxPerMinute int           `json:"rate_limit_max_per_minute"`
	LastTriggeredAt       *time.Time    `json:"last_triggered_at,omitempty"`
	TriggerCount          int64         `json:"trigger_count"`
}

// InvocationStatus represents the outcome of a webhook delivery.
type InvocationStatus string

const (
	InvocationAccepted    InvocationStatus = "ACCEPTED"
	InvocationRejected    InvocationStatus = "REJECTED"
	InvocationRateLimited InvocationStatus = "RATE_LIMITED"
	InvocationError       InvocationStatus = "ERROR"
)

// TriggerInvocation is a logged incoming webhook call and its outcome.
type TriggerInvocation struct {
	ID           string           `json:"id"`
	TriggerID    string           `json:"trigger_id"`
	InvokedAt    time.Time        `json:"invoked_at"`
	SourceIP     string           `json:"source_ip"`
	PayloadJSON  string           `json:"payload_json"`
	HeadersJSON  string           `json:"headers_json"`
	Status       InvocationStatus `json:"status"`
	RunID        string           `json:"run_id,omitempty"`
	WorkItemID   string           `json:"work_item_id,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// WorkItemState represents the state of a queued work item.
// State machine: PENDING -> IN_PROGRESS -> {DONE, FAILED}.
type WorkItemState string

const (
	WorkItemPending    WorkItemState = "PENDING"
	WorkItemInProgress WorkItemState = "IN_PROGRESS"
	WorkItemDone       WorkItemState = "DONE"
	WorkItemFailed     WorkItemState = "FAILED"
)

// WorkItem is a persistent queue entry processed by a consumer action.
type WorkItem struct {
	ID               string        `json:"id"`
	QueueName        string        `json:"queue_name"`
	State            WorkItemState `json:"state"`
	PayloadJSON      string        `json:"payload_json"`
	CreatedAt        time.Time     `json:"created_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	FinishedAt       *time.Time    `json:"finished_at,omitempty"`
	LeaseOwner       string        `json:"lease_owner,omitempty"`
	Attempts         int           `json:"attempts"`
	ExceptionType    string        `json:"exception_type,omitempty"`
	ExceptionCode    string        `json:"exception_code,omitempty"`
	ExceptionMessage string        `json:"exception_message,omitempty"`
}

// QueueStats summarizes a work-item queue.
type QueueStats struct {
	QueueName  string `json:"queue_name"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
	Done       int    `json:"done"`
	Failed     int    `json:"failed"`
}
