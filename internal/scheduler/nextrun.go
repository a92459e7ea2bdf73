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

package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/pkg/errors"
)

// WeekdayConfig is the weekday_config_json payload: days use Monday=0
// through Sunday=6, time is a local "HH:MM".
type WeekdayConfig struct {
	Days []int  `json:"days"`
	Time string `json:"time"`
}

// ComputeNextRun returns the first due time strictly after `after` for
// the schedule, in UTC. Once schedules return nil: they never fire again.
func ComputeNextRun(s *store.Schedule, after time.Time) (*time.Time, error) {
	loc, err := scheduleLocation(s)
	if err != nil {
		return nil, err
	}

	switch s.ScheduleType {
	case store.ScheduleTypeCron:
		spec, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:  "cron_expression",
				Reason: fmt.Sprintf("invalid expression %q", s.CronExpression),
				Cause:  err,
			}
		}
		next := spec.Next(after.In(loc)).UTC()
		return &next, nil

	case store.ScheduleTypeInterval:
		if s.IntervalSeconds <= 0 {
			return nil, &errors.ValidationError{
				Field:  "interval_seconds",
				Reason: "must be positive",
			}
		}
		next := after.Add(time.Duration(s.IntervalSeconds) * time.Second).UTC()
		return &next, nil

	case store.ScheduleTypeWeekday:
		return nextWeekday(s.WeekdayConfigJSON, after, loc)

	case store.ScheduleTypeOnce:
		return nil, nil

	default:
		return nil, &errors.ValidationError{
			Field:  "schedule_type",
			Reason: fmt.Sprintf("unknown type %q", s.ScheduleType),
		}
	}
}

func scheduleLocation(s *store.Schedule) (*time.Location, error) {
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:  "timezone",
			Reason: fmt.Sprintf("unknown timezone %q", tz),
			Cause:  err,
		}
	}
	return loc, nil
}

// nextWeekday finds the next configured (day, time) strictly after
// `after` in the schedule's timezone.
func nextWeekday(configJSON string, after time.Time, loc *time.Location) (*time.Time, error) {
	var cfg WeekdayConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, &errors.ValidationError{
			Field:  "weekday_config_json",
			Reason: "not valid JSON",
			Cause:  err,
		}
	}
	if len(cfg.Days) == 0 {
		return nil, &errors.ValidationError{Field: "weekday_config_json", Reason: "days must not be empty"}
	}

	var hour, minute int
	if _, err := fmt.Sscanf(cfg.Time, "%d:%d", &hour, &minute); err != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, &errors.ValidationError{
			Field:  "weekday_config_json",
			Reason: fmt.Sprintf("invalid time %q, want HH:MM", cfg.Time),
		}
	}

	// Config days are Monday=0; time.Weekday is Sunday=0.
	wanted := make(map[time.Weekday]bool, len(cfg.Days))
	for _, d := range cfg.Days {
		if d < 0 || d > 6 {
			return nil, &errors.ValidationError{
				Field:  "weekday_config_json",
				Reason: fmt.Sprintf("invalid day %d, want 0 (Monday) through 6 (Sunday)", d),
			}
		}
		wanted[time.Weekday((d+1)%7)] = true
	}

	local := after.In(loc)
	for offset := 0; offset < 8; offset++ {
		day := local.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if wanted[candidate.Weekday()] && candidate.After(local) {
			next := candidate.UTC()
			return &next, nil
		}
	}
	// Unreachable: at least one valid day means a hit within 8 days.
	return nil, &errors.ValidationError{Field: "weekday_config_json", Reason: "no next occurrence"}
}
