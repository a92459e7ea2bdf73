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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/tombee/actiond/internal/store"
	"github.com/tombee/actiond/pkg/errors"
)

// notificationTimeout bounds one outgoing webhook delivery.
const notificationTimeout = 30 * time.Second

// Notification is the outgoing webhook body.
type Notification struct {
	ScheduleID      string  `json:"schedule_id"`
	ScheduleName    string  `json:"schedule_name"`
	ExecutionID     string  `json:"execution_id"`
	Success         bool    `json:"success"`
	Status          string  `json:"status"`
	Error           *string `json:"error"`
	ScheduledTime   string  `json:"scheduled_time"`
	ActualStartTime string  `json:"actual_start_time"`
	DurationMillis  int64   `json:"duration_ms"`
}

// SMTPConfig configures email notifications. A zero Host disables them.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Notifier delivers schedule outcome notifications. Delivery failures
// are reported to the caller for recording but never affect the
// execution's own status.
type Notifier struct {
	client *http.Client
	smtp   SMTPConfig
	logger *slog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(smtp SMTPConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: notificationTimeout},
		smtp:   smtp,
		logger: logger,
	}
}

// Notify sends the configured channels for one terminal execution.
// The returned error aggregates delivery failures.
func (n *Notifier) Notify(ctx context.Context, s *store.Schedule, exec *store.ScheduleExecution) error {
	success := exec.Status == store.ExecutionStatusCompleted
	if success && !s.NotifyOnSuccess {
		return nil
	}
	if !success && !s.NotifyOnFailure {
		return nil
	}

	body := buildNotification(s, exec)

	var failures []string
	if s.NotificationWebhook != "" {
		if err := n.postWebhook(ctx, s.NotificationWebhook, body); err != nil {
			failures = append(failures, fmt.Sprintf("webhook: %v", err))
		}
	}
	if s.NotificationEmail != "" {
		if err := n.sendEmail(s.NotificationEmail, body); err != nil {
			failures = append(failures, fmt.Sprintf("email: %v", err))
		}
	}

	if len(failures) > 0 {
		return &errors.TransportError{
			Target: "notification",
			Cause:  fmt.Errorf("%s", strings.Join(failures, "; ")),
		}
	}
	return nil
}

func buildNotification(s *store.Schedule, exec *store.ScheduleExecution) *Notification {
	status := "completed"
	var errMsg *string
	if exec.Status != store.ExecutionStatusCompleted {
		status = "failed"
		if exec.ErrorMessage != "" {
			msg := exec.ErrorMessage
			errMsg = &msg
		}
	}
	var duration int64
	if exec.DurationMillis != nil {
		duration = *exec.DurationMillis
	}
	return &Notification{
		ScheduleID:      s.ID,
		ScheduleName:    s.Name,
		ExecutionID:     exec.ID,
		Success:         exec.Status == store.ExecutionStatusCompleted,
		Status:          status,
		Error:           errMsg,
		ScheduledTime:   exec.ScheduledTime.UTC().Format(time.RFC3339),
		ActualStartTime: exec.ActualStartTime.UTC().Format(time.RFC3339),
		DurationMillis:  duration,
	}
}

func (n *Notifier) postWebhook(ctx context.Context, url string, body *Notification) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, notificationTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) sendEmail(to string, body *Notification) error {
	if n.smtp.Host == "" {
		return fmt.Errorf("smtp is not configured")
	}

	subject := fmt.Sprintf("Schedule %s %s", body.ScheduleName, body.Status)
	text := fmt.Sprintf(
		"Schedule: %s\r\nExecution: %s\r\nStatus: %s\r\nStarted: %s\r\nDuration: %dms\r\n",
		body.ScheduleName, body.ExecutionID, body.Status, body.ActualStartTime, body.DurationMillis)
	if body.Error != nil {
		text += fmt.Sprintf("Error: %s\r\n", *body.Error)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		n.smtp.From, to, subject, text)

	addr := fmt.Sprintf("%s:%d", n.smtp.Host, n.smtp.Port)
	var auth smtp.Auth
	if n.smtp.Username != "" {
		auth = smtp.PlainAuth("", n.smtp.Username, n.smtp.Password, n.smtp.Host)
	}
	return smtp.SendMail(addr, auth, n.smtp.From, []string{to}, []byte(msg))
}
