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

// Package httputil provides shared HTTP response helpers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/actiond/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes the error envelope {"message": ...} with the given status.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"message": message,
	})
}

// WriteErrorFrom maps an error to its HTTP status and writes the envelope.
func WriteErrorFrom(w http.ResponseWriter, err error) {
	WriteError(w, StatusFromError(err), err.Error())
}

// StatusFromError maps the error taxonomy to HTTP status codes:
// validation 422, not found 404, auth 403, rate limit 429, environment
// build 503, everything else 500.
func StatusFromError(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsAuth(err):
		return http.StatusForbidden
	case errors.IsRateLimit(err):
		return http.StatusTooManyRequests
	case errors.IsEnvironmentBuild(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
