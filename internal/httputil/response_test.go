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

package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/actiond/pkg/errors"
)

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusNotFound, "run not found: run-1")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "run not found: run-1", body["message"])
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &errors.ValidationError{Reason: "bad input"}, http.StatusUnprocessableEntity},
		{"not found", &errors.NotFoundError{Kind: "action", ID: "a"}, http.StatusNotFound},
		{"auth", &errors.AuthError{Reason: "missing key"}, http.StatusForbidden},
		{"rate limit", &errors.RateLimitError{Subject: "trigger t"}, http.StatusTooManyRequests},
		{"environment", &errors.EnvironmentBuildError{Package: "p"}, http.StatusServiceUnavailable},
		{"worker", &errors.WorkerError{Reason: "crash"}, http.StatusInternalServerError},
		{"wrapped validation", errors.Wrap(&errors.ValidationError{Reason: "x"}, "handling request"), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFromError(tt.err))
		})
	}
}
