// Copyright 2025 Kadir Pekel
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

package observability

import (
	"context"
	"net/http"
	"time"
)

// =============================================================================
// No-op Manager
// =============================================================================

// NoopManager returns a no-operation Manager that does nothing.
// Use this when observability is completely disabled.
func NoopManager() *Manager {
	return &Manager{recorder: NoopRecorder{}}
}

// =============================================================================
// No-op Recorder
// =============================================================================

// NoopRecorder is a Recorder implementation that does nothing.
type NoopRecorder struct{}

// Decision metrics - no-op
func (NoopRecorder) RecordCheck(_ context.Context, _ string, _ bool, _ time.Duration) {}
func (NoopRecorder) RecordDenial(_ context.Context, _, _ string)                      {}
func (NoopRecorder) RecordEvent(_ context.Context, _, _ string)                       {}

// Store metrics - no-op
func (NoopRecorder) RecordStoreOp(_ context.Context, _, _ string, _ time.Duration, _ error) {}
func (NoopRecorder) RecordFailover(_ context.Context, _, _ string)                          {}
func (NoopRecorder) SetStoreHealth(_ context.Context, _ string, _ bool)                     {}

// HTTP metrics - no-op
func (NoopRecorder) RecordHTTPRequest(_, _ string, _ int, _ time.Duration, _, _ int64) {}

// Handler returns a handler that returns 503 Service Unavailable.
func (NoopRecorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

// Ensure implementations satisfy the interface.
var (
	_ Recorder = (*PromRecorder)(nil)
	_ Recorder = NoopRecorder{}
)
