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

package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/cerberus/pkg/observability"
)

// EventType classifies a crossing.
type EventType string

const (
	// EventLimit marks the call that pushed a counter past its budget.
	EventLimit EventType = "limit"

	// EventWarn marks the call that crossed the warning threshold.
	EventWarn EventType = "warn"
)

// Severity grades an event. Enforce-mode limit crossings are critical;
// monitor-mode crossings and warning-threshold crossings are warnings.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one block or warning crossing handed to the recorder. It
// carries only privacy-safe identity: raw email and IP values are reduced
// to keyed hashes, prefixes, and domains before the event is built.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Severity    Severity  `json:"severity"`
	Key         string    `json:"key"`
	Module      string    `json:"module"`
	Count       int64     `json:"count"`
	MaxRequests int64     `json:"max_requests"`
	Remaining   int64     `json:"remaining"`
	Timestamp   time.Time `json:"timestamp"`

	// BlockedUntil is set on enforce-mode limit crossings.
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`

	// Privacy-safe identity facets of the actor.
	UserID      string `json:"user_id,omitempty"`
	EmailHash   string `json:"email_hash,omitempty"`
	IPHash      string `json:"ip_hash,omitempty"`
	IPPrefix    string `json:"ip_prefix,omitempty"`
	MailDomain  string `json:"mail_domain,omitempty"`
	HashVersion int    `json:"hash_version,omitempty"`
}

// Recorder receives block and warning crossing events. Implementations
// must be safe for concurrent use and should not block the decision path.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, ev Event)

// Record calls the function.
func (f RecorderFunc) Record(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// NopRecorder discards events.
type NopRecorder struct{}

// Record does nothing.
func (NopRecorder) Record(context.Context, Event) {}

// SlogRecorder logs events through the process logger. Critical events log
// at Warn, the rest at Info.
type SlogRecorder struct {
	// Logger to use; nil means slog.Default().
	Logger *slog.Logger
}

// Record logs the event.
func (r SlogRecorder) Record(ctx context.Context, ev Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelInfo
	if ev.Severity == SeverityCritical {
		level = slog.LevelWarn
	}

	attrs := []any{
		"event_id", ev.ID,
		"type", string(ev.Type),
		"severity", string(ev.Severity),
		"key", ev.Key,
		"module", ev.Module,
		"count", ev.Count,
		"max_requests", ev.MaxRequests,
		"remaining", ev.Remaining,
	}
	if ev.BlockedUntil != nil {
		attrs = append(attrs, "blocked_until", ev.BlockedUntil.Format(time.RFC3339))
	}
	if ev.HashVersion > 0 {
		attrs = append(attrs, "hash_version", ev.HashVersion)
	}

	logger.Log(ctx, level, "Rate limit crossing", attrs...)
}

// MultiRecorder fans an event out to several recorders in order.
type MultiRecorder []Recorder

// Record forwards the event to every recorder.
func (m MultiRecorder) Record(ctx context.Context, ev Event) {
	for _, r := range m {
		r.Record(ctx, ev)
	}
}

// MetricsRecorder bridges crossings into the observability counters.
type MetricsRecorder struct {
	metrics observability.Recorder
}

// NewMetricsRecorder creates a recorder that counts events by module and
// type.
func NewMetricsRecorder(metrics observability.Recorder) MetricsRecorder {
	return MetricsRecorder{metrics: metrics}
}

// Record counts the event.
func (r MetricsRecorder) Record(ctx context.Context, ev Event) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordEvent(ctx, ev.Module, string(ev.Type))
}
