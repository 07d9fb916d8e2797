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

	"github.com/kadirpekel/cerberus/pkg/config"
)

// Janitor periodically prunes expired counter rows so durable stores do
// not grow without bound. A row is pruned only when both its window and
// any block stamp ended before the retention cutoff; blocks themselves
// live in the registry and are never pruned.
type Janitor struct {
	store     CounterStore
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewJanitor creates a janitor for the given store.
func NewJanitor(store CounterStore, cfg config.JanitorConfig) *Janitor {
	return &Janitor{
		store:     store,
		interval:  cfg.Interval.Duration(),
		retention: cfg.Retention.Duration(),
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("Counter janitor started",
		"interval", j.interval, "retention", j.retention)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Counter janitor stopped")
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("Counter prune failed", "error", err)
			}
		}
	}
}

// Sweep prunes once, immediately, and returns the number of rows removed.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	pruned, err := j.store.PruneExpired(ctx, j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		j.logger.Info("Pruned expired counters", "count", pruned)
	}
	return pruned, nil
}
