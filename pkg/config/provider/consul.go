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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulProvider loads config from a Consul KV key and watches it with
// blocking queries.
type ConsulProvider struct {
	client *api.Client
	key    string
}

// NewConsulProvider creates a provider backed by Consul KV.
// The first endpoint is used as the agent address; an empty endpoint list
// falls back to the standard CONSUL_HTTP_ADDR environment handling.
func NewConsulProvider(endpoints []string, key string) (*ConsulProvider, error) {
	if key == "" {
		return nil, fmt.Errorf("consul key is required")
	}

	cfg := api.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &ConsulProvider{client: client, key: key}, nil
}

// Type returns TypeConsul.
func (p *ConsulProvider) Type() Type {
	return TypeConsul
}

// Load reads the config key from Consul KV.
func (p *ConsulProvider) Load(ctx context.Context) ([]byte, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	pair, _, err := p.client.KV().Get(p.key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read consul key %s: %w", p.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s does not exist", p.key)
	}
	return pair.Value, nil
}

// Watch polls the key with Consul blocking queries and signals on change.
func (p *ConsulProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, ch)
	slog.Info("Watching consul key", "key", p.key)
	return ch, nil
}

func (p *ConsulProvider) watchLoop(ctx context.Context, ch chan<- struct{}) {
	defer close(ch)

	var lastIndex uint64
	for {
		opts := (&api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		}).WithContext(ctx)

		pair, meta, err := p.client.KV().Get(p.key, opts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("Consul watch error", "key", p.key, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if pair == nil {
			slog.Warn("Consul key missing during watch", "key", p.key)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// First call just establishes the baseline index.
		if lastIndex != 0 && meta.LastIndex != lastIndex {
			select {
			case ch <- struct{}{}:
				slog.Debug("Consul key changed", "key", p.key)
			default:
			}
		}

		// Index can reset if Consul restarts; restart the blocking query.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
		} else {
			lastIndex = meta.LastIndex
		}
	}
}

// Close releases resources. The Consul client has no close method.
func (p *ConsulProvider) Close() error {
	return nil
}

// Ensure ConsulProvider implements Provider
var _ Provider = (*ConsulProvider)(nil)
