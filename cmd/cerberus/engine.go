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

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/cerberus/pkg/config"
	"github.com/kadirpekel/cerberus/pkg/observability"
	"github.com/kadirpekel/cerberus/pkg/ratelimit"
)

// loadRuntime builds an engine from the config file for one-shot commands
// (check, reset, policies). The returned cleanup closes the engine's store,
// registry and database pool.
func loadRuntime(ctx context.Context, cli *CLI) (*ratelimit.Engine, func(), error) {
	if cli.Config == "" {
		return nil, nil, errors.New("no config file specified (use --config)")
	}

	_ = config.LoadDotEnvForConfig(cli.Config)

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	pool := config.NewDBPool()

	engine, err := ratelimit.NewEngineFromConfig(ctx, cfg, pool, observability.NoopRecorder{})
	if err != nil {
		_ = pool.Close()
		_ = loader.Close()
		return nil, nil, fmt.Errorf("failed to build rate limit engine: %w", err)
	}
	if engine == nil {
		_ = pool.Close()
		_ = loader.Close()
		return nil, nil, errors.New("rate limiting is disabled in configuration")
	}

	cleanup := func() {
		_ = engine.Store().Close()
		_ = engine.Registry().Close()
		_ = pool.Close()
		_ = loader.Close()
	}
	return engine, cleanup, nil
}
