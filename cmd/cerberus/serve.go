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
	"github.com/kadirpekel/cerberus/pkg/server"
)

// ServeCmd starts the decision and admin server.
type ServeCmd struct {
	Host  string `help:"Host to bind to (overrides config)."`
	Port  int    `help:"Port to listen on (overrides config)."`
	Watch bool   `help:"Watch config file for changes and reload."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx := context.Background()

	if cli.Config == "" {
		return errors.New("no config file specified (use --config)")
	}

	_ = config.LoadDotEnvForConfig(cli.Config)

	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer loader.Close()

	// The config file's logging section applies unless CLI flags or
	// environment variables already configured logging.
	if !loggingOverriddenByCLI(cli) {
		cleanup, err := initLoggerFromConfig(&cfg.Logging)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}
	}

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	opts := server.Options{Config: cfg}
	if c.Watch {
		opts.ConfigLoader = loader
	}

	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	printServeInfo(srv, cfg)

	// Blocks until SIGINT/SIGTERM or a fatal runtime error.
	return srv.Wait()
}

func printServeInfo(srv *server.Server, cfg *config.Config) {
	redColor := "\033[38;2;220;38;38m"
	resetColor := "\033[0m"
	addr := srv.Addr()

	fmt.Printf("\n%sCerberus ready!%s\n", redColor, resetColor)
	fmt.Printf("   Decisions:   http://%s/v1/check\n", addr)
	fmt.Printf("   Health:      http://%s/health\n", addr)
	if cfg.Observability != nil && cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s/metrics\n", addr)
	}
	if cfg.Server.IsAdminEnabled() {
		fmt.Printf("   Admin:       http://%s/v1/policies, /v1/blocks, /v1/reset\n", addr)
	} else {
		fmt.Printf("   Admin:       disabled\n")
	}

	stores := cfg.RateLimit.Stores
	if stores.Secondary != "" {
		fmt.Printf("   Counters:    %s (failover: %s)\n", stores.Primary, stores.Secondary)
	} else {
		fmt.Printf("   Counters:    %s\n", stores.Primary)
	}
	fmt.Printf("   Blocks:      %s\n", cfg.RateLimit.Blocks.Backend)
	fmt.Printf("   Policies:    %s", cfg.RateLimit.PolicySource)
	if cfg.RateLimit.PolicySource == config.PolicySourceConfig {
		fmt.Printf(" (read-only)")
	}
	fmt.Println()
	fmt.Println("\nPress Ctrl+C to stop")
}
