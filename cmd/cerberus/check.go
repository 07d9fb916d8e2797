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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kadirpekel/cerberus/pkg/ratelimit"
)

// CheckCmd runs a single rate limit decision against the configured stores.
// By default the call is a peek and does not consume quota; pass --consume
// to increment the counter like real traffic would.
type CheckCmd struct {
	Key    string `arg:"" help:"Rate limit key (user ID, email, IP, composite)."`
	Module string `arg:"" help:"Module the decision is for (e.g. login, signup)."`

	KeyType string `help:"How to treat the key: opaque, email, or ip." enum:"opaque,email,ip" default:"opaque"`
	UserID  string `name:"user-id" help:"User ID facet for block matching."`
	Email   string `help:"Email facet for block matching (hashed before storage)."`
	IP      string `help:"IP facet for block matching (hashed before storage)."`

	Consume bool `help:"Consume quota instead of peeking."`
	JSON    bool `help:"Print the raw decision as JSON."`
}

func (c *CheckCmd) Run(cli *CLI) error {
	ctx := context.Background()

	engine, cleanup, err := loadRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	increment := c.Consume
	opts := ratelimit.Options{
		Increment: &increment,
		KeyType:   ratelimit.ParseKeyType(c.KeyType),
		UserID:    c.UserID,
		Email:     c.Email,
		IPAddress: c.IP,
	}

	result, err := engine.CheckLimit(ctx, c.Key, c.Module, opts)
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printDecision(result)
	return nil
}

func printDecision(result *ratelimit.Result) {
	if result.Allowed {
		fmt.Println("Decision:  allowed")
	} else {
		fmt.Printf("Decision:  denied (%s)\n", result.Reason)
	}
	fmt.Printf("Count:     %d/%d\n", result.Count, result.MaxRequests)
	fmt.Printf("Remaining: %d\n", result.Remaining)
	if !result.ResetTime.IsZero() {
		fmt.Printf("Resets:    %s (in %s)\n",
			result.ResetTime.Format(time.RFC3339),
			time.Until(result.ResetTime).Round(time.Second))
	}
	if result.Blocked {
		if result.BlockedUntil != nil {
			fmt.Printf("Blocked:   until %s\n", result.BlockedUntil.Format(time.RFC3339))
		} else {
			fmt.Println("Blocked:   permanently")
		}
	}
	if result.Warning != nil {
		fmt.Printf("Warning:   %d remaining (threshold %d)\n",
			result.Warning.Remaining, result.Warning.Threshold)
	}
	if result.Degraded {
		fmt.Println("Degraded:  decision made without counter state")
	}
}
