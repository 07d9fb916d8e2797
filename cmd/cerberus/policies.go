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
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/kadirpekel/cerberus/pkg/policy"
)

// PoliciesCmd groups policy management subcommands.
type PoliciesCmd struct {
	List PoliciesListCmd `cmd:"" default:"1" help:"List effective module policies."`
	Set  PoliciesSetCmd  `cmd:"" help:"Create or update a module policy."`
}

// PoliciesListCmd prints every known policy.
type PoliciesListCmd struct{}

func (c *PoliciesListCmd) Run(cli *CLI) error {
	ctx := context.Background()

	engine, cleanup, err := loadRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	policies, err := engine.Configs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list policies: %w", err)
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].Module < policies[j].Module
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tMAX\tWINDOW\tBLOCK\tWARN\tMODE\tACTIVE\tFAIL_CLOSED")
	for _, p := range policies {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\t%t\t%t\n",
			p.Module, p.MaxRequests, p.Window, p.Block,
			p.WarnThreshold, p.Mode, p.Active, p.FailClosed)
	}
	return w.Flush()
}

// PoliciesSetCmd writes a policy through the engine. Requires a writable
// policy source (policy_source: sql).
type PoliciesSetCmd struct {
	Module string `arg:"" help:"Module the policy applies to."`

	MaxRequests   int           `name:"max-requests" required:"" help:"Requests allowed per window."`
	Window        time.Duration `help:"Counting window." default:"1m"`
	Block         time.Duration `help:"Block duration after exceeding the limit." default:"15m"`
	WarnThreshold int           `name:"warn-threshold" help:"Remaining-count floor that triggers a warning. 0 disables."`
	Mode          string        `help:"Policy mode." enum:"enforce,monitor" default:"enforce"`
	Disabled      bool          `help:"Create the policy inactive (allows all traffic)."`
	FailClosed    bool          `name:"fail-closed" help:"Deny requests when every counter store is down."`
}

func (c *PoliciesSetCmd) Run(cli *CLI) error {
	ctx := context.Background()

	engine, cleanup, err := loadRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	pol := policy.Policy{
		Module:        c.Module,
		MaxRequests:   c.MaxRequests,
		Window:        c.Window,
		Block:         c.Block,
		WarnThreshold: c.WarnThreshold,
		Active:        !c.Disabled,
		Mode:          policy.Mode(c.Mode),
		FailClosed:    c.FailClosed,
	}

	if err := engine.UpdateConfig(ctx, pol); err != nil {
		if errors.Is(err, policy.ErrReadOnly) {
			return errors.New("policy source is read-only (policy_source: config); switch to a sql policy source to edit policies")
		}
		return fmt.Errorf("failed to update policy: %w", err)
	}

	fmt.Printf("Policy %q updated: %d requests per %s (block %s, mode %s).\n",
		c.Module, c.MaxRequests, c.Window, c.Block, c.Mode)
	return nil
}
