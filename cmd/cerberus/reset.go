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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/kadirpekel/cerberus/pkg/ratelimit"
)

// ResetCmd zeroes counters and lifts blocks. An empty key with an empty
// module is a full wipe, which requires interactive confirmation or --yes.
type ResetCmd struct {
	Key    string `arg:"" optional:"" help:"Rate limit key to reset. Empty resets every key."`
	Module string `help:"Restrict the reset to one module."`

	KeyType string `help:"How to treat the key: opaque, email, or ip." enum:"opaque,email,ip" default:"opaque"`
	Email   string `help:"Email facet; lifts blocks matching this email."`
	IP      string `help:"IP facet; lifts blocks matching this IP."`

	Yes bool `short:"y" help:"Skip the confirmation prompt."`
}

func (c *ResetCmd) Run(cli *CLI) error {
	ctx := context.Background()

	// Without a key or module the counter reset wipes every counter,
	// facet flags notwithstanding (facets only narrow the block lift).
	wildcard := c.Key == "" && c.Module == ""
	if wildcard && !c.Yes {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("refusing to reset all counters without --yes")
		}
		fmt.Print("This resets ALL counters. Type 'reset' to confirm: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(line) != "reset" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	engine, cleanup, err := loadRuntime(ctx, cli)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := ratelimit.Options{
		KeyType:   ratelimit.ParseKeyType(c.KeyType),
		Email:     c.Email,
		IPAddress: c.IP,
	}

	if err := engine.ResetLimits(ctx, c.Key, c.Module, opts); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	switch {
	case wildcard && c.Email == "" && c.IP == "":
		fmt.Println("Reset all counters and lifted all blocks.")
	case wildcard:
		fmt.Println("Reset all counters and lifted blocks matching the given facets.")
	case c.Key == "":
		fmt.Printf("Reset counters and lifted blocks for module %q.\n", c.Module)
	default:
		fmt.Printf("Reset counters and lifted blocks for key %q.\n", c.Key)
	}
	return nil
}
