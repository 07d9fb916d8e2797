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
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/cerberus/pkg/config"
)

// SchemaCmd generates JSON Schema from the config structs. Output goes to
// stdout so it can be redirected into editor tooling or CI validation.
type SchemaCmd struct {
	// Compact enables compact JSON output (no indentation)
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		// Disallow additional properties for strict validation
		AllowAdditionalProperties: false,
		// Inline all definitions (no $ref) for wider tooling compatibility
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://cerberus.dev/schemas/config.json"
	schema.Title = "Cerberus Configuration Schema"
	schema.Description = "Complete configuration schema for the Cerberus rate limiting service"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"version": "1",
			"name":    "cerberus",
			"privacy": map[string]interface{}{
				"secrets": []interface{}{
					map[string]interface{}{
						"version": 1,
						"secret":  "${CERBERUS_HASH_SECRET}",
					},
				},
			},
			"rate_limits": map[string]interface{}{
				"policies": map[string]interface{}{
					"login": map[string]interface{}{
						"max_requests": 5,
						"window":       "1m",
						"block":        "15m",
					},
				},
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}

	return nil
}
