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

package config

import "fmt"

// PrivacyConfig configures identity hashing.
//
// Secrets are versioned so they can be rotated without invalidating stored
// hashes: new digests use the active version, matching checks every version.
// Secrets should come from the environment, e.g.:
//
//	privacy:
//	  active_version: 2
//	  secrets:
//	    - version: 1
//	      secret: ${HASH_SECRET_V1}
//	    - version: 2
//	      secret: ${HASH_SECRET_V2}
type PrivacyConfig struct {
	// Secrets lists all hash secrets, one per version.
	Secrets []HashSecretConfig `yaml:"secrets" json:"secrets"`

	// ActiveVersion selects the secret used for new digests.
	// Default: the highest configured version.
	ActiveVersion int `yaml:"active_version,omitempty" json:"active_version,omitempty"`
}

// HashSecretConfig is one versioned hash secret.
type HashSecretConfig struct {
	Version int    `yaml:"version" json:"version" jsonschema:"title=Version,description=Secret version number,minimum=1"`
	Secret  string `yaml:"secret" json:"secret" jsonschema:"title=Secret,description=Keyed hash secret (use env expansion)"`
}

// SetDefaults applies default values to the privacy config.
func (c *PrivacyConfig) SetDefaults() {
	if c.ActiveVersion == 0 {
		for _, s := range c.Secrets {
			if s.Version > c.ActiveVersion {
				c.ActiveVersion = s.Version
			}
		}
	}
}

// Validate checks the privacy configuration.
func (c *PrivacyConfig) Validate() error {
	if len(c.Secrets) == 0 {
		return fmt.Errorf("privacy.secrets requires at least one entry")
	}

	seen := make(map[int]bool, len(c.Secrets))
	for i, s := range c.Secrets {
		if s.Version <= 0 {
			return fmt.Errorf("privacy.secrets[%d].version must be positive", i)
		}
		if s.Secret == "" {
			return fmt.Errorf("privacy.secrets[%d].secret is required", i)
		}
		if seen[s.Version] {
			return fmt.Errorf("privacy.secrets[%d] duplicates version %d", i, s.Version)
		}
		seen[s.Version] = true
	}

	if !seen[c.ActiveVersion] {
		return fmt.Errorf("privacy.active_version %d has no matching secret", c.ActiveVersion)
	}

	return nil
}

// SecretMap returns the secrets keyed by version.
func (c *PrivacyConfig) SecretMap() map[int]string {
	m := make(map[int]string, len(c.Secrets))
	for _, s := range c.Secrets {
		m[s.Version] = s.Secret
	}
	return m
}
