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

package policy

import (
	"context"
	"sort"

	"github.com/kadirpekel/cerberus/pkg/config"
)

// StaticSource serves policies straight from the loaded configuration.
// It is read-only: administrative updates require the SQL source.
type StaticSource struct {
	policies map[string]Policy
}

// NewStaticSource builds a source from validated config entries.
func NewStaticSource(policies map[string]*config.PolicyConfig) *StaticSource {
	m := make(map[string]Policy, len(policies))
	for module, c := range policies {
		if c == nil {
			continue
		}
		m[module] = FromConfig(module, c)
	}
	return &StaticSource{policies: m}
}

// Load returns the configured policy for a module.
func (s *StaticSource) Load(ctx context.Context, module string) (Policy, bool, error) {
	p, ok := s.policies[module]
	return p, ok, nil
}

// LoadAll returns every configured policy, ordered by module name.
func (s *StaticSource) LoadAll(ctx context.Context) ([]Policy, error) {
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

// Store always fails: config-backed policies change via the config file.
func (s *StaticSource) Store(ctx context.Context, p Policy) error {
	return ErrReadOnly
}

// Ensure StaticSource implements Source
var _ Source = (*StaticSource)(nil)
