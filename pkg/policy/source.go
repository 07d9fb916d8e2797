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
	"errors"
)

// ErrReadOnly is returned by Store on sources that cannot persist updates.
var ErrReadOnly = errors.New("policy source is read-only")

// Source loads policies from a backing store.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Load returns the policy for a module. found is false when no entry
	// exists; that is not an error.
	Load(ctx context.Context, module string) (p Policy, found bool, err error)

	// LoadAll returns every stored policy, ordered by module name.
	LoadAll(ctx context.Context) ([]Policy, error)

	// Store persists a policy, replacing any existing entry for the same
	// module. Read-only sources return ErrReadOnly.
	Store(ctx context.Context, p Policy) error
}
