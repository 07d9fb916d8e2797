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

package ratelimit

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrStoreUnavailable is returned when every counter store side has
	// failed for an operation.
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrInvalidKey is returned when a rate limit key is empty or invalid.
	ErrInvalidKey = errors.New("invalid rate limit key")
)

// StoreError wraps a failure from one counter store backend with enough
// context to log and route it.
type StoreError struct {
	// Store names the backend: memory, sql, redis.
	Store string

	// Op is the failed operation: consume, reset, set_block, health, prune.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns the error message.
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Store, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(store, op string, err error) *StoreError {
	return &StoreError{Store: store, Op: op, Err: err}
}

// IsStoreError checks if an error is a StoreError.
func IsStoreError(err error) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	return errors.As(err, &se)
}

// IsStoreUnavailable checks if an error means no store side could serve
// the operation.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// ValidationError represents a configuration or input validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns the validation error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
