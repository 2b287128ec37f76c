// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package xerror defines the error taxonomy shared by every core subsystem:
// Flow Engine, Coordinator, Model Selector, Unified State, and Agent
// Selector all surface errors through the same Kind + wrapped-cause shape
// so callers can branch on category without type-switching on each
// subsystem's own error types.
package xerror

import (
	"errors"
	"fmt"
)

// Kind categorises an error for retry/propagation policy.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindLocking    Kind = "locking"
	KindVersioning Kind = "versioning"
	KindSecurity   Kind = "security"
	KindExternal   Kind = "external"
	KindInternal   Kind = "internal"
)

// retryable reports whether Kind is ever safely retried automatically.
// Security and Internal are fatal classes and never retried.
func (k Kind) retryable() bool {
	switch k {
	case KindSecurity, KindInternal, KindValidation:
		return false
	default:
		return true
	}
}

// Error is the concrete error type the subsystems return for categorised
// failures (a few helpers, such as state.Validate, return plain errors). It carries a
// Kind, a human message, a retry recommendation, and free-form context for
// inspection by callers or logging.
type Error struct {
	Kind             Kind
	Message          string
	RetryRecommended bool
	Context          map[string]any
	Err              error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an Error with RetryRecommended derived from Kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, RetryRecommended: kind.retryable()}
}

// Wrap constructs an Error around a causal error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, RetryRecommended: kind.retryable(), Err: cause}
}

// WithContext attaches a context entry and returns the same Error for
// chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Validation, NotFound, Locking, Versioning, Security, External, and
// Internal are convenience constructors for the respective Kind.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Locking(format string, args ...any) *Error {
	return New(KindLocking, fmt.Sprintf(format, args...))
}

func Versioning(format string, args ...any) *Error {
	return New(KindVersioning, fmt.Sprintf(format, args...))
}

func Security(format string, args ...any) *Error {
	return New(KindSecurity, fmt.Sprintf(format, args...))
}

func External(format string, args ...any) *Error {
	return New(KindExternal, fmt.Sprintf(format, args...))
}

func Internal(format string, args ...any) *Error {
	return New(KindInternal, fmt.Sprintf(format, args...))
}
