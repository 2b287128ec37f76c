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

// Package function implements the Dynamic Function Registry: compiles
// user-supplied source into callable objects, versions them, hot-reloads,
// and executes them under gas and timeout caps.
package function

import "time"

// Signature describes a callable's expected argument and return shape.
// Names are informational; the registry does not check call arguments
// against it.
type Signature struct {
	Params  []string `json:"params"`
	Returns string   `json:"returns,omitempty"`
}

// Metadata declares safety caps and provenance for a registered function.
type Metadata struct {
	Description          string        `json:"description,omitempty"`
	GasLimit              uint64        `json:"gas_limit,omitempty"`
	ExecutionTimeoutSecs  uint64        `json:"execution_timeout_secs,omitempty"`
	CompilationGasLimit   uint64        `json:"compilation_gas_limit,omitempty"`
	CompilationTimeoutSec uint64        `json:"compilation_timeout_secs,omitempty"`
	Sandboxed             bool          `json:"sandboxed,omitempty"`
	Tags                  []string      `json:"tags,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
}

func (m Metadata) timeout() time.Duration {
	if m.ExecutionTimeoutSecs == 0 {
		return 5 * time.Second
	}
	return time.Duration(m.ExecutionTimeoutSecs) * time.Second
}

// Callable is a compiled, invocable function. The IR interpreter
// (irProgram) and the sandbox RPC client both satisfy it.
type Callable interface {
	Call(args map[string]any) (any, error)
}

// Version is one entry in a function's version history.
type Version struct {
	Token     string    `json:"token"`
	Source    string    `json:"source,omitempty"`
	Signature Signature `json:"signature"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// entry is the live, registered binding for a function id.
type entry struct {
	id        string
	current   Callable
	version   Version
	history   []Version
	callCount int64
}
