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

package flow

import (
	"context"

	"github.com/kestrelrun/orchestrator/pkg/state"
)

// Handler processes one block and returns a BlockResult. External
// fetches and dynamic-function calls are not made by a handler: it
// returns FetchExternalData or ExecuteFunction and the Engine's central
// dispatch loop performs the call. A handler may otherwise read and
// write state and call its own collaborators, as the Coordinator's
// agent, LLM and task adapters do.
type Handler interface {
	Process(ctx context.Context, block BlockDefinition, st *state.State, binder *Binder) (BlockResult, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, block BlockDefinition, st *state.State, binder *Binder) (BlockResult, error)

// Process implements Handler.
func (f HandlerFunc) Process(ctx context.Context, block BlockDefinition, st *state.State, binder *Binder) (BlockResult, error) {
	return f(ctx, block, st, binder)
}

// Registry maps a BlockType to the Handler that processes it. The
// Engine pre-populates it with built-in handlers for the block types
// that need no external wiring (AwaitInput, Display, ExternalFetch,
// DynamicFunction, Terminate); a Coordinator registers adapters for the
// richer orchestration types (AgentInteraction, LLMProcessing,
// TaskExecution, Compute, Conditional, ParallelExecution, TryCatch).
type Registry struct {
	handlers map[BlockType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[BlockType]Handler)}
}

// Register binds a Handler to a BlockType, replacing any prior binding.
func (r *Registry) Register(t BlockType, h Handler) {
	r.handlers[t] = h
}

// Lookup returns the Handler bound to t, if any.
func (r *Registry) Lookup(t BlockType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}
