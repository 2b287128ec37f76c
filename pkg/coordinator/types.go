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

// Package coordinator implements the Orchestration Coordinator: it owns
// flow sessions, adapts agent/LLM/task service surfaces onto the Flow
// Engine's block-type registry, and mediates parallel branches and
// try/catch control transfer.
package coordinator

import (
	"context"
	"time"

	"github.com/kestrelrun/orchestrator/pkg/agentselect"
	"github.com/kestrelrun/orchestrator/pkg/state"
)

// SelectorMode chooses how AgentInteraction resolves its target agent.
type SelectorMode string

const (
	SelectByID         SelectorMode = "by_id"
	SelectByCapability SelectorMode = "by_capability"
	SelectByRole       SelectorMode = "by_role"
	SelectAuto         SelectorMode = "auto"
)

// InteractionType tags the shape of an AgentInteraction call.
type InteractionType string

const (
	InteractionQuery      InteractionType = "query"
	InteractionAnalysis   InteractionType = "analysis"
	InteractionDelegation InteractionType = "delegation"
	InteractionFeedback   InteractionType = "feedback"
)

// MergeKind tags a ParallelExecution merge policy.
type MergeKind string

const (
	MergeWaitAll MergeKind = "wait_all"
	MergeWaitAny MergeKind = "wait_any"
	MergeWaitN   MergeKind = "wait_n"
	MergeBestOf  MergeKind = "best_of"
)

// StatusKind tags an ExecutionStatus variant.
type StatusKind string

const (
	StatusRunning       StatusKind = "running"
	StatusAwaitingInput StatusKind = "awaiting_input"
	StatusCompleted     StatusKind = "completed"
)

// ExecutionStatus is the Coordinator's public result for execute_flow /
// resume_session.
type ExecutionStatus struct {
	Kind StatusKind

	SessionID     string
	InteractionID string
	AgentID       string
	Prompt        string

	FinalState *state.State
}

// AgentInvoker performs the actual agent call once the Coordinator has
// resolved which agent to use. The Coordinator never talks to an agent
// runtime directly — it mediates through this and through
// agentselect.Selector's scoring.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID string, interaction InteractionType, params map[string]any) (any, error)
}

// AgentDirectory resolves an agent by id, for SelectByID.
type AgentDirectory interface {
	GetAgent(id string) (agentselect.Agent, error)
}

// LLMClient is the abstract LLM interface spec.md §6 names: process_text,
// generate_response, generate_structured_response.
type LLMClient interface {
	ProcessText(ctx context.Context, input string) (string, error)
	GenerateResponse(ctx context.Context, prompt string) (string, error)
	GenerateStructuredResponse(ctx context.Context, system, user string) (map[string]any, error)
}

// TaskHandle identifies an enqueued task for TaskSystem.Wait.
type TaskHandle string

// TaskDefinition is what TaskExecution enqueues.
type TaskDefinition struct {
	Name       string
	Parameters map[string]any
	Resources  map[string]any
}

// TaskCompletionCriteria bounds how long TaskExecution waits and what
// counts as success or failure.
type TaskCompletionCriteria struct {
	SuccessConditions []string
	FailureConditions []string
	Timeout           time.Duration
}

// TaskSystem is the abstract task-execution collaborator.
type TaskSystem interface {
	Enqueue(ctx context.Context, def TaskDefinition) (TaskHandle, error)
	Wait(ctx context.Context, handle TaskHandle, criteria TaskCompletionCriteria) (any, error)
}

// FlowSession is a running or suspended flow instance.
type FlowSession struct {
	SessionID string
	FlowID    string
	State     *state.State
	Status    ExecutionStatus
}
