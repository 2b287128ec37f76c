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

// Package flow implements the Flow Engine: a block-graph interpreter
// that drives a UnifiedState through a registered flow until the graph
// terminates, the state requests input, or an error propagates.
package flow

import "time"

// BlockType tags a block's variant.
type BlockType string

const (
	BlockAwaitInput        BlockType = "await_input"
	BlockAgentInteraction  BlockType = "agent_interaction"
	BlockLLMProcessing     BlockType = "llm_processing"
	BlockTaskExecution     BlockType = "task_execution"
	BlockCompute           BlockType = "compute"
	BlockConditional       BlockType = "conditional"
	BlockParallelExecution BlockType = "parallel_execution"
	BlockTryCatch          BlockType = "try_catch"
	BlockDisplay           BlockType = "display"
	BlockExternalFetch     BlockType = "external_fetch"
	BlockDynamicFunction   BlockType = "dynamic_function"
	BlockTerminate         BlockType = "terminate"
)

// BlockDefinition is one node of a flow graph: an id, its variant, and
// an opaque property bag interpreted by that variant's handler.
type BlockDefinition struct {
	ID         string
	Type       BlockType
	Properties map[string]any
}

// FlowDefinition is an immutable, registered block graph.
type FlowDefinition struct {
	ID           string
	Name         string
	StartBlockID string
	Blocks       []BlockDefinition
	InitialState map[string]any
}

// Binder is the per-flow routing table materialised at registration:
// the start block, a static next-block connector per block, per-block
// weights, and per-block metadata.
type Binder struct {
	FlowID      string
	StartBlock  string
	Connections map[string]string
	Weights     map[string]float64
	Metadata    map[string]any
}

func newBinder(flowID, startBlock string) *Binder {
	return &Binder{
		FlowID:      flowID,
		StartBlock:  startBlock,
		Connections: make(map[string]string),
		Weights:     make(map[string]float64),
		Metadata:    make(map[string]any),
	}
}

// ResultKind tags the BlockResult variant a handler returns.
type ResultKind string

const (
	ResultSuccess            ResultKind = "success"
	ResultFailure            ResultKind = "failure"
	ResultNavigate           ResultKind = "navigate"
	ResultMove               ResultKind = "move"
	ResultFetchExternalData  ResultKind = "fetch_external_data"
	ResultExecuteFunction    ResultKind = "execute_function"
	ResultAwaitInput         ResultKind = "await_input"
	ResultAwaitChoice        ResultKind = "await_choice"
	ResultTerminate          ResultKind = "terminate"
)

// BlockResult is the declarative outcome a Handler returns; the Engine
// interprets it centrally (including any external side effect, like an
// HTTP fetch or a dynamic-function call).
type BlockResult struct {
	Kind ResultKind

	Value    any    // Success
	ErrorMsg string // Failure

	Target     string // Navigate/Move/next_block
	Priority   int    // Navigate/FetchExternalData/ExecuteFunction
	IsOverride bool

	URL       string // FetchExternalData
	DataPath  string
	OutputKey string

	FunctionName string // ExecuteFunction
	Args         map[string]any

	Prompt   string // AwaitInput/AwaitChoice
	StateKey string
	Question string
	Options  []any
}

// Success wraps a computed value as the block's result.
func Success(value any) BlockResult { return BlockResult{Kind: ResultSuccess, Value: value} }

// Failure reports a block-local error message.
func Failure(msg string) BlockResult { return BlockResult{Kind: ResultFailure, ErrorMsg: msg} }

// Navigate requests a cursor move, optionally overriding the binder's
// static connector.
func Navigate(target string, priority int, isOverride bool) BlockResult {
	return BlockResult{Kind: ResultNavigate, Target: target, Priority: priority, IsOverride: isOverride}
}

// Move unconditionally sets the next block.
func Move(target string) BlockResult { return BlockResult{Kind: ResultMove, Target: target} }

// FetchExternalData requests the engine perform a validated HTTPS GET.
func FetchExternalData(url, dataPath, outputKey, next string, priority int, isOverride bool) BlockResult {
	return BlockResult{
		Kind: ResultFetchExternalData, URL: url, DataPath: dataPath, OutputKey: outputKey,
		Target: next, Priority: priority, IsOverride: isOverride,
	}
}

// ExecuteFunction requests the engine dispatch a Dynamic Function
// Registry call.
func ExecuteFunction(name string, args map[string]any, outputKey, next string, priority int, isOverride bool) BlockResult {
	return BlockResult{
		Kind: ResultExecuteFunction, FunctionName: name, Args: args, OutputKey: outputKey,
		Target: next, Priority: priority, IsOverride: isOverride,
	}
}

// AwaitInput suspends the flow pending a single input value.
func AwaitInput(prompt, stateKey string) BlockResult {
	return BlockResult{Kind: ResultAwaitInput, Prompt: prompt, StateKey: stateKey}
}

// AwaitChoice suspends the flow pending a choice among options.
func AwaitChoice(question string, options []any, stateKey string) BlockResult {
	return BlockResult{Kind: ResultAwaitChoice, Question: question, Options: options, StateKey: stateKey}
}

// Terminate ends the flow.
func Terminate() BlockResult { return BlockResult{Kind: ResultTerminate} }

// SecurityConfig governs the engine's External Fetch client.
type SecurityConfig struct {
	AllowedSchemes  []string
	AllowedHosts    []string // empty means no host allowlist
	RequestTimeout  time.Duration
	ConnectTimeout  time.Duration
	RedirectLimit   int
}

// DefaultSecurityConfig matches spec.md §6's defaults.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		AllowedSchemes: []string{"https"},
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		RedirectLimit:  3,
	}
}

// EngineMetrics accumulates cumulative processing statistics across
// every processed flow.
type EngineMetrics struct {
	ProcessingTime  time.Duration
	BlocksProcessed int
	FunctionCalls   map[string]int64
	VersionHistory  []string
	LastReload      time.Time
}
