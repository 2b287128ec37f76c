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

package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/orchestrator/pkg/agentselect"
	"github.com/kestrelrun/orchestrator/pkg/flow"
	"github.com/kestrelrun/orchestrator/pkg/state"
)

type stubDirectory struct{ agents []agentselect.Agent }

func (d stubDirectory) ListActive() []agentselect.Agent { return d.agents }

type stubAgentDirectory struct{ agents map[string]agentselect.Agent }

func (d stubAgentDirectory) GetAgent(id string) (agentselect.Agent, error) {
	a, ok := d.agents[id]
	if !ok {
		return agentselect.Agent{}, assert.AnError
	}
	return a, nil
}

type stubInvoker struct{ fn func(ctx context.Context, agentID string, interaction InteractionType, params map[string]any) (any, error) }

func (s stubInvoker) Invoke(ctx context.Context, agentID string, interaction InteractionType, params map[string]any) (any, error) {
	return s.fn(ctx, agentID, interaction, params)
}

type stubLLM struct{}

func (stubLLM) ProcessText(_ context.Context, input string) (string, error) { return input, nil }
func (stubLLM) GenerateResponse(_ context.Context, prompt string) (string, error) {
	return "reply:" + prompt, nil
}
func (stubLLM) GenerateStructuredResponse(_ context.Context, _, _ string) (map[string]any, error) {
	return map[string]any{}, nil
}

type stubTasks struct{ result any }

func (s stubTasks) Enqueue(_ context.Context, _ TaskDefinition) (TaskHandle, error) {
	return TaskHandle("h1"), nil
}
func (s stubTasks) Wait(_ context.Context, _ TaskHandle, _ TaskCompletionCriteria) (any, error) {
	return s.result, nil
}

func testAgent(id string) agentselect.Agent {
	return agentselect.Agent{
		ID:         id,
		Status:     agentselect.StatusAvailable,
		Capability: agentselect.Capability{Strengths: []string{"research"}},
	}
}

func newSelector(agents ...agentselect.Agent) *agentselect.Selector {
	cfg := agentselect.Config{Weights: agentselect.Weights{Capability: 1, Tag: 1, Performance: 1, Availability: 1}}
	return agentselect.New(cfg, stubDirectory{agents: agents})
}

func TestInitialiseRefusesUnboundBlockTypes(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, nil)

	require.NoError(t, e.RegisterFlow(flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "ask_agent",
		Blocks:       []flow.BlockDefinition{{ID: "ask_agent", Type: flow.BlockAgentInteraction}},
	}))

	st := newFlowState()
	assert.Error(t, e.ProcessFlow(context.Background(), "f1", st))
}

func TestExecuteFlowAgentInteractionBySelector(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	selector := newSelector(testAgent("agent-1"))
	invoker := stubInvoker{fn: func(_ context.Context, agentID string, _ InteractionType, _ map[string]any) (any, error) {
		return "handled by " + agentID, nil
	}}
	c.Initialise(selector, nil, invoker, nil, nil)

	status, err := c.ExecuteFlow(context.Background(), flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "ask_agent",
		Blocks: []flow.BlockDefinition{
			{ID: "ask_agent", Type: flow.BlockAgentInteraction, Properties: map[string]any{
				"required_capabilities": []any{"research"},
				"output_key":            "agent_output",
				"next_block":            "done",
			}},
			{ID: "done", Type: flow.BlockTerminate},
		},
	}, "user1", "op1", "chan1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Kind)

	out, ok := status.FinalState.GetData("agent_output")
	require.True(t, ok)
	assert.Equal(t, "handled by agent-1", out)
}

func TestExecuteFlowAgentInteractionBySelectByID(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	directory := stubAgentDirectory{agents: map[string]agentselect.Agent{"agent-42": testAgent("agent-42")}}
	invoker := stubInvoker{fn: func(_ context.Context, agentID string, _ InteractionType, _ map[string]any) (any, error) {
		return "direct:" + agentID, nil
	}}
	c.Initialise(newSelector(), directory, invoker, nil, nil)

	status, err := c.ExecuteFlow(context.Background(), flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "ask_agent",
		Blocks: []flow.BlockDefinition{
			{ID: "ask_agent", Type: flow.BlockAgentInteraction, Properties: map[string]any{
				"selector_mode": string(SelectByID),
				"agent_id":      "agent-42",
				"output_key":    "agent_output",
				"next_block":    "done",
			}},
			{ID: "done", Type: flow.BlockTerminate},
		},
	}, "user1", "op1", "chan1", nil)
	require.NoError(t, err)

	out, ok := status.FinalState.GetData("agent_output")
	require.True(t, ok)
	assert.Equal(t, "direct:agent-42", out)
}

func TestExecuteFlowLLMProcessing(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, stubLLM{}, nil)

	status, err := c.ExecuteFlow(context.Background(), flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "ask_llm",
		Blocks: []flow.BlockDefinition{
			{ID: "ask_llm", Type: flow.BlockLLMProcessing, Properties: map[string]any{
				"prompt_template": "summarise {{topic}}",
				"output_key":      "summary",
				"next_block":      "done",
			}},
			{ID: "done", Type: flow.BlockTerminate},
		},
	}, "user1", "op1", "chan1", map[string]any{"topic": "flows"})
	require.NoError(t, err)

	out, ok := status.FinalState.GetData("summary")
	require.True(t, ok)
	assert.Equal(t, "reply:summarise flows", out)
}

func TestExecuteFlowTaskExecution(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, stubTasks{result: "task done"})

	status, err := c.ExecuteFlow(context.Background(), flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "do_task",
		Blocks: []flow.BlockDefinition{
			{ID: "do_task", Type: flow.BlockTaskExecution, Properties: map[string]any{
				"task_name":  "extract",
				"output_key": "task_output",
				"next_block": "done",
			}},
			{ID: "done", Type: flow.BlockTerminate},
		},
	}, "user1", "op1", "chan1", nil)
	require.NoError(t, err)

	out, ok := status.FinalState.GetData("task_output")
	require.True(t, ok)
	assert.Equal(t, "task done", out)
}

func TestComputeAndConditionalRouting(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, nil)

	require.NoError(t, e.RegisterFlow(flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "add",
		Blocks: []flow.BlockDefinition{
			{ID: "add", Type: flow.BlockCompute, Properties: map[string]any{"expression": "2 + 3", "output_key": "total", "next_block": "check"}},
			{ID: "check", Type: flow.BlockConditional, Properties: map[string]any{"expression": "total > 4", "true_block": "big", "false_block": "small"}},
			{ID: "big", Type: flow.BlockTerminate},
			{ID: "small", Type: flow.BlockTerminate},
		},
	}))

	st := newFlowState()
	require.NoError(t, e.ProcessFlow(context.Background(), "f1", st))

	total, ok := st.GetData("total")
	require.True(t, ok)
	assert.InDelta(t, 5.0, total, 0.001)
}

func TestComputeDivisionByZero(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, nil)

	require.NoError(t, e.RegisterFlow(flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "div",
		Blocks:       []flow.BlockDefinition{{ID: "div", Type: flow.BlockCompute, Properties: map[string]any{"expression": "1 / 0"}}},
	}))

	st := newFlowState()
	assert.Error(t, e.ProcessFlow(context.Background(), "f1", st))
}

func TestParallelExecutionWaitAllMergesAllBranches(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, nil)

	require.NoError(t, e.RegisterFlow(flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "fanout",
		Blocks: []flow.BlockDefinition{
			{ID: "fanout", Type: flow.BlockParallelExecution, Properties: map[string]any{
				"branch_blocks": []any{"branch_a", "branch_b"},
				"merge_policy":  string(MergeWaitAll),
				"next_block":    "done",
			}},
			{ID: "branch_a", Type: flow.BlockCompute, Properties: map[string]any{"expression": "1 + 1", "output_key": "a_result"}},
			{ID: "branch_b", Type: flow.BlockCompute, Properties: map[string]any{"expression": "2 + 2", "output_key": "b_result"}},
			{ID: "done", Type: flow.BlockTerminate},
		},
	}))

	st := newFlowState()
	require.NoError(t, e.ProcessFlow(context.Background(), "f1", st))

	a, ok := st.GetData("a_result")
	require.True(t, ok)
	assert.InDelta(t, 2.0, a, 0.001)
	b, ok := st.GetData("b_result")
	require.True(t, ok)
	assert.InDelta(t, 4.0, b, 0.001)
}

func TestParallelExecutionRequiresBranches(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, nil)

	require.NoError(t, e.RegisterFlow(flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "fanout",
		Blocks:       []flow.BlockDefinition{{ID: "fanout", Type: flow.BlockParallelExecution}},
	}))

	st := newFlowState()
	assert.Error(t, e.ProcessFlow(context.Background(), "f1", st))
}

func TestTryCatchTransfersOnError(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, nil)

	require.NoError(t, e.RegisterFlow(flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "guarded",
		Blocks: []flow.BlockDefinition{
			{ID: "guarded", Type: flow.BlockTryCatch, Properties: map[string]any{"try_block_id": "risky", "catch_block_id": "handled"}},
			{ID: "risky", Type: flow.BlockCompute, Properties: map[string]any{"expression": "1 / 0"}},
			{ID: "handled", Type: flow.BlockTerminate},
		},
	}))

	st := newFlowState()
	require.NoError(t, e.ProcessFlow(context.Background(), "f1", st))

	msg, ok := st.GetData("error")
	require.True(t, ok)
	assert.Contains(t, msg.(string), "division by zero")
}

func TestTryCatchFallsThroughOnSuccess(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, nil)

	require.NoError(t, e.RegisterFlow(flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "guarded",
		Blocks: []flow.BlockDefinition{
			{ID: "guarded", Type: flow.BlockTryCatch, Properties: map[string]any{"try_block_id": "safe", "catch_block_id": "handled", "next_block": "after"}},
			{ID: "safe", Type: flow.BlockCompute, Properties: map[string]any{"expression": "1 + 1", "output_key": "safe_result"}},
			{ID: "handled", Type: flow.BlockTerminate},
			{ID: "after", Type: flow.BlockTerminate},
		},
	}))

	st := newFlowState()
	require.NoError(t, e.ProcessFlow(context.Background(), "f1", st))

	v, ok := st.GetData("safe_result")
	require.True(t, ok)
	assert.InDelta(t, 2.0, v, 0.001)
}

func TestResumeSessionReturnsCompletedIdempotently(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, nil)

	status, err := c.ExecuteFlow(context.Background(), flow.FlowDefinition{
		ID:           "f1",
		StartBlockID: "done",
		Blocks:       []flow.BlockDefinition{{ID: "done", Type: flow.BlockTerminate}},
	}, "user1", "op1", "chan1", nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status.Kind)

	again, err := c.ResumeSession(context.Background(), status.SessionID, "ignored")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Kind)
}

func TestResumeSessionUnknownSessionFails(t *testing.T) {
	e := flow.New(nil)
	c := New(e)
	c.Initialise(nil, nil, nil, nil, nil)

	_, err := c.ResumeSession(context.Background(), "missing", "x")
	assert.Error(t, err)
}

func newFlowState() *state.State { return state.New("user1", "op1", "chan1") }
