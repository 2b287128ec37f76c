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
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelrun/orchestrator/pkg/agentselect"
	"github.com/kestrelrun/orchestrator/pkg/flow"
	"github.com/kestrelrun/orchestrator/pkg/state"
	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// Coordinator owns flow sessions and registers block adapters into a
// flow.Engine's handler registry for whichever services it was
// initialised with.
type Coordinator struct {
	mu       sync.RWMutex
	engine   *flow.Engine
	sessions map[string]*FlowSession

	selector  *agentselect.Selector
	directory AgentDirectory
	invoker   AgentInvoker
	llm       LLMClient
	tasks     TaskSystem
}

// New creates a Coordinator bound to engine. Call Initialise to wire
// the optional agent/LLM/task collaborators before executing flows.
func New(engine *flow.Engine) *Coordinator {
	return &Coordinator{
		engine:   engine,
		sessions: make(map[string]*FlowSession),
	}
}

// Initialise binds the Coordinator's collaborators and registers a
// handler for each block type whose backing service is non-nil. A block
// type left unbound has no handler in the engine's registry, so
// flow.Engine.ProcessFlow will refuse any flow that reaches it with a
// descriptive "no handler registered" error — this is the Coordinator's
// "refuses blocks whose adapter is absent" behaviour.
func (c *Coordinator) Initialise(selector *agentselect.Selector, directory AgentDirectory, invoker AgentInvoker, llm LLMClient, tasks TaskSystem) {
	c.mu.Lock()
	c.selector, c.directory, c.invoker, c.llm, c.tasks = selector, directory, invoker, llm, tasks
	c.mu.Unlock()

	reg := c.engine.Handlers()

	if selector != nil && invoker != nil {
		reg.Register(flow.BlockAgentInteraction, flow.HandlerFunc(c.agentInteractionHandler))
	}
	if llm != nil {
		reg.Register(flow.BlockLLMProcessing, flow.HandlerFunc(c.llmProcessingHandler))
	}
	if tasks != nil {
		reg.Register(flow.BlockTaskExecution, flow.HandlerFunc(c.taskExecutionHandler))
	}
	reg.Register(flow.BlockCompute, flow.HandlerFunc(c.computeHandler))
	reg.Register(flow.BlockConditional, flow.HandlerFunc(c.conditionalHandler))
	reg.Register(flow.BlockParallelExecution, flow.HandlerFunc(c.parallelExecutionHandler))
	reg.Register(flow.BlockTryCatch, flow.HandlerFunc(c.tryCatchHandler))
}

// ExecuteFlow registers def (replacing any earlier registration under
// the same id) and starts a new session for it, driving it until
// suspension, completion, or error. A def that fails validation is
// returned as an error and no session is started.
func (c *Coordinator) ExecuteFlow(ctx context.Context, def flow.FlowDefinition, userID, operatorID, channelID string, initialState map[string]any) (ExecutionStatus, error) {
	if err := c.engine.RegisterFlow(def); err != nil {
		return ExecutionStatus{}, err
	}

	st := state.New(userID, operatorID, channelID)
	for k, v := range initialState {
		st.SetData(k, v)
	}

	sessionID := uuid.NewString()
	session := &FlowSession{SessionID: sessionID, FlowID: def.ID, State: st}

	c.mu.Lock()
	c.sessions[sessionID] = session
	c.mu.Unlock()

	return c.drive(ctx, session)
}

// ResumeSession restores a suspended session with input and continues
// it. A session already reporting Completed returns Completed again
// without any side effect, per spec.md §8's monotonic-completion
// property.
func (c *Coordinator) ResumeSession(ctx context.Context, sessionID string, input any) (ExecutionStatus, error) {
	c.mu.RLock()
	session, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return ExecutionStatus{}, xerror.NotFound("coordinator: session %q not found", sessionID)
	}
	if session.Status.Kind == StatusCompleted {
		return session.Status, nil
	}

	if err := c.engine.ResumeFlow(ctx, session.FlowID, session.State, input); err != nil {
		return ExecutionStatus{}, err
	}
	status := c.statusFor(session)
	c.mu.Lock()
	session.Status = status
	c.mu.Unlock()
	return status, nil
}

func (c *Coordinator) drive(ctx context.Context, session *FlowSession) (ExecutionStatus, error) {
	if err := c.engine.ProcessFlow(ctx, session.FlowID, session.State); err != nil {
		return ExecutionStatus{}, err
	}
	status := c.statusFor(session)
	c.mu.Lock()
	session.Status = status
	c.mu.Unlock()
	return status, nil
}

func (c *Coordinator) statusFor(session *FlowSession) ExecutionStatus {
	st := session.State
	if v, _ := st.GetData("awaiting_input"); v == true {
		prompt, _ := st.GetData("prompt")
		stateKey, _ := st.GetData("state_key")
		status := ExecutionStatus{
			Kind:          StatusAwaitingInput,
			SessionID:     session.SessionID,
			InteractionID: fmt.Sprintf("%v", stateKey),
			Prompt:        fmt.Sprintf("%v", prompt),
			FinalState:    st,
		}
		return status
	}
	return ExecutionStatus{Kind: StatusCompleted, SessionID: session.SessionID, FinalState: st}
}

// DebugResourceState reports a coarse snapshot of active sessions, for
// operational inspection.
func (c *Coordinator) DebugResourceState() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byStatus := map[StatusKind]int{}
	for _, s := range c.sessions {
		byStatus[s.Status.Kind]++
	}
	return map[string]any{
		"active_sessions": len(c.sessions),
		"by_status":       byStatus,
	}
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

func substitute(template string, st *state.State) string {
	return templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		sub := templateVarPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		v := resolvePath(sub[1], st)
		if v == nil {
			return match
		}
		return fmt.Sprintf("%v", v)
	})
}

func substituteParams(params map[string]any, st *state.State) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = substitute(s, st)
			continue
		}
		out[k] = v
	}
	return out
}

// agentInteractionHandler resolves a target agent per the block's
// selector_mode (by_id, by_capability, by_role, auto), invokes it, and
// stores the result at metadata.output_key.
func (c *Coordinator) agentInteractionHandler(ctx context.Context, block flow.BlockDefinition, st *state.State, _ *flow.Binder) (flow.BlockResult, error) {
	mode := SelectorMode(stringProp(block.Properties, "selector_mode", string(SelectAuto)))
	interaction := InteractionType(stringProp(block.Properties, "interaction_type", string(InteractionQuery)))
	outputKey := stringProp(block.Properties, "output_key", "agent_output")

	params, _ := block.Properties["parameters"].(map[string]any)
	resolvedParams := substituteParams(params, st)

	agentID, err := c.resolveAgent(mode, block.Properties)
	if err != nil {
		return flow.BlockResult{}, err
	}

	var invoke agentselect.Invoker = func(id string, input any) (any, error) {
		p, _ := input.(map[string]any)
		return c.invoker.Invoke(ctx, id, interaction, p)
	}

	var result any
	if agentID != "" {
		result, err = c.invoker.Invoke(ctx, agentID, interaction, resolvedParams)
	} else {
		criteria := criteriaFromProperties(block.Properties)
		var ir agentselect.InteractionResult
		ir, err = c.selector.Interact(criteria, resolvedParams, invoke)
		result = ir.Result
	}
	if err != nil {
		return flow.BlockResult{}, err
	}

	st.SetData(outputKey, result)
	return flow.Success(result), nil
}

func (c *Coordinator) resolveAgent(mode SelectorMode, props map[string]any) (string, error) {
	if mode != SelectByID {
		return "", nil
	}
	agentID, _ := props["agent_id"].(string)
	if agentID == "" {
		return "", xerror.Validation("coordinator: agent_interaction: selector_mode by_id requires agent_id")
	}
	if c.directory == nil {
		return "", xerror.Validation("coordinator: agent_interaction: by_id selection requires a directory")
	}
	if _, err := c.directory.GetAgent(agentID); err != nil {
		return "", err
	}
	return agentID, nil
}

func criteriaFromProperties(props map[string]any) agentselect.Criteria {
	c := agentselect.Criteria{}
	if caps, ok := props["required_capabilities"].([]any); ok {
		for _, v := range caps {
			if s, ok := v.(string); ok {
				c.RequiredCapabilities = append(c.RequiredCapabilities, s)
			}
		}
	}
	if tags, ok := props["preferred_tags"].([]any); ok {
		for _, v := range tags {
			if s, ok := v.(string); ok {
				c.PreferredTags = append(c.PreferredTags, s)
			}
		}
	}
	if role, ok := props["role"].(string); ok && role != "" {
		c.RequiredCapabilities = append(c.RequiredCapabilities, role)
	}
	c.ExcludeBusy, _ = props["exclude_busy"].(bool)
	if mct, ok := props["max_concurrent_tasks"].(float64); ok {
		c.MaxConcurrentTasks = int(mct)
	}
	return c
}

// llmProcessingHandler renders prompt_template, calls the LLM, and
// stores the response at output_key.
func (c *Coordinator) llmProcessingHandler(ctx context.Context, block flow.BlockDefinition, st *state.State, _ *flow.Binder) (flow.BlockResult, error) {
	template := stringProp(block.Properties, "prompt_template", "")
	outputKey := stringProp(block.Properties, "output_key", "llm_output")

	prompt := substitute(template, st)
	text, err := c.llm.GenerateResponse(ctx, prompt)
	if err != nil {
		return flow.BlockResult{}, xerror.Wrap(xerror.KindExternal, "coordinator: llm_processing failed", err)
	}
	st.SetData(outputKey, text)
	return flow.Success(text), nil
}

// taskExecutionHandler enqueues a task and waits for its completion
// criteria, storing the result at output_key.
func (c *Coordinator) taskExecutionHandler(ctx context.Context, block flow.BlockDefinition, st *state.State, _ *flow.Binder) (flow.BlockResult, error) {
	name := stringProp(block.Properties, "task_name", "")
	outputKey := stringProp(block.Properties, "output_key", "task_output")
	params, _ := block.Properties["parameters"].(map[string]any)
	timeoutMs, _ := block.Properties["timeout_ms"].(float64)
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	successConds := stringSliceProp(block.Properties, "success_conditions")
	failureConds := stringSliceProp(block.Properties, "failure_conditions")

	handle, err := c.tasks.Enqueue(ctx, TaskDefinition{Name: name, Parameters: substituteParams(params, st)})
	if err != nil {
		return flow.BlockResult{}, xerror.Wrap(xerror.KindExternal, "coordinator: task_execution: enqueue failed", err)
	}
	result, err := c.tasks.Wait(ctx, handle, TaskCompletionCriteria{SuccessConditions: successConds, FailureConditions: failureConds, Timeout: timeout})
	if err != nil {
		return flow.BlockResult{}, xerror.Wrap(xerror.KindExternal, "coordinator: task_execution: wait failed", err)
	}
	st.SetData(outputKey, result)
	return flow.Success(result), nil
}

// computeHandler evaluates a constrained expression and stores it at
// output_key.
func (c *Coordinator) computeHandler(_ context.Context, block flow.BlockDefinition, st *state.State, _ *flow.Binder) (flow.BlockResult, error) {
	expr := stringProp(block.Properties, "expression", "")
	outputKey := stringProp(block.Properties, "output_key", "compute_output")

	val, err := evaluateCompute(expr, st)
	if err != nil {
		return flow.BlockResult{}, err
	}
	st.SetData(outputKey, val)
	return flow.Success(val), nil
}

// conditionalHandler evaluates a boolean expression and dispatches
// true_block or false_block.
func (c *Coordinator) conditionalHandler(_ context.Context, block flow.BlockDefinition, st *state.State, _ *flow.Binder) (flow.BlockResult, error) {
	expr := stringProp(block.Properties, "expression", "")
	trueBlock := stringProp(block.Properties, "true_block", "")
	falseBlock := stringProp(block.Properties, "false_block", "")

	cond, err := evaluateConditional(expr, st)
	if err != nil {
		return flow.BlockResult{}, err
	}
	if cond {
		return flow.Move(trueBlock), nil
	}
	return flow.Move(falseBlock), nil
}

// parallelExecutionHandler fans out to branch_blocks, each dispatched
// once against a forked copy of state sharing the parent's snapshot;
// branch writes are merged back only for branches counted as successful
// under the configured merge policy.
func (c *Coordinator) parallelExecutionHandler(ctx context.Context, block flow.BlockDefinition, st *state.State, binder *flow.Binder) (flow.BlockResult, error) {
	branchIDs := stringSliceProp(block.Properties, "branch_blocks")
	if len(branchIDs) == 0 {
		return flow.BlockResult{}, xerror.Validation("coordinator: parallel_execution: block %q has no branch_blocks", block.ID)
	}
	mergeKind := MergeKind(stringProp(block.Properties, "merge_policy", string(MergeWaitAll)))
	waitN, _ := block.Properties["wait_n"].(float64)
	timeoutMs, _ := block.Properties["timeout_ms"].(float64)
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	next, _ := block.Properties["next_block"].(string)

	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type branchResult struct {
		id    string
		state *state.State
		err   error
	}
	results := make(chan branchResult, len(branchIDs))
	for _, id := range branchIDs {
		id := id
		forked := forkState(st)
		go func() {
			_, _, _, err := c.engine.ProcessBlock(bctx, binder.FlowID, id, forked)
			results <- branchResult{id: id, state: forked, err: err}
		}()
	}

	succeeded := make([]branchResult, 0, len(branchIDs))
	var firstErr error
	for i := 0; i < len(branchIDs); i++ {
		r := <-results
		if r.err == nil {
			succeeded = append(succeeded, r)
		} else if firstErr == nil {
			firstErr = r.err
		}
		if mergeKind == MergeWaitAny && len(succeeded) >= 1 {
			break
		}
		if mergeKind == MergeWaitN && len(succeeded) >= int(waitN) {
			break
		}
	}

	if len(succeeded) == 0 {
		if firstErr != nil {
			return flow.BlockResult{}, firstErr
		}
		return flow.BlockResult{}, xerror.External("coordinator: parallel_execution: block %q: no branch succeeded", block.ID)
	}

	chosen := succeeded
	if mergeKind == MergeBestOf {
		chosen = succeeded[:1]
	}
	for _, r := range chosen {
		mergeStateInto(st, r.state)
	}

	return flow.Move(next), nil
}

// tryCatchHandler executes try_block_id; on error it transfers control
// to catch_block_id with the error stored at "error".
func (c *Coordinator) tryCatchHandler(ctx context.Context, block flow.BlockDefinition, st *state.State, binder *flow.Binder) (flow.BlockResult, error) {
	tryBlock := stringProp(block.Properties, "try_block_id", "")
	catchBlock := stringProp(block.Properties, "catch_block_id", "")

	next, _, _, err := c.engine.ProcessBlock(ctx, binder.FlowID, tryBlock, st)
	if err != nil {
		st.SetData("error", err.Error())
		return flow.Move(catchBlock), nil
	}
	if next != "" {
		return flow.Move(next), nil
	}
	nextProp, _ := block.Properties["next_block"].(string)
	return flow.Move(nextProp), nil
}

func stringProp(props map[string]any, key, fallback string) string {
	if v, ok := props[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stringSliceProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func forkState(st *state.State) *state.State {
	forked := state.New(st.UserID, st.OperatorID, st.ChannelID)
	forked.FlowID = st.FlowID
	snap, _ := st.Serialize()
	if restored, err := state.Deserialize(snap); err == nil {
		forked = restored
	}
	return forked
}

func mergeStateInto(parent, branch *state.State) {
	for k, v := range branch.Data {
		parent.SetData(k, v)
	}
}
