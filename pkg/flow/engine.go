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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelrun/orchestrator/pkg/function"
	"github.com/kestrelrun/orchestrator/pkg/state"
	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

const (
	keyAwaitingInput    = "awaiting_input"
	keyFlowTerminated   = "flow_terminated"
	keyBlockResult      = "block_result"
	keyError            = "error"
	keyPrompt           = "prompt"
	keyQuestion         = "question"
	keyOptions          = "options"
	keyStateKey         = "state_key"
	keyOverrideTarget   = "override_target"
	keyNavigationPrio   = "navigation_priority"
	keyRawJSONResponse  = "raw_json_response"
	keyRequestedPath    = "requested_data_path"
	keyAPIURL           = "api_url"
)

// batchFlowTimeout bounds each flow within ProcessFlowsBatch.
const batchFlowTimeout = 30 * time.Second

// userAgent identifies the engine to external fetch targets.
const userAgent = "kestrelrun-orchestrator-flow-engine/1"

// Engine interprets registered FlowDefinitions against UnifiedState
// instances. It owns the handler Registry, the Dynamic Function
// Registry, and the External Fetch HTTP client.
type Engine struct {
	mu sync.RWMutex

	binders map[string]*Binder
	blocks  map[string]map[string]BlockDefinition // flowID -> blockID -> def

	handlers *Registry
	fns      *function.Registry

	security SecurityConfig
	client   *http.Client

	metrics EngineMetrics
}

// New creates an Engine with built-in handlers registered for the block
// types that need no Coordinator wiring (AwaitInput, Display,
// ExternalFetch, DynamicFunction, Terminate).
func New(fns *function.Registry) *Engine {
	e := &Engine{
		binders:  make(map[string]*Binder),
		blocks:   make(map[string]map[string]BlockDefinition),
		handlers: NewRegistry(),
		fns:      fns,
		security: DefaultSecurityConfig(),
		metrics:  EngineMetrics{FunctionCalls: make(map[string]int64)},
	}
	e.rebuildClientLocked()
	e.registerBuiltins()
	return e
}

func (e *Engine) rebuildClientLocked() {
	redirectLimit := e.security.RedirectLimit
	e.client = &http.Client{
		Timeout: e.security.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= redirectLimit {
				return xerror.Security("flow: redirect limit exceeded")
			}
			return nil
		},
	}
}

// Handlers exposes the adapter registry so a Coordinator can register
// handlers for the richer orchestration block types.
func (e *Engine) Handlers() *Registry { return e.handlers }

// UpdateSecurityConfig replaces the External Fetch security policy and
// rebuilds the HTTP client.
func (e *Engine) UpdateSecurityConfig(cfg SecurityConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.security = cfg
	e.rebuildClientLocked()
}

// Metrics returns a copy of the engine's cumulative metrics.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fc := make(map[string]int64, len(e.metrics.FunctionCalls))
	for k, v := range e.metrics.FunctionCalls {
		fc[k] = v
	}
	m := e.metrics
	m.FunctionCalls = fc
	return m
}

// RegisterFlow validates a FlowDefinition's block graph and materialises
// its Binder: every block's next-block references must resolve within
// the flow.
func (e *Engine) RegisterFlow(def FlowDefinition) error {
	if def.ID == "" {
		return xerror.Validation("flow: flow id must not be empty")
	}
	if def.StartBlockID == "" {
		return xerror.Validation("flow: %s: start block id must not be empty", def.ID)
	}

	blockByID := make(map[string]BlockDefinition, len(def.Blocks))
	for _, b := range def.Blocks {
		if b.ID == "" {
			return xerror.Validation("flow: %s: block with empty id", def.ID)
		}
		blockByID[b.ID] = b
	}
	if _, ok := blockByID[def.StartBlockID]; !ok {
		return xerror.Validation("flow: %s: start block %q not found", def.ID, def.StartBlockID)
	}

	binder := newBinder(def.ID, def.StartBlockID)
	for _, b := range def.Blocks {
		if next, ok := stringProp(b.Properties, "next_block"); ok {
			if _, exists := blockByID[next]; !exists {
				return xerror.Validation("flow: %s: block %q references unknown next-block %q", def.ID, b.ID, next)
			}
			binder.Connections[b.ID] = next
		}
		if w, ok := numberProp(b.Properties, "weight"); ok {
			binder.Weights[b.ID] = w
		}
		binder.Metadata[b.ID] = b.Properties
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.binders[def.ID] = binder
	e.blocks[def.ID] = blockByID
	return nil
}

func stringProp(props map[string]any, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberProp(props map[string]any, key string) (float64, bool) {
	v, ok := props[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// ProcessFlow drives st through the registered flow flowID until the
// graph terminates, the state requests input, or an error propagates.
func (e *Engine) ProcessFlow(ctx context.Context, flowID string, st *state.State) error {
	e.mu.RLock()
	binder, ok := e.binders[flowID]
	e.mu.RUnlock()
	if !ok {
		return xerror.NotFound("flow: %q is not registered", flowID)
	}
	start := time.Now()
	defer func() {
		e.mu.Lock()
		e.metrics.ProcessingTime += time.Since(start)
		e.mu.Unlock()
	}()

	st.FlowID = flowID
	current := st.BlockID
	if current == "" {
		current = binder.StartBlock
		st.BlockID = current
	}

	for {
		select {
		case <-ctx.Done():
			return xerror.External("flow: %s: context cancelled: %v", flowID, ctx.Err())
		default:
		}

		next, awaitingInput, terminated, err := e.ProcessBlock(ctx, flowID, current, st)
		if err != nil {
			return err
		}
		if terminated {
			return nil
		}
		if awaitingInput {
			return nil
		}

		if next == "" {
			if conn, ok := binder.Connections[current]; ok {
				next = conn
			} else {
				st.SetData(keyFlowTerminated, true)
				st.FlowID = ""
				st.BlockID = ""
				return nil
			}
		}
		current = next
		st.BlockID = current
	}
}

// ProcessBlock dispatches a single block of a registered flow: it clears
// the per-step transient signalling keys, looks up the block's handler,
// invokes it, and interprets the returned BlockResult via handleBlock.
// It is exported so a Coordinator can drive individual blocks directly
// — e.g. ParallelExecution's fan-out branches or TryCatch's try/catch
// transfer — without re-entering the full ProcessFlow loop.
func (e *Engine) ProcessBlock(ctx context.Context, flowID, blockID string, st *state.State) (next string, awaitingInput bool, terminated bool, err error) {
	e.mu.RLock()
	binder, ok := e.binders[flowID]
	blocks := e.blocks[flowID]
	e.mu.RUnlock()
	if !ok {
		return "", false, false, xerror.NotFound("flow: %q is not registered", flowID)
	}

	st.DeleteData(keyAwaitingInput)
	st.DeleteData(keyFlowTerminated)

	block, ok := blocks[blockID]
	if !ok {
		return "", false, false, xerror.NotFound("flow: %s: block %q not found", flowID, blockID)
	}

	handler, ok := e.handlers.Lookup(block.Type)
	if !ok {
		return "", false, false, xerror.Validation("flow: %s: no handler registered for block type %q (block %q)", flowID, block.Type, block.ID)
	}

	result, procErr := handler.Process(ctx, block, st, binder)
	if procErr != nil {
		st.SetData(keyError, procErr.Error())
		return "", false, false, xerror.Wrap(xerror.KindExternal, fmt.Sprintf("flow: %s: block %q failed", flowID, block.ID), procErr)
	}

	e.mu.Lock()
	e.metrics.BlocksProcessed++
	e.mu.Unlock()

	nextBlock, done, terminate, hErr := e.handleBlock(ctx, flowID, block, st, binder, result)
	if hErr != nil {
		st.SetData(keyError, hErr.Error())
		return "", false, false, hErr
	}
	if terminate {
		st.SetData(keyFlowTerminated, true)
		st.FlowID = ""
		st.BlockID = ""
		return "", false, true, nil
	}
	if done {
		return "", true, false, nil
	}
	return nextBlock, false, false, nil
}

// handleBlock interprets a single BlockResult, performing any side
// effect the result declares (external fetch, dynamic-function call)
// and computing the next block id. Returns (next, awaitingInput,
// terminate, err).
func (e *Engine) handleBlock(ctx context.Context, flowID string, block BlockDefinition, st *state.State, binder *Binder, result BlockResult) (string, bool, bool, error) {
	switch result.Kind {
	case ResultSuccess:
		st.SetData(keyBlockResult, result.Value)
		return "", false, false, nil

	case ResultFailure:
		st.SetData(keyError, result.ErrorMsg)
		return "", false, false, xerror.External("flow: %s: block %q reported failure: %s", flowID, block.ID, result.ErrorMsg)

	case ResultNavigate:
		if result.IsOverride {
			st.SetData(keyOverrideTarget, result.Target)
			st.SetData(keyNavigationPrio, result.Priority)
			return result.Target, false, false, nil
		}
		return result.Target, false, false, nil

	case ResultMove:
		return result.Target, false, false, nil

	case ResultFetchExternalData:
		if err := e.executeExternalFetch(ctx, st, result); err != nil {
			return "", false, false, err
		}
		return result.Target, false, false, nil

	case ResultExecuteFunction:
		if e.fns == nil {
			return "", false, false, xerror.Validation("flow: %s: block %q requested dynamic function %q but no function registry is wired", flowID, block.ID, result.FunctionName)
		}
		out, err := e.fns.Execute(result.FunctionName, result.Args)
		if err != nil {
			return "", false, false, xerror.Wrap(xerror.KindExternal, fmt.Sprintf("flow: %s: function %q failed", flowID, result.FunctionName), err)
		}
		e.mu.Lock()
		e.metrics.FunctionCalls[result.FunctionName]++
		e.mu.Unlock()
		if result.OutputKey != "" {
			st.SetData(result.OutputKey, out)
		}
		return result.Target, false, false, nil

	case ResultAwaitInput:
		st.SetData(keyPrompt, result.Prompt)
		st.SetData(keyStateKey, result.StateKey)
		st.SetData(keyAwaitingInput, true)
		return "", true, false, nil

	case ResultAwaitChoice:
		st.SetData(keyQuestion, result.Question)
		st.SetData(keyOptions, result.Options)
		st.SetData(keyStateKey, result.StateKey)
		st.SetData(keyAwaitingInput, true)
		return "", true, false, nil

	case ResultTerminate:
		return "", false, true, nil

	default:
		return "", false, false, xerror.Internal("flow: %s: block %q returned unknown result kind %q", flowID, block.ID, result.Kind)
	}
}

// ResumeFlow restores a suspended session by writing input at the
// recorded state_key, clearing awaiting_input, and re-entering the loop
// at the block the awaiting block (the current cursor) connects to. When
// the awaiting block has no connection the flow terminates.
func (e *Engine) ResumeFlow(ctx context.Context, flowID string, st *state.State, input any) error {
	e.mu.RLock()
	binder, ok := e.binders[flowID]
	e.mu.RUnlock()
	if !ok {
		return xerror.NotFound("flow: %q is not registered", flowID)
	}
	stateKey, _ := st.GetData(keyStateKey)
	if key, ok := stateKey.(string); ok && key != "" {
		st.SetData(key, input)
	}
	st.DeleteData(keyAwaitingInput)
	next, ok := binder.Connections[st.BlockID]
	if !ok {
		st.SetData(keyFlowTerminated, true)
		st.FlowID = ""
		st.BlockID = ""
		return nil
	}
	st.BlockID = next
	return e.ProcessFlow(ctx, flowID, st)
}

// ProcessFlowWithRetry retries ProcessFlow with exponential back-off
// (2^(attempt-1) seconds) up to maxRetries.
func (e *Engine) ProcessFlowWithRetry(ctx context.Context, flowID string, st *state.State, maxRetries int) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if err := e.ProcessFlow(ctx, flowID, st); err != nil {
			lastErr = err
			if attempt > maxRetries {
				break
			}
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		return nil
	}
	return lastErr
}

// ProcessFlowsBatch processes each (flowID, state) pair with bounded
// concurrency, each flow wrapped in a 30s wall timeout.
func (e *Engine) ProcessFlowsBatch(ctx context.Context, items []BatchItem, concurrencyLimit int) []error {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyLimit)

	results := make([]error, len(items))
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, batchFlowTimeout)
			defer cancel()
			results[i] = e.ProcessFlow(fctx, item.FlowID, item.State)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// BatchItem pairs a registered flow id with the state to drive it.
type BatchItem struct {
	FlowID string
	State  *state.State
}

func (e *Engine) executeExternalFetch(ctx context.Context, st *state.State, result BlockResult) error {
	e.mu.RLock()
	cfg := e.security
	client := e.client
	e.mu.RUnlock()

	u, err := validateFetchURL(result.URL, cfg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return xerror.External("flow: external fetch: building request: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return xerror.External("flow: external fetch: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerror.External("flow: external fetch: reading body: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerror.External("flow: external fetch: non-2xx status %d", resp.StatusCode).WithContext("status", resp.StatusCode)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return xerror.External("flow: external fetch: response is not valid JSON: %v", err)
	}

	extracted := jsonPointerExtract(doc, result.DataPath)

	st.SetData(keyRawJSONResponse, doc)
	st.SetData(keyRequestedPath, result.DataPath)
	st.SetData(keyAPIURL, result.URL)
	if result.OutputKey != "" {
		st.SetData(result.OutputKey, extracted)
	}
	return nil
}

// jsonPointerExtract applies an RFC 6901-style pointer to doc, falling
// back to the whole document when the pointer is empty or unresolvable.
func jsonPointerExtract(doc any, pointer string) any {
	if pointer == "" || pointer == "/" {
		return doc
	}
	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	cur := doc
	for _, raw := range parts {
		tok := strings.ReplaceAll(strings.ReplaceAll(raw, "~1", "/"), "~0", "~")
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[tok]
			if !ok {
				return doc
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(v) {
				return doc
			}
			cur = v[idx]
		default:
			return doc
		}
	}
	return cur
}
