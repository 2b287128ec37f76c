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
	"fmt"
	"regexp"
	"strings"

	"github.com/kestrelrun/orchestrator/pkg/state"
	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// registerBuiltins binds the handlers for block types that require no
// Coordinator wiring: AwaitInput, Display, ExternalFetch,
// DynamicFunction, Terminate.
func (e *Engine) registerBuiltins() {
	e.handlers.Register(BlockAwaitInput, HandlerFunc(awaitInputHandler))
	e.handlers.Register(BlockDisplay, HandlerFunc(displayHandler))
	e.handlers.Register(BlockExternalFetch, HandlerFunc(externalFetchHandler))
	e.handlers.Register(BlockDynamicFunction, HandlerFunc(dynamicFunctionHandler))
	e.handlers.Register(BlockTerminate, HandlerFunc(terminateHandler))
}

func awaitInputHandler(_ context.Context, block BlockDefinition, st *state.State, _ *Binder) (BlockResult, error) {
	prompt, _ := stringProp(block.Properties, "prompt")
	stateKey, _ := stringProp(block.Properties, "state_key")
	if stateKey == "" {
		stateKey = "user_input"
	}
	prompt = substituteTemplate(prompt, st)

	if question, ok := stringProp(block.Properties, "question"); ok {
		options, _ := block.Properties["options"].([]any)
		return AwaitChoice(substituteTemplate(question, st), options, stateKey), nil
	}
	return AwaitInput(prompt, stateKey), nil
}

func displayHandler(_ context.Context, block BlockDefinition, st *state.State, _ *Binder) (BlockResult, error) {
	message, _ := stringProp(block.Properties, "message")
	rendered := substituteTemplate(message, st)
	next, _ := stringProp(block.Properties, "next_block")
	if next != "" {
		return Move(next), nil
	}
	return Success(rendered), nil
}

func externalFetchHandler(_ context.Context, block BlockDefinition, _ *state.State, _ *Binder) (BlockResult, error) {
	url, ok := stringProp(block.Properties, "url")
	if !ok || url == "" {
		return BlockResult{}, xerror.Validation("flow: block %q: external_fetch requires a non-empty url property", block.ID)
	}
	dataPath, _ := stringProp(block.Properties, "data_path")
	outputKey, _ := stringProp(block.Properties, "output_key")
	if outputKey == "" {
		outputKey = "fetched_data"
	}
	next, _ := stringProp(block.Properties, "next_block")
	priority, _ := numberProp(block.Properties, "priority")
	override, _ := block.Properties["is_override"].(bool)

	return FetchExternalData(url, dataPath, outputKey, next, int(priority), override), nil
}

func dynamicFunctionHandler(_ context.Context, block BlockDefinition, st *state.State, _ *Binder) (BlockResult, error) {
	name, ok := stringProp(block.Properties, "function_name")
	if !ok || name == "" {
		return BlockResult{}, xerror.Validation("flow: block %q: dynamic_function requires a non-empty function_name property", block.ID)
	}
	args, _ := block.Properties["args"].(map[string]any)
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			resolved[k] = substituteTemplate(s, st)
			continue
		}
		resolved[k] = v
	}
	outputKey, _ := stringProp(block.Properties, "output_key")
	next, _ := stringProp(block.Properties, "next_block")
	priority, _ := numberProp(block.Properties, "priority")
	override, _ := block.Properties["is_override"].(bool)

	return ExecuteFunction(name, resolved, outputKey, next, int(priority), override), nil
}

func terminateHandler(_ context.Context, _ BlockDefinition, _ *state.State, _ *Binder) (BlockResult, error) {
	return Terminate(), nil
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// substituteTemplate replaces {{var}} placeholders with st.Data[var]'s
// string rendering; unresolved placeholders are left as-is.
func substituteTemplate(template string, st *state.State) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}
	return templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		sub := templateVarPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		v, ok := st.GetData(sub[1])
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", v)
	})
}
