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

package function

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// CompileHook turns raw source text into a Program. Registered per
// dialect name; a Registry ships with no hooks of its own beyond the
// built-in JSON-encoded-Program artefact path.
type CompileHook func(source string) (Program, error)

// Registry compiles, stores, versions, hot-reloads, and executes dynamic
// functions. Registered entries are immutable; hot-reload is a pointer
// swap that preserves version history.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	hooks      map[string]CompileHook
	hotReload  bool
	callCounts map[string]int64
}

// New creates an empty Registry. hotReloadEnabled gates HotReload; when
// false, HotReload fails fast.
func New(hotReloadEnabled bool) *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		hooks:      make(map[string]CompileHook),
		hotReload:  hotReloadEnabled,
		callCounts: make(map[string]int64),
	}
}

// RegisterCompileHook adds a named source dialect compiler, consulted by
// Register/HotReload when source is not itself a JSON-encoded Program.
func (r *Registry) RegisterCompileHook(dialect string, hook CompileHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[dialect] = hook
}

func (r *Registry) compile(source, dialect string) (Program, error) {
	if dialect == "" {
		var prog Program
		if err := json.Unmarshal([]byte(source), &prog); err == nil && len(prog.Body) > 0 {
			if err := Validate(prog.Body); err != nil {
				return Program{}, err
			}
			return prog, nil
		}
		return Program{}, xerror.Validation("function: source is not a recognised pre-compiled artefact and no dialect was given")
	}
	r.mu.RLock()
	hook, ok := r.hooks[dialect]
	r.mu.RUnlock()
	if !ok {
		return Program{}, xerror.Validation("function: no compile hook registered for dialect %q", dialect)
	}
	prog, err := hook(source)
	if err != nil {
		return Program{}, xerror.Internal("function: compile %q: %v", dialect, err)
	}
	if err := Validate(prog.Body); err != nil {
		return Program{}, err
	}
	return prog, nil
}

// Register compiles source (either a JSON-encoded Program, when dialect
// is empty, or text handled by the named CompileHook) and stores it under
// id. If version is empty, a monotonic token "v<unix-nano>" is assigned.
func (r *Registry) Register(id, source, dialect string, sig Signature, meta Metadata, version string) error {
	if id == "" {
		return xerror.Validation("function: id must not be empty")
	}
	prog, err := r.compile(source, dialect)
	if err != nil {
		return err
	}
	if version == "" {
		version = fmt.Sprintf("v%d", time.Now().UnixNano())
	}
	meta.CreatedAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return xerror.Validation("function: %s already registered", id)
	}
	v := Version{Token: version, Source: source, Signature: sig, Metadata: meta, CreatedAt: meta.CreatedAt}
	r.entries[id] = &entry{
		id:      id,
		current: &irProgram{name: id, prog: prog, gas: meta.GasLimit},
		version: v,
		history: []Version{v},
	}
	return nil
}

// RegisterCallable stores a pre-built Callable directly under id, bypassing
// compilation — used for the sandboxed-subprocess execution path (see
// LaunchSandbox) and for tests.
func (r *Registry) RegisterCallable(id string, c Callable, sig Signature, meta Metadata, version string) error {
	if id == "" {
		return xerror.Validation("function: id must not be empty")
	}
	if version == "" {
		version = fmt.Sprintf("v%d", time.Now().UnixNano())
	}
	meta.CreatedAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return xerror.Validation("function: %s already registered", id)
	}
	v := Version{Token: version, Signature: sig, Metadata: meta, CreatedAt: meta.CreatedAt}
	r.entries[id] = &entry{id: id, current: c, version: v, history: []Version{v}}
	return nil
}

// HotReload recompiles source and atomically replaces the current
// binding for id, appending to (not replacing) version history. Fails
// fast if the registry was constructed with hotReloadEnabled=false.
func (r *Registry) HotReload(id, source, dialect string, sig Signature, meta Metadata) error {
	if !r.hotReload {
		return xerror.Validation("function: hot reload disabled")
	}
	prog, err := r.compile(source, dialect)
	if err != nil {
		return err
	}
	meta.CreatedAt = time.Now()
	version := fmt.Sprintf("v%d", time.Now().UnixNano())
	v := Version{Token: version, Source: source, Signature: sig, Metadata: meta, CreatedAt: meta.CreatedAt}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return xerror.NotFound("function: %s not registered", id)
	}
	e.current = &irProgram{name: id, prog: prog, gas: meta.GasLimit}
	e.version = v
	e.history = append(e.history, v)
	return nil
}

// Execute invokes the stored callable for functionName and increments its
// per-function call counter. Execution is bounded by the function's
// declared execution_timeout_secs.
func (r *Registry) Execute(functionName string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[functionName]
	r.mu.RUnlock()
	if !ok {
		return nil, xerror.NotFound("function: %s not registered", functionName)
	}

	type result struct {
		val any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := e.current.Call(args)
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		r.mu.Lock()
		e.callCount++
		r.callCounts[functionName]++
		r.mu.Unlock()
		return res.val, res.err
	case <-time.After(e.version.Metadata.timeout()):
		return nil, xerror.Internal("function: %s exceeded execution_timeout_secs", functionName)
	}
}

// ExecuteChain pipes initial through each function in order, feeding the
// previous output forward as the "input" argument.
func (r *Registry) ExecuteChain(ids []string, initial any) (any, error) {
	current := initial
	for _, id := range ids {
		out, err := r.Execute(id, map[string]any{"input": current})
		if err != nil {
			return nil, xerror.Wrap(xerror.KindExternal, fmt.Sprintf("function chain: %s failed", id), err)
		}
		current = out
	}
	return current, nil
}

// CallCount returns the cumulative invocation count for functionName.
func (r *Registry) CallCount(functionName string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callCounts[functionName]
}

// History returns the version history for id, oldest first.
func (r *Registry) History(id string) ([]Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, xerror.NotFound("function: %s not registered", id)
	}
	out := make([]Version, len(e.history))
	copy(out, e.history)
	return out, nil
}

// CurrentVersion returns the active Version token for id.
func (r *Registry) CurrentVersion(id string) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Version{}, xerror.NotFound("function: %s not registered", id)
	}
	return e.version, nil
}
