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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addOneProgram() Program {
	return Program{
		Locals: []string{"x"},
		Body: []Node{
			{Op: OpAdd, Type: TypeF64, Children: []Node{
				{Op: OpGetLocal, Local: "x"},
				{Op: OpConst, Type: TypeF64, Value: 1},
			}},
		},
	}
}

func TestRegisterAndExecuteIR(t *testing.T) {
	r := New(true)
	prog := addOneProgram()
	src, err := json.Marshal(prog)
	require.NoError(t, err)

	require.NoError(t, r.Register("add_one", string(src), "", Signature{Params: []string{"x"}}, Metadata{}, ""))

	out, err := r.Execute("add_one", map[string]any{"x": 4.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out)
	assert.EqualValues(t, 1, r.CallCount("add_one"))
}

func TestRegisterRejectsUnknownOpcode(t *testing.T) {
	r := New(true)
	bad := `{"locals":["x"],"body":[{"op":"evil_opcode"}]}`
	err := r.Register("bad", bad, "", Signature{}, Metadata{}, "")
	assert.Error(t, err)
}

func TestHotReloadSwapsBindingKeepsHistory(t *testing.T) {
	r := New(true)
	prog := addOneProgram()
	src, _ := json.Marshal(prog)
	require.NoError(t, r.Register("fn", string(src), "", Signature{}, Metadata{}, "v1"))

	doubled := Program{
		Locals: []string{"x"},
		Body: []Node{
			{Op: OpMul, Type: TypeF64, Children: []Node{
				{Op: OpGetLocal, Local: "x"},
				{Op: OpConst, Type: TypeF64, Value: 2},
			}},
		},
	}
	newSrc, _ := json.Marshal(doubled)
	require.NoError(t, r.HotReload("fn", string(newSrc), "", Signature{}, Metadata{}))

	out, err := r.Execute("fn", map[string]any{"x": 4.0})
	require.NoError(t, err)
	assert.Equal(t, 8.0, out)

	history, err := r.History("fn")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestHotReloadDisabledFailsFast(t *testing.T) {
	r := New(false)
	prog := addOneProgram()
	src, _ := json.Marshal(prog)
	require.NoError(t, r.Register("fn", string(src), "", Signature{}, Metadata{}, ""))

	err := r.HotReload("fn", string(src), "", Signature{}, Metadata{})
	assert.Error(t, err)
}

func TestExecuteChainPipesOutputs(t *testing.T) {
	r := New(true)
	prog := addOneProgram()
	src, _ := json.Marshal(prog)
	require.NoError(t, r.Register("step1", string(src), "", Signature{}, Metadata{}, ""))
	require.NoError(t, r.Register("step2", string(src), "", Signature{}, Metadata{}, ""))

	// ExecuteChain feeds {"input": prev} forward; our test program reads
	// local "x", so wrap with a callable that maps input->x.
	r2 := New(true)
	require.NoError(t, r2.RegisterCallable("step1", adapterCallable{r, "step1"}, Signature{}, Metadata{}, ""))
	require.NoError(t, r2.RegisterCallable("step2", adapterCallable{r, "step2"}, Signature{}, Metadata{}, ""))

	out, err := r2.ExecuteChain([]string{"step1", "step2"}, 4.0)
	require.NoError(t, err)
	assert.Equal(t, 6.0, out)
}

// adapterCallable remaps an ExecuteChain's {"input": v} convention onto
// the underlying function's "x" parameter for test purposes.
type adapterCallable struct {
	inner *Registry
	id    string
}

func (a adapterCallable) Call(args map[string]any) (any, error) {
	return a.inner.Execute(a.id, map[string]any{"x": args["input"]})
}

func TestToWATProducesText(t *testing.T) {
	prog := addOneProgram()
	text := ToWAT("add_one", prog)
	assert.Contains(t, text, "func $add_one")
	assert.Contains(t, text, "f64.add")
}
