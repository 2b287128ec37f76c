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
	"fmt"
	"strconv"
	"strings"

	"github.com/kestrelrun/orchestrator/pkg/state"
	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// resolveOperand interprets a Compute/Conditional operand: a JSON-literal
// number, a quoted string literal, the booleans true/false, or a dotted
// path resolved against state.Data (and, for nested maps, sub-keys). A
// path that does not resolve returns nil.
func resolveOperand(token string, st *state.State) any {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if token == "true" {
		return true
	}
	if token == "false" {
		return false
	}
	if len(token) >= 2 && token[0] == '"' && token[len(token)-1] == '"' {
		return token[1 : len(token)-1]
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n
	}
	return resolvePath(token, st)
}

func resolvePath(path string, st *state.State) any {
	parts := strings.Split(path, ".")
	v, ok := st.GetData(parts[0])
	if !ok {
		return nil
	}
	for _, p := range parts[1:] {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[p]
		if !ok {
			return nil
		}
	}
	return v
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// evaluateCompute handles a constrained expression: a bare literal or
// path, or a binary "lhs OP rhs" form where OP is +, -, *, / and +
// concatenates when either side is a string.
func evaluateCompute(expr string, st *state.State) (any, error) {
	expr = strings.TrimSpace(expr)
	for _, op := range []string{"+", "-", "*", "/"} {
		if idx := findTopLevelOperator(expr, op); idx >= 0 {
			lhs := resolveOperand(expr[:idx], st)
			rhs := resolveOperand(expr[idx+1:], st)
			return applyArith(op, lhs, rhs)
		}
	}
	return resolveOperand(expr, st), nil
}

// findTopLevelOperator finds the first occurrence of op surrounded by
// spaces, so it does not trip on a bare "-1" literal or a string
// containing the operator character. Returns the index of the operator
// itself (not the leading space), or -1 if absent.
func findTopLevelOperator(expr, op string) int {
	needle := " " + op + " "
	idx := strings.Index(expr, needle)
	if idx < 0 {
		return -1
	}
	return idx + 1
}

func applyArith(op string, lhs, rhs any) (any, error) {
	lf, lok := asFloat(lhs)
	rf, rok := asFloat(rhs)
	if lok && rok {
		switch op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, xerror.Validation("coordinator: compute: division by zero")
			}
			return lf / rf, nil
		}
	}
	if op == "+" {
		return fmt.Sprintf("%v%v", lhs, rhs), nil
	}
	return nil, xerror.Validation("coordinator: compute: operator %q requires numeric operands", op)
}

// evaluateConditional handles "lhs OP rhs" with OP one of
// ==, !=, >, <, >=, <=. A bare operand is truthy-tested.
func evaluateConditional(expr string, st *state.State) (bool, error) {
	expr = strings.TrimSpace(expr)
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if idx := strings.Index(expr, op); idx >= 0 {
			lhs := resolveOperand(expr[:idx], st)
			rhs := resolveOperand(expr[idx+len(op):], st)
			return applyComparison(op, lhs, rhs)
		}
	}
	v := resolveOperand(expr, st)
	b, _ := v.(bool)
	return b, nil
}

func applyComparison(op string, lhs, rhs any) (bool, error) {
	if op == "==" {
		return fmt.Sprintf("%v", lhs) == fmt.Sprintf("%v", rhs), nil
	}
	if op == "!=" {
		return fmt.Sprintf("%v", lhs) != fmt.Sprintf("%v", rhs), nil
	}
	lf, lok := asFloat(lhs)
	rf, rok := asFloat(rhs)
	if !lok || !rok {
		return false, xerror.Validation("coordinator: conditional: operator %q requires numeric operands", op)
	}
	switch op {
	case ">":
		return lf > rf, nil
	case "<":
		return lf < rf, nil
	case ">=":
		return lf >= rf, nil
	case "<=":
		return lf <= rf, nil
	}
	return false, xerror.Validation("coordinator: conditional: unknown operator %q", op)
}
