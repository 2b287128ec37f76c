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

package agentselect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDirectory []Agent

func (d staticDirectory) ListActive() []Agent { return d }

func searchAgents() staticDirectory {
	return staticDirectory{
		{ID: "a1", Capability: Capability{Strengths: []string{"search"}, Metrics: Metrics{SuccessRate: 0.9}}, Status: StatusAvailable},
		{ID: "a2", Capability: Capability{Strengths: []string{"search", "summarize"}, Metrics: Metrics{SuccessRate: 0.95}}, Status: StatusAvailable},
	}
}

func defaultConfig() Config {
	return Config{
		Weights:      Weights{Capability: 0.5, Tag: 0.1, Performance: 0.3, Availability: 0.1},
		CacheTTL:     time.Minute,
		CacheMaxSize: 100,
		CachePolicy:  PolicyLRU,
	}
}

func TestCacheHitScenario(t *testing.T) {
	// spec.md §8 scenario 6.
	sel := New(defaultConfig(), searchAgents())
	criteria := Criteria{RequiredCapabilities: []string{"search"}}

	a1, hit1, err := sel.Select(criteria)
	require.NoError(t, err)
	assert.False(t, hit1)

	a2, hit2, err := sel.Select(criteria)
	require.NoError(t, err)
	assert.True(t, hit2)
	assert.Equal(t, a1.ID, a2.ID)

	hits, misses := sel.CacheStats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
}

func TestValidateCriteriaRejectsEmpty(t *testing.T) {
	err := ValidateCriteria(Criteria{}, Config{}, "s", "f", "b", time.Second, 0)
	assert.Error(t, err)
}

func TestValidateCriteriaRejectsBadMaxConcurrent(t *testing.T) {
	err := ValidateCriteria(Criteria{RequiredCapabilities: []string{"x"}, MaxConcurrentTasks: 101}, Config{}, "s", "f", "b", time.Second, 0)
	assert.Error(t, err)
}

func TestEvictionPolicyLRU(t *testing.T) {
	sel := New(Config{Weights: Weights{Capability: 1}, CacheMaxSize: 1, CachePolicy: PolicyLRU}, searchAgents())

	_, _, err := sel.Select(Criteria{RequiredCapabilities: []string{"search"}})
	require.NoError(t, err)
	_, _, err = sel.Select(Criteria{RequiredCapabilities: []string{"summarize"}})
	require.NoError(t, err)

	sel.mu.Lock()
	size := len(sel.cache)
	sel.mu.Unlock()
	assert.LessOrEqual(t, size, 1)
}

func TestInteractWrapsInvokerError(t *testing.T) {
	sel := New(defaultConfig(), searchAgents())
	_, err := sel.Interact(Criteria{RequiredCapabilities: []string{"search"}}, "input", func(agentID string, input any) (any, error) {
		return nil, assert.AnError
	})
	assert.Error(t, err)
}
