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

package modelselect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeModels() []Model {
	caps := map[string]bool{"chat": true}
	return []Model{
		{Name: "fast", Provider: "p1", Capabilities: caps, QualityScore: 0.6},
		{Name: "balanced", Provider: "p1", Capabilities: caps, QualityScore: 0.8},
		{Name: "heavy", Provider: "p1", Capabilities: caps, QualityScore: 0.95},
	}
}

func defaultScoring() ScoringConfig {
	return ScoringConfig{
		ReliabilityWeight:  1,
		ContextBoostWeight: 1,
		LoadPenaltyFactor:  0.01,
		MsMax:              1000,
		TpsMax:             100,
		DefaultWeights:     CapabilityWeights{Quality: 1, Cost: 0.1, Speed: 0.1},
	}
}

func TestCircuitBreakerScenario(t *testing.T) {
	// spec.md §8 scenario 2.
	sel := New(ModeDynamic, threeModels(), defaultScoring(), CircuitConfig{FailureThreshold: 3, Cooldown: 20 * time.Millisecond})

	for i := 0; i < 3; i++ {
		require.NoError(t, sel.UpdatePerformance("fast", 10*time.Millisecond, 0, 0, 0, false))
	}

	for i := 0; i < 10; i++ {
		res, err := sel.Select(SelectionRequest{Capability: "chat"})
		require.NoError(t, err)
		assert.NotEqual(t, "fast", res.Model)
	}

	state, err := sel.CircuitBreakerState("fast")
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, state)

	time.Sleep(30 * time.Millisecond)

	// The next Select call sweeps Open->HalfOpen since cooldown elapsed.
	_, err = sel.Select(SelectionRequest{Capability: "chat"})
	require.NoError(t, err)
	state, err = sel.CircuitBreakerState("fast")
	require.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, state)

	require.NoError(t, sel.UpdatePerformance("fast", 10*time.Millisecond, 100, 0, 0, true))
	state, err = sel.CircuitBreakerState("fast")
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, state)
}

func TestBypassModelReturnsScore100(t *testing.T) {
	sel := New(ModeDynamic, threeModels(), defaultScoring(), CircuitConfig{FailureThreshold: 3, Cooldown: time.Second})
	res, err := sel.Select(SelectionRequest{Capability: "chat", BypassModelName: "heavy"})
	require.NoError(t, err)
	assert.Equal(t, "heavy", res.Model)
	assert.Equal(t, 100.0, res.Score)
	assert.Equal(t, "Bypass", res.Reason)
}

func TestAllModelsUnavailable(t *testing.T) {
	sel := New(ModeDynamic, threeModels(), defaultScoring(), CircuitConfig{FailureThreshold: 3, Cooldown: time.Second})
	_, err := sel.Select(SelectionRequest{Capability: "vision"})
	assert.Error(t, err)
}

func TestUpdatePerformanceRoundTrip(t *testing.T) {
	sel := New(ModeDynamic, threeModels(), defaultScoring(), CircuitConfig{FailureThreshold: 3, Cooldown: time.Second})
	_, err := sel.Select(SelectionRequest{Capability: "chat"})
	require.NoError(t, err)

	require.NoError(t, sel.UpdatePerformance("heavy", 50*time.Millisecond, 200, 1.0, 1.0, true))
	perf, err := sel.Performance("heavy")
	require.NoError(t, err)
	assert.Zero(t, perf.ConsecutiveFailures)
	assert.EqualValues(t, 1, perf.SuccessCount)
}
