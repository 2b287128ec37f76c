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

// Package modelselect implements the Model Selector: capability-filtered,
// weighted-score model picking with per-model circuit breakers, live EMA
// performance feedback, and epsilon-greedy exploration.
package modelselect

import "time"

// Mode is the Model Selector's operating mode.
type Mode string

const (
	ModeDynamic Mode = "dynamic"
	ModeStatic  Mode = "static"
)

// CircuitState is a model's health gate.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Model is a candidate the selector can pick.
type Model struct {
	Name         string
	Provider     string
	Capabilities map[string]bool
	QualityScore float64
	MaxTokens    int
	CostTier     string
	SpeedTier    string
	ParallelLimit int
	OnDevice     bool
}

// PerformanceData is process-wide, per-model live performance state.
type PerformanceData struct {
	AvgResponseMs          float64
	AvgTokensPerSecond     float64
	SuccessCount           int64
	FailureCount           int64
	FailureRate            float64
	CostEstimationMultiplier float64
	ActiveRequests         int64
	CircuitBreakerState    CircuitState
	LastFailureTime        time.Time
	ConsecutiveFailures    int
}

func newPerformanceData() *PerformanceData {
	return &PerformanceData{
		CostEstimationMultiplier: 1.0,
		CircuitBreakerState:      CircuitClosed,
	}
}

// SelectionRequest parameterises a selection call.
type SelectionRequest struct {
	Capability             string
	EstimatedInputTokens   int
	EstimatedOutputTokens  int
	PreferredProvider      string
	PreferredModel         string
	AvailableProviders     []string
	BypassModelName        string
	ExplorationRate        float64
	ContextMetadata        ContextMetadata
}

// ContextMetadata carries the context-boost terms from spec.md §4.3.1.
type ContextMetadata struct {
	UseCase        string
	Priority       string
	Domain         string
	ResponseLength string
}

// Selection is the Model Selector's answer.
type Selection struct {
	Model  string
	Score  float64
	Reason string
}

// CapabilityWeights scopes w_q/w_c/w_s either from a capability profile
// or from the active intent.
type CapabilityWeights struct {
	Quality float64
	Cost    float64
	Speed   float64
}

// ScoringConfig holds the global weights and thresholds from spec.md
// §4.3.1.
type ScoringConfig struct {
	ReliabilityWeight    float64
	ContextBoostWeight   float64
	LoadPenaltyFactor    float64
	MsMax                float64
	TpsMax               float64
	CapabilityWeights    map[string]CapabilityWeights
	DefaultWeights       CapabilityWeights
	ContextBoosts        map[string]float64 // keys like "use_case:research"
	ProviderBoosts       map[string]float64
	ModelBoosts          map[string]float64
	CostPerModel         map[string]float64 // tokens*rate constant per model
	StaticBase           float64
	StaticSpeedBonus     map[string]float64
	StaticCostBonus      map[string]float64
	StaticAvailability   float64
}

// CircuitConfig parameterises the breaker state machine.
type CircuitConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// defaultLearningRate is alpha in the EMA updates.
const defaultLearningRate = 0.2
