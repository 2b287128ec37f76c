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
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// Selector scores and picks models, tracking live performance per model
// under a single reader-writer lock (the write path is kept short per
// spec.md §5).
type Selector struct {
	mu sync.RWMutex

	mode    Mode
	models  map[string]Model
	perf    map[string]*PerformanceData
	scoring ScoringConfig
	circuit CircuitConfig
	rng     *rand.Rand
	persist *PerformanceStore

	tokenEncoding *tiktoken.Tiktoken
}

// Option configures a Selector at construction.
type Option func(*Selector)

// WithPersistence wires atomic JSON persistence; every update_performance
// call writes the full performance map.
func WithPersistence(store *PerformanceStore) Option {
	return func(s *Selector) { s.persist = store }
}

// New creates a Selector for the given models and operating mode.
func New(mode Mode, models []Model, scoring ScoringConfig, circuit CircuitConfig, opts ...Option) *Selector {
	s := &Selector{
		mode:    mode,
		models:  make(map[string]Model, len(models)),
		perf:    make(map[string]*PerformanceData, len(models)),
		scoring: scoring,
		circuit: circuit,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, m := range models {
		s.models[m.Name] = m
		s.perf[m.Name] = newPerformanceData()
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err == nil {
		s.tokenEncoding = enc
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EstimateTokens estimates token counts for text using tiktoken-go when
// available, falling back to a 4-chars-per-token heuristic otherwise.
// Select does not call it and does not read or fill
// SelectionRequest.Estimated{Input,Output}Tokens.
func (s *Selector) EstimateTokens(text string) int {
	if s.tokenEncoding != nil {
		return len(s.tokenEncoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// Select implements the §4.3 pipeline.
func (s *Selector) Select(req SelectionRequest) (Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.BypassModelName != "" {
		if _, ok := s.models[req.BypassModelName]; ok {
			return Selection{Model: req.BypassModelName, Score: 100, Reason: "Bypass"}, nil
		}
	}

	if s.mode == ModeDynamic {
		s.sweepCircuitBreakersLocked()
	}

	candidates := s.filterLocked(req)
	if len(candidates) == 0 {
		return Selection{}, xerror.External("model selector: AllModelsUnavailable")
	}

	type scored struct {
		name  string
		score float64
	}
	results := make([]scored, 0, len(candidates))
	for _, name := range candidates {
		var sc float64
		if s.mode == ModeDynamic {
			sc = s.dynamicScoreLocked(name, req)
		} else {
			sc = s.staticScoreLocked(name)
		}
		results = append(results, scored{name, sc})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	idx := 0
	reason := "TopScore"
	if s.mode == ModeDynamic && len(results) >= 2 && req.ExplorationRate > 0 && s.rng.Float64() < req.ExplorationRate {
		idx = 1 + s.rng.Intn(len(results)-1)
		reason = "Exploration"
	}

	winner := results[idx]
	s.perf[winner.name].ActiveRequests++
	return Selection{Model: winner.name, Score: winner.score, Reason: reason}, nil
}

func (s *Selector) filterLocked(req SelectionRequest) []string {
	allowed := map[string]bool{}
	if len(req.AvailableProviders) > 0 {
		for _, p := range req.AvailableProviders {
			allowed[p] = true
		}
	}
	var out []string
	for name, m := range s.models {
		if req.Capability != "" && !m.Capabilities[req.Capability] {
			continue
		}
		if len(allowed) > 0 && !allowed[m.Provider] {
			continue
		}
		if s.mode == ModeDynamic && s.perf[name].CircuitBreakerState == CircuitOpen {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out) // deterministic order before scoring/sort
	return out
}

// sweepCircuitBreakersLocked applies cooldown-expiry Open->HalfOpen and
// threshold-exceeded Closed->Open transitions. Caller holds the lock.
func (s *Selector) sweepCircuitBreakersLocked() {
	now := time.Now()
	for _, p := range s.perf {
		switch p.CircuitBreakerState {
		case CircuitOpen:
			if now.Sub(p.LastFailureTime) >= s.circuit.Cooldown {
				p.CircuitBreakerState = CircuitHalfOpen
			}
		case CircuitClosed:
			if p.ConsecutiveFailures >= s.circuit.FailureThreshold {
				p.CircuitBreakerState = CircuitOpen
				p.LastFailureTime = now
			}
		}
	}
}

func (s *Selector) dynamicScoreLocked(name string, req SelectionRequest) float64 {
	m := s.models[name]
	p := s.perf[name]

	w := s.scoring.DefaultWeights
	if cw, ok := s.scoring.CapabilityWeights[req.Capability]; ok {
		w = cw
	}

	costGranular := 1.0
	if !m.OnDevice {
		if c, ok := s.scoring.CostPerModel[name]; ok {
			costGranular = c
		}
	}

	normMs := 1 - min1(p.AvgResponseMs/nonZero(s.scoring.MsMax), 1)
	normTps := min1(p.AvgTokensPerSecond/nonZero(s.scoring.TpsMax), 1)
	speedLive := (normMs + normTps) / 2

	reliability := 1 - p.FailureRate

	contextBoost := 0.0
	if req.ContextMetadata.UseCase != "" {
		contextBoost += s.scoring.ContextBoosts["use_case:"+req.ContextMetadata.UseCase]
	}
	if req.ContextMetadata.Priority != "" {
		contextBoost += s.scoring.ContextBoosts["priority:"+req.ContextMetadata.Priority]
	}
	if req.ContextMetadata.Domain != "" {
		contextBoost += s.scoring.ContextBoosts["domain:"+req.ContextMetadata.Domain]
	}
	if req.ContextMetadata.ResponseLength != "" {
		contextBoost += s.scoring.ContextBoosts["response_length:"+req.ContextMetadata.ResponseLength]
	}
	if req.PreferredProvider == m.Provider {
		contextBoost += s.scoring.ProviderBoosts[m.Provider]
	}
	if req.PreferredModel == name {
		contextBoost += s.scoring.ModelBoosts[name]
	}

	loadPenalty := float64(p.ActiveRequests) * s.scoring.LoadPenaltyFactor

	return m.QualityScore*w.Quality +
		costGranular*w.Cost +
		speedLive*w.Speed +
		reliability*s.scoring.ReliabilityWeight +
		contextBoost*s.scoring.ContextBoostWeight -
		loadPenalty
}

func (s *Selector) staticScoreLocked(name string) float64 {
	m := s.models[name]
	score := s.scoring.StaticBase
	score += s.scoring.StaticSpeedBonus[m.SpeedTier]
	score += s.scoring.StaticCostBonus[m.CostTier]
	score += s.scoring.StaticAvailability
	return score
}

func min1(v, cap float64) float64 {
	if v > cap {
		return cap
	}
	return v
}

func nonZero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

// UpdatePerformance implements §4.3.2. elapsed is the call's wall-clock
// duration; tokens/actualCost/estimatedCost are optional (zero means
// "not provided").
func (s *Selector) UpdatePerformance(model string, elapsed time.Duration, tokens int, actualCost, estimatedCost float64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.perf[model]
	if !ok {
		return xerror.NotFound("model selector: %s has no performance record", model)
	}

	alpha := defaultLearningRate

	if p.ActiveRequests > 0 {
		p.ActiveRequests--
	}

	observedFailure := 0.0
	if !success {
		observedFailure = 1.0
	}
	p.FailureRate = alpha*observedFailure + (1-alpha)*p.FailureRate

	if success {
		elapsedMs := float64(elapsed.Milliseconds())
		p.AvgResponseMs = alpha*elapsedMs + (1-alpha)*p.AvgResponseMs
		if tokens > 0 && elapsed > 0 {
			tps := float64(tokens) / elapsed.Seconds()
			p.AvgTokensPerSecond = alpha*tps + (1-alpha)*p.AvgTokensPerSecond
		}
		if actualCost > 0 && estimatedCost > 0 {
			ratio := actualCost / estimatedCost
			p.CostEstimationMultiplier = alpha*ratio + (1-alpha)*p.CostEstimationMultiplier
		}
		p.SuccessCount++
		p.ConsecutiveFailures = 0
		if p.CircuitBreakerState == CircuitHalfOpen {
			p.CircuitBreakerState = CircuitClosed
		}
	} else {
		p.FailureCount++
		p.ConsecutiveFailures++
		p.LastFailureTime = time.Now()
		if p.CircuitBreakerState == CircuitHalfOpen {
			p.CircuitBreakerState = CircuitOpen
		}
	}

	if s.persist != nil {
		snapshot := make(map[string]PerformanceData, len(s.perf))
		for k, v := range s.perf {
			snapshot[k] = *v
		}
		if err := s.persist.Save(snapshot); err != nil {
			return xerror.Wrap(xerror.KindInternal, "model selector: persist performance", err)
		}
	}
	return nil
}

// Performance returns a copy of the current performance record for model.
func (s *Selector) Performance(model string) (PerformanceData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perf[model]
	if !ok {
		return PerformanceData{}, xerror.NotFound("model selector: %s has no performance record", model)
	}
	return *p, nil
}

// CircuitBreakerState exposes a model's current circuit state, useful for
// tests asserting the cooldown/half-open/closed transition sequence.
func (s *Selector) CircuitBreakerState(model string) (CircuitState, error) {
	p, err := s.Performance(model)
	if err != nil {
		return "", err
	}
	return p.CircuitBreakerState, nil
}

// String renders a Selection for logging.
func (sel Selection) String() string {
	return fmt.Sprintf("%s (score=%.3f, reason=%s)", sel.Model, sel.Score, sel.Reason)
}
