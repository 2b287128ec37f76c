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
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// Directory supplies the active agent population the Selector scores
// against. pkg/agentsys.Registry satisfies this.
type Directory interface {
	ListActive() []Agent
}

type cacheEntry struct {
	agentID    string
	createdAt  time.Time
	lastAccess time.Time
	hitCount   int64
}

// Selector ranks agents, caches picks, and executes interactions via a
// caller-supplied invoker.
type Selector struct {
	mu        sync.Mutex
	cfg       Config
	directory Directory
	cache     map[uint64]*cacheEntry

	cacheHits   int64
	cacheMisses int64
}

// New creates a Selector over directory.
func New(cfg Config, directory Directory) *Selector {
	return &Selector{
		cfg:       cfg,
		directory: directory,
		cache:     make(map[uint64]*cacheEntry),
	}
}

// Invoker performs the actual agent interaction once an agent has been
// chosen. The Coordinator supplies this.
type Invoker func(agentID string, input any) (any, error)

// ValidateCriteria applies the hard input-validation requirements of
// spec.md §4.5 ahead of any scoring work.
func ValidateCriteria(c Criteria, cfg Config, sessionID, flowID, blockID string, timeout time.Duration, inputBytes int) error {
	if len(c.RequiredCapabilities) == 0 && len(c.PreferredTags) == 0 {
		return xerror.Validation("agent selector: at least one capability or tag is required")
	}
	for _, cap := range c.RequiredCapabilities {
		if cap == "" || len(cap) > 50 {
			return xerror.Validation("agent selector: capability name invalid: %q", cap)
		}
	}
	for _, tag := range c.PreferredTags {
		if tag == "" || len(tag) > 30 {
			return xerror.Validation("agent selector: tag name invalid: %q", tag)
		}
	}
	if c.MaxConcurrentTasks != 0 && (c.MaxConcurrentTasks < 1 || c.MaxConcurrentTasks > 100) {
		return xerror.Validation("agent selector: max_concurrent_tasks out of [1,100]: %d", c.MaxConcurrentTasks)
	}
	if inputBytes > 0 && cfg.MaxInputBytes > 0 && inputBytes > cfg.MaxInputBytes {
		return xerror.Validation("agent selector: input payload exceeds %d bytes", cfg.MaxInputBytes)
	}
	if sessionID == "" || flowID == "" || blockID == "" {
		return xerror.Validation("agent selector: session_id, flow_id, block_id must be non-empty")
	}
	if cfg.MinTimeout > 0 && timeout < cfg.MinTimeout {
		return xerror.Validation("agent selector: timeout below configured minimum")
	}
	if cfg.MaxTimeout > 0 && timeout > cfg.MaxTimeout {
		return xerror.Validation("agent selector: timeout above configured maximum")
	}
	return nil
}

// hashCriteria computes a stable cache key for criteria.
func hashCriteria(c Criteria) uint64 {
	caps := append([]string(nil), c.RequiredCapabilities...)
	tags := append([]string(nil), c.PreferredTags...)
	sort.Strings(caps)
	sort.Strings(tags)
	h := fnv.New64a()
	fmt.Fprintf(h, "caps=%s|tags=%s|exclude_busy=%v|max_concurrent=%d",
		strings.Join(caps, ","), strings.Join(tags, ","), c.ExcludeBusy, c.MaxConcurrentTasks)
	return h.Sum64()
}

// evictExpiredLocked removes cache entries older than CacheTTL. Caller
// holds the lock.
func (s *Selector) evictExpiredLocked() {
	if s.cfg.CacheTTL <= 0 {
		return
	}
	now := time.Now()
	for k, e := range s.cache {
		if now.Sub(e.createdAt) > s.cfg.CacheTTL {
			delete(s.cache, k)
		}
	}
}

// enforceMaxSizeLocked evicts entries under the configured policy until
// the cache is at or below CacheMaxSize. Caller holds the lock.
func (s *Selector) enforceMaxSizeLocked() {
	if s.cfg.CacheMaxSize <= 0 {
		return
	}
	for len(s.cache) > s.cfg.CacheMaxSize {
		delete(s.cache, s.pickEvictionKeyLocked())
	}
}

func (s *Selector) pickEvictionKeyLocked() uint64 {
	var winner uint64
	var winnerEntry *cacheEntry
	for k, e := range s.cache {
		if winnerEntry == nil {
			winner, winnerEntry = k, e
			continue
		}
		switch s.cfg.CachePolicy {
		case PolicyLFU:
			if e.hitCount < winnerEntry.hitCount {
				winner, winnerEntry = k, e
			}
		case PolicyTTL:
			if e.createdAt.Before(winnerEntry.createdAt) {
				winner, winnerEntry = k, e
			}
		default: // LRU
			if e.lastAccess.Before(winnerEntry.lastAccess) {
				winner, winnerEntry = k, e
			}
		}
	}
	return winner
}

// Select applies the §4.5 selection protocol (cache check, scoring,
// caching) without executing an interaction.
func (s *Selector) Select(criteria Criteria) (Agent, bool /*cacheHit*/, error) {
	key := hashCriteria(criteria)

	s.mu.Lock()
	s.evictExpiredLocked()
	if e, ok := s.cache[key]; ok {
		e.lastAccess = time.Now()
		e.hitCount++
		s.cacheHits++
		s.mu.Unlock()
		for _, a := range s.directory.ListActive() {
			if a.ID == e.agentID {
				return a, true, nil
			}
		}
		// cached agent no longer active; fall through to re-score.
		s.mu.Lock()
		delete(s.cache, key)
	}
	s.cacheMisses++
	s.mu.Unlock()

	candidates := s.directory.ListActive()
	var filtered []Agent
	for _, a := range candidates {
		if criteria.ExcludeBusy && a.Status == StatusBusy {
			continue
		}
		filtered = append(filtered, a)
	}
	if len(filtered) == 0 {
		return Agent{}, false, xerror.NotFound("agent selector: no active agents match criteria")
	}

	type scored struct {
		agent Agent
		score float64
	}
	results := make([]scored, 0, len(filtered))
	for _, a := range filtered {
		results = append(results, scored{a, s.score(a, criteria)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	winner := results[0].agent

	s.mu.Lock()
	s.cache[key] = &cacheEntry{agentID: winner.ID, createdAt: time.Now(), lastAccess: time.Now(), hitCount: 1}
	s.enforceMaxSizeLocked()
	s.mu.Unlock()

	return winner, false, nil
}

func (s *Selector) score(a Agent, criteria Criteria) float64 {
	capMatch := fractionPresent(criteria.RequiredCapabilities, a.Capability.Strengths)
	tagMatch := fractionPresent(criteria.PreferredTags, a.Metadata.Tags)

	perf := a.Capability.Metrics
	performance := (perf.SuccessRate + (1 - min1(perf.ResponseTimeMs/10000, 1)) + (1 - perf.CurrentLoad)) / 3

	availability := 1.0
	if a.Status == StatusBusy {
		availability = 0.3
	}

	w := s.cfg.Weights
	return capMatch*w.Capability + tagMatch*w.Tag + performance*w.Performance + availability*w.Availability
}

func fractionPresent(required, present []string) float64 {
	if len(required) == 0 {
		return 1
	}
	set := make(map[string]bool, len(present))
	for _, p := range present {
		set[p] = true
	}
	matched := 0
	for _, r := range required {
		if set[r] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func min1(v, cap float64) float64 {
	if v > cap {
		return cap
	}
	return v
}

// Interact selects an agent for criteria and invokes it, recording
// execution metadata and, on failure, an error taxonomy entry.
func (s *Selector) Interact(criteria Criteria, input any, invoke Invoker) (InteractionResult, error) {
	agent, _, err := s.Select(criteria)
	if err != nil {
		return InteractionResult{}, err
	}

	start := time.Now()
	execID := fmt.Sprintf("exec-%d", start.UnixNano())
	result, err := invoke(agent.ID, input)
	end := time.Now()

	meta := ExecutionMetadata{ExecutionID: execID, Start: start, End: end, Duration: end.Sub(start)}
	if err != nil {
		category := ErrorExternal
		return InteractionResult{
			AgentID:           agent.ID,
			ExecutionMetadata: meta,
			AgentMetadata:     agent.Metadata,
			ErrorCategory:     category,
			RetryRecommended:  category.retryRecommended(),
		}, xerror.Wrap(xerror.KindExternal, fmt.Sprintf("agent selector: interaction with %s failed", agent.ID), err)
	}

	return InteractionResult{
		AgentID:           agent.ID,
		Result:            result,
		ExecutionMetadata: meta,
		AgentMetadata:     agent.Metadata,
	}, nil
}

// CacheStats returns (hits, misses) for metrics/tests.
func (s *Selector) CacheStats() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheHits, s.cacheMisses
}
