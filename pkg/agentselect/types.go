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

// Package agentselect implements the Agent Selector: capability+tag
// scoring with load-aware availability, an LRU/LFU/TTL selection cache,
// and input validation.
package agentselect

import "time"

// Status is an agent's current availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// RuntimeCapabilities bounds what an agent is permitted to do.
type RuntimeCapabilities struct {
	TrustLevel     string
	FFIPermissions []string
	GasLimit       uint64
	Timeout        time.Duration
}

// SkillProficiency is a named skill with a 0..1 proficiency.
type SkillProficiency struct {
	Name        string
	Proficiency float64
}

// Metrics is an agent's live performance record.
type Metrics struct {
	SuccessRate    float64 // 0..1
	ResponseTimeMs float64
	CurrentLoad    float64 // 0..1
}

// Capability bundles personality, approach, skills, metrics, and runtime
// constraints for an agent.
type Capability struct {
	PersonalityTraits []string
	Strengths         []string
	ApproachStyle     string
	RiskTolerance     float64
	Skills            []SkillProficiency
	Metrics           Metrics
	Runtime           RuntimeCapabilities
}

// AgentMetadata is ambient bookkeeping for an agent record.
type AgentMetadata struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int
	GenerationMethod string
	Tags            []string
}

// Agent is the spec.md §3 Agent record.
type Agent struct {
	ID             string
	Name           string
	Role           string
	Specialisation string
	Capability     Capability
	Status         Status
	Metadata       AgentMetadata
}

// Criteria is the Agent Selector's ranking request.
type Criteria struct {
	RequiredCapabilities []string
	PreferredTags        []string
	ExcludeBusy          bool
	MaxConcurrentTasks   int
}

// ErrorCategory taxonomizes execution failures, per spec.md §4.5.
type ErrorCategory string

const (
	ErrorResource      ErrorCategory = "resource"
	ErrorConfiguration ErrorCategory = "configuration"
	ErrorInternal      ErrorCategory = "internal"
	ErrorExternal      ErrorCategory = "external"
	ErrorValidation    ErrorCategory = "validation"
)

func (c ErrorCategory) retryRecommended() bool {
	switch c {
	case ErrorResource, ErrorExternal:
		return true
	default:
		return false
	}
}

// ExecutionMetadata records a single interaction's resource usage.
type ExecutionMetadata struct {
	ExecutionID string
	Start       time.Time
	End         time.Time
	Duration    time.Duration
	ResourceUse map[string]float64
}

// InteractionResult is the Agent Selector's contract output.
type InteractionResult struct {
	AgentID           string
	Result            any
	ExecutionMetadata ExecutionMetadata
	AgentMetadata     AgentMetadata
	ErrorCategory     ErrorCategory
	RetryRecommended  bool
}

// Weights scopes the four scoring terms (§4.5).
type Weights struct {
	Capability  float64
	Tag         float64
	Performance float64
	Availability float64
}

// CachePolicy is the eviction order applied when the cache exceeds its
// configured max size.
type CachePolicy string

const (
	PolicyLRU CachePolicy = "lru"
	PolicyLFU CachePolicy = "lfu"
	PolicyTTL CachePolicy = "ttl"
)

// Config parameterises a Selector.
type Config struct {
	Weights       Weights
	CacheTTL      time.Duration
	CacheMaxSize  int
	CachePolicy   CachePolicy
	MaxInputBytes int
	MinTimeout    time.Duration
	MaxTimeout    time.Duration
}
