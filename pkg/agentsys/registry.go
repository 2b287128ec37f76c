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

package agentsys

import (
	"sync"

	"github.com/kestrelrun/orchestrator/pkg/agentselect"
	"github.com/kestrelrun/orchestrator/pkg/capability"
	"github.com/kestrelrun/orchestrator/pkg/xerror"
)

// Registry holds the known agent population. It implements
// agentselect.Directory so a Selector can rank over it directly.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]agentselect.Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]agentselect.Agent)}
}

// RegisterAgent adds or replaces an agent record.
func (r *Registry) RegisterAgent(a agentselect.Agent) error {
	if a.ID == "" {
		return xerror.Validation("agent system: agent id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
	return nil
}

// GetAgent retrieves an agent by id.
func (r *Registry) GetAgent(id string) (agentselect.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return agentselect.Agent{}, xerror.NotFound("agent system: agent %q not found", id)
	}
	return a, nil
}

// ListActiveAgents returns every agent not marked offline.
func (r *Registry) ListActiveAgents() []agentselect.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agentselect.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.Status != agentselect.StatusOffline {
			out = append(out, a)
		}
	}
	return out
}

// ListActive satisfies agentselect.Directory.
func (r *Registry) ListActive() []agentselect.Agent {
	return r.ListActiveAgents()
}

// FindAgents returns every agent whose skills/tags satisfy matcher.
func (r *Registry) FindAgents(matcher *capability.Matcher) []agentselect.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []agentselect.Agent
	for _, a := range r.agents {
		skills := make([]capability.Skill, 0, len(a.Capability.Skills))
		for _, s := range a.Capability.Skills {
			skills = append(skills, capability.Skill{Name: s.Name, Proficiency: s.Proficiency})
		}
		res := matcher.Match(skills, a.Metadata.Tags)
		if res.RequiredSkillsMet {
			out = append(out, a)
		}
	}
	return out
}

// GetStatistics summarises the current population.
func (r *Registry) GetStatistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{Total: len(r.agents), ByStatus: make(map[agentselect.Status]int)}
	var successSum float64
	for _, a := range r.agents {
		stats.ByStatus[a.Status]++
		successSum += a.Capability.Metrics.SuccessRate
	}
	if stats.Total > 0 {
		stats.AvgSuccessRate = successSum / float64(stats.Total)
	}
	return stats
}

// RemoveAgent deletes an agent record. Absence is not an error.
func (r *Registry) RemoveAgent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}
