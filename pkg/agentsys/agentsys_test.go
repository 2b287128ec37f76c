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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/orchestrator/pkg/agentselect"
	"github.com/kestrelrun/orchestrator/pkg/capability"
)

func TestRegistryRegisterGetList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAgent(agentselect.Agent{ID: "a1", Status: agentselect.StatusAvailable}))
	require.NoError(t, r.RegisterAgent(agentselect.Agent{ID: "a2", Status: agentselect.StatusOffline}))

	got, err := r.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)

	active := r.ListActiveAgents()
	require.Len(t, active, 1)
	assert.Equal(t, "a1", active[0].ID)

	_, err = r.GetAgent("missing")
	assert.Error(t, err)
}

func TestRegistryRejectsEmptyID(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.RegisterAgent(agentselect.Agent{}))
}

func TestFindAgentsAppliesMatcher(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAgent(agentselect.Agent{
		ID:     "skilled",
		Status: agentselect.StatusAvailable,
		Capability: agentselect.Capability{
			Skills: []agentselect.SkillProficiency{{Name: "go", Proficiency: 0.9}},
		},
	}))
	require.NoError(t, r.RegisterAgent(agentselect.Agent{
		ID:     "unskilled",
		Status: agentselect.StatusAvailable,
		Capability: agentselect.Capability{
			Skills: []agentselect.SkillProficiency{{Name: "go", Proficiency: 0.1}},
		},
	}))

	matcher := capability.New().RequireSkill("go", 0.5, 1.0)
	found := r.FindAgents(matcher)
	require.Len(t, found, 1)
	assert.Equal(t, "skilled", found[0].ID)
}

func TestGetStatistics(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAgent(agentselect.Agent{ID: "a1", Status: agentselect.StatusAvailable, Capability: agentselect.Capability{Metrics: agentselect.Metrics{SuccessRate: 1.0}}}))
	require.NoError(t, r.RegisterAgent(agentselect.Agent{ID: "a2", Status: agentselect.StatusBusy, Capability: agentselect.Capability{Metrics: agentselect.Metrics{SuccessRate: 0.5}}}))

	stats := r.GetStatistics()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[agentselect.StatusAvailable])
	assert.Equal(t, 1, stats.ByStatus[agentselect.StatusBusy])
	assert.InDelta(t, 0.75, stats.AvgSuccessRate, 0.001)
}

func TestGenerateTeamWithoutLLMUsesFallback(t *testing.T) {
	g := NewGenerator(nil)
	agents, err := g.GenerateTeam(TeamRequest{TeamSize: 2, TaskContext: "ship a feature"})
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "Alex Strategist", agents[0].Name)
	assert.NotEmpty(t, agents[0].ID)
}

type stubLLM struct {
	response string
	err      error
}

func (s stubLLM) Generate(prompt string) (string, error) { return s.response, s.err }

func TestGenerateTeamParsesDirectJSON(t *testing.T) {
	g := NewGenerator(stubLLM{response: `{
		"agents": [{
			"name": "Dana",
			"role": "Researcher",
			"specialisation": "Data Analysis",
			"personality_traits": ["curious"],
			"strengths": ["analysis"],
			"approach_style": "data-driven",
			"competitive_edge": "fast synthesis",
			"risk_tolerance": 3.0,
			"collaboration_preference": "async",
			"technical_skills": [{"name": "stats", "proficiency": 0.8, "experience_description": "advanced", "domains": ["math"]}],
			"expected_performance": {"success_rate_estimate": 0.8, "quality_score_estimate": 0.8, "collaboration_score_estimate": 0.7, "innovation_score_estimate": 0.6, "completion_time_estimate": 20}
		}],
		"team_dynamics": "solo",
		"collaborative_potential": 5,
		"diversity_score": 5,
		"generation_reasoning": "test"
	}`})

	agents, err := g.GenerateTeam(TeamRequest{TeamSize: 1, TaskContext: "analyse data"})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Dana", agents[0].Name)
	assert.Equal(t, agentselect.StatusAvailable, agents[0].Status)
}

func TestGenerateTeamExtractsEmbeddedJSON(t *testing.T) {
	g := NewGenerator(stubLLM{response: `Sure, here is the team: {"agents":[{"name":"Embedded","role":"r","specialisation":"s","personality_traits":[],"strengths":[],"approach_style":"a","competitive_edge":"c","risk_tolerance":1,"collaboration_preference":"p","technical_skills":[],"expected_performance":{"success_rate_estimate":0.5,"quality_score_estimate":0.5,"collaboration_score_estimate":0.5,"innovation_score_estimate":0.5,"completion_time_estimate":1}}],"team_dynamics":"d","collaborative_potential":1,"diversity_score":1,"generation_reasoning":"r"} -- hope that helps!`})

	agents, err := g.GenerateTeam(TeamRequest{TeamSize: 1, TaskContext: "x"})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Embedded", agents[0].Name)
}

func TestGenerateTeamRepairsPartialResponse(t *testing.T) {
	g := NewGenerator(stubLLM{response: `{"agents":[{"name":"Partial","role":"r","specialisation":"s","personality_traits":[],"strengths":[],"approach_style":"a","competitive_edge":"c","risk_tolerance":1,"collaboration_preference":"p","technical_skills":[],"expected_performance":{"success_rate_estimate":0.5,"quality_score_estimate":0.5,"collaboration_score_estimate":0.5,"innovation_score_estimate":0.5,"completion_time_estimate":1}}]}`})

	agents, err := g.GenerateTeam(TeamRequest{TeamSize: 1, TaskContext: "x"})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Partial", agents[0].Name)
}

func TestGenerateTeamFallsBackOnEmptyAgents(t *testing.T) {
	g := NewGenerator(stubLLM{response: `{"agents":[]}`})
	agents, err := g.GenerateTeam(TeamRequest{TeamSize: 2, TaskContext: "x"})
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "Alex Strategist", agents[0].Name)
}

func TestGenerateTeamFallsBackOnLLMError(t *testing.T) {
	g := NewGenerator(stubLLM{err: assert.AnError})
	agents, err := g.GenerateTeam(TeamRequest{TeamSize: 2, TaskContext: "x"})
	require.NoError(t, err)
	require.Len(t, agents, 2)
}

func TestGenerateSingleAgentReturnsLastTeamMember(t *testing.T) {
	g := NewGenerator(nil)
	agent, err := g.GenerateSingleAgent("Researcher", "NLP", nil)
	require.NoError(t, err)
	assert.Equal(t, "Morgan Implementer", agent.Name)
}

func TestRuntimeCapabilitiesAppliedFromFallbackConfig(t *testing.T) {
	g := NewGenerator(nil).WithFallbackConfig(FallbackConfig{
		DefaultGasLimit:             42,
		DefaultExecutionTimeoutSecs: 7,
		DefaultTrustLevel:           "elevated",
		DefaultFFIPermissions:       []string{"net"},
		Agents:                      defaultFallbackAgents(),
	})
	agents, err := g.GenerateTeam(TeamRequest{TeamSize: 1, TaskContext: "x"})
	require.NoError(t, err)
	require.NotEmpty(t, agents)
	assert.EqualValues(t, 42, agents[0].Capability.Runtime.GasLimit)
	assert.Equal(t, 7*time.Second, agents[0].Capability.Runtime.Timeout)
	assert.Equal(t, "elevated", agents[0].Capability.Runtime.TrustLevel)
}
