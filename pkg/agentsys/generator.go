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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelrun/orchestrator/pkg/agentselect"
)

// TextGenerator is the minimal surface the Generator needs from an LLM:
// a raw-text completion over a prompt, with no tool-call, streaming or
// thinking machinery.
type TextGenerator interface {
	Generate(prompt string) (string, error)
}

// Generator produces agent teams via an LLM, falling back to a
// configured archetype roster when no LLM is wired or its response
// cannot be parsed.
type Generator struct {
	llm      TextGenerator
	fallback FallbackConfig
}

// NewGenerator creates a Generator. llm may be nil, in which case every
// call falls back to the archetype roster.
func NewGenerator(llm TextGenerator) *Generator {
	return &Generator{llm: llm, fallback: DefaultFallbackConfig()}
}

// WithFallbackConfig overrides the archetype roster.
func (g *Generator) WithFallbackConfig(cfg FallbackConfig) *Generator {
	g.fallback = cfg
	return g
}

// GenerateTeam asks the LLM for req.TeamSize agents for req.TaskContext
// and realises every agent the response contains. When the fallback
// roster is used instead, the whole configured roster is returned: its
// length is that of the roster, not req.TeamSize.
func (g *Generator) GenerateTeam(req TeamRequest) ([]agentselect.Agent, error) {
	resp := g.callLLM(req)
	return g.convertToAgents(resp, req)
}

// GenerateSingleAgent is GenerateTeam with a one-member roster.
func (g *Generator) GenerateSingleAgent(role, specialisation string, requirements []TaskRequirement) (agentselect.Agent, error) {
	req := TeamRequest{
		TeamSize:     1,
		TaskContext:  fmt.Sprintf("Generate a %s specialised in %s", role, specialisation),
		Requirements: requirements,
		Diversity:    MinimalDiversityRequirements(),
		Performance:  DefaultPerformanceExpectations(),
	}
	agents, err := g.GenerateTeam(req)
	if err != nil {
		return agentselect.Agent{}, err
	}
	if len(agents) == 0 {
		return agentselect.Agent{}, fmt.Errorf("agent system: failed to generate single agent")
	}
	return agents[len(agents)-1], nil
}

func (g *Generator) callLLM(req TeamRequest) teamResponse {
	if g.llm == nil {
		return g.fallbackTeamResponse()
	}

	prompt := g.buildPrompt(req)
	raw, err := g.llm.Generate(prompt)
	if err != nil {
		return g.fallbackTeamResponse()
	}
	return g.parseRobustly(raw)
}

// parseRobustly implements spec.md §4.6's repair pipeline: try a direct
// decode, then unwrap a buried `value` envelope, then extract a JSON
// substring from surrounding prose, then fill in missing required
// fields before a final decode attempt. Falls back to the archetype
// roster if every attempt fails.
func (g *Generator) parseRobustly(raw string) teamResponse {
	if resp, ok := decodeTeamResponse([]byte(raw)); ok {
		return resp
	}

	candidate := raw
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &envelope); err == nil {
		if v, ok := envelope["value"]; ok {
			candidate = string(v)
			if resp, ok := decodeTeamResponse(v); ok {
				return resp
			}
		}
	}

	if extracted, ok := extractJSONSubstring(candidate); ok {
		if resp, ok := decodeTeamResponse([]byte(extracted)); ok {
			return resp
		}
		if repaired, ok := repairPartialResponse(extracted); ok {
			if resp, ok := decodeTeamResponse(repaired); ok {
				return resp
			}
		}
	}

	if repaired, ok := repairPartialResponse(candidate); ok {
		if resp, ok := decodeTeamResponse(repaired); ok {
			return resp
		}
	}

	return g.fallbackTeamResponse()
}

func decodeTeamResponse(data []byte) (teamResponse, bool) {
	var resp teamResponse
	if err := json.Unmarshal(data, &resp); err != nil || len(resp.Agents) == 0 {
		return teamResponse{}, false
	}
	return resp, true
}

// extractJSONSubstring finds the outermost {...} span in s.
func extractJSONSubstring(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// repairPartialResponse fills in missing top-level fields of a partially
// well-formed team response object.
func repairPartialResponse(s string) ([]byte, bool) {
	var partial map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &partial); err != nil {
		return nil, false
	}

	if _, ok := partial["agents"]; !ok {
		partial["agents"] = json.RawMessage("[]")
	}
	if agentsRaw, ok := partial["agents"]; ok {
		var agents []json.RawMessage
		if err := json.Unmarshal(agentsRaw, &agents); err == nil && len(agents) == 0 {
			return nil, false
		}
	}
	if _, ok := partial["team_dynamics"]; !ok {
		partial["team_dynamics"] = json.RawMessage(`"Generated team with diverse expertise"`)
	}
	if _, ok := partial["collaborative_potential"]; !ok {
		partial["collaborative_potential"] = json.RawMessage("7.5")
	}
	if _, ok := partial["diversity_score"]; !ok {
		partial["diversity_score"] = json.RawMessage("8.0")
	}
	if _, ok := partial["generation_reasoning"]; !ok {
		partial["generation_reasoning"] = json.RawMessage(`"AI-generated team based on requirements"`)
	}

	out, err := json.Marshal(partial)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (g *Generator) fallbackTeamResponse() teamResponse {
	agents := make([]llmAgentData, 0, len(g.fallback.Agents))
	for _, t := range g.fallback.Agents {
		agents = append(agents, llmAgentData{
			Name:                    t.Name,
			Role:                    t.Role,
			Specialisation:          t.Specialisation,
			PersonalityTraits:       t.PersonalityTraits,
			Strengths:               t.Strengths,
			ApproachStyle:           t.ApproachStyle,
			CompetitiveEdge:         t.CompetitiveEdge,
			RiskTolerance:           t.RiskTolerance,
			CollaborationPreference: t.CollaborationPreference,
			TechnicalSkills:         t.TechnicalSkills,
			ExpectedPerformance:     t.ExpectedPerformance,
		})
	}
	return teamResponse{
		Agents:                 agents,
		TeamDynamics:           "Complementary strategic and implementation focus with strong collaborative potential",
		CollaborativePotential: 8.5,
		DiversityScore:         7.8,
		GenerationReasoning:    "Selected from configured fallback templates for reliable team composition",
	}
}

func (g *Generator) convertToAgents(resp teamResponse, req TeamRequest) ([]agentselect.Agent, error) {
	now := time.Now()
	agents := make([]agentselect.Agent, 0, len(resp.Agents))
	for _, src := range resp.Agents {
		skills := make([]agentselect.SkillProficiency, 0, len(src.TechnicalSkills))
		for _, ts := range src.TechnicalSkills {
			skills = append(skills, agentselect.SkillProficiency{Name: ts.Name, Proficiency: ts.Proficiency})
		}

		agent := agentselect.Agent{
			ID:             uuid.NewString(),
			Name:           src.Name,
			Role:           src.Role,
			Specialisation: src.Specialisation,
			Status:         agentselect.StatusAvailable,
			Capability: agentselect.Capability{
				PersonalityTraits: src.PersonalityTraits,
				Strengths:         src.Strengths,
				ApproachStyle:     src.ApproachStyle,
				RiskTolerance:     src.RiskTolerance,
				Skills:            skills,
				Metrics: agentselect.Metrics{
					SuccessRate: src.ExpectedPerformance.SuccessRateEstimate,
				},
				Runtime: agentselect.RuntimeCapabilities{
					TrustLevel:     g.fallback.DefaultTrustLevel,
					FFIPermissions: g.fallback.DefaultFFIPermissions,
					GasLimit:       g.fallback.DefaultGasLimit,
					Timeout:        time.Duration(g.fallback.DefaultExecutionTimeoutSecs) * time.Second,
				},
			},
			Metadata: agentselect.AgentMetadata{
				CreatedAt:        now,
				UpdatedAt:        now,
				Version:          1,
				GenerationMethod: "llm_generated",
				Tags:             []string{"llm_generated", "team_member"},
			},
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func (g *Generator) buildPrompt(req TeamRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert AI agent team designer. Create a team of %d diverse AI agents optimised for this task:\n\n", req.TeamSize)
	fmt.Fprintf(&b, "TASK CONTEXT: %s\n\n", req.TaskContext)
	b.WriteString(formatRequirements(req.Requirements))
	b.WriteString("\n\n")
	b.WriteString(formatDiversity(req.Diversity))
	b.WriteString("\n\n")
	b.WriteString(formatPerformance(req.Performance))
	b.WriteString("\n\nCRITICAL: You MUST respond with valid JSON only, matching the agents/team_dynamics/collaborative_potential/diversity_score/generation_reasoning schema. No additional text before or after.\n")
	return b.String()
}

func formatRequirements(reqs []TaskRequirement) string {
	if len(reqs) == 0 {
		return "REQUIREMENTS: None specified"
	}
	var b strings.Builder
	b.WriteString("REQUIREMENTS:\n")
	for _, r := range reqs {
		critical := ""
		if r.Critical {
			critical = ", CRITICAL"
		}
		fmt.Fprintf(&b, "- %s (min proficiency: %.1f%s)\n", r.Capability, r.MinProficiency, critical)
	}
	return b.String()
}

func formatDiversity(d DiversityRequirements) string {
	return fmt.Sprintf(
		"DIVERSITY REQUIREMENTS:\n- Minimum %d different specialisations\n- Diverse approach styles: %v\n- Diverse risk tolerance: %v\n- Diverse collaboration styles: %v\n- Minimum diversity score: %.1f",
		d.MinSpecialisations, d.DiverseApproachStyles, d.DiverseRiskTolerance, d.DiverseCollaborationStyles, d.MinDiversityScore)
}

func formatPerformance(p PerformanceExpectations) string {
	return fmt.Sprintf(
		"PERFORMANCE EXPECTATIONS:\n- Success rate: %.1f+\n- Quality score: %.1f+\n- Collaboration score: %.1f+\n- Innovation score: %.1f+",
		p.MinSuccessRate, p.MinQualityScore, p.MinCollaborationScore, p.MinInnovationScore)
}
