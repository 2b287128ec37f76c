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

// Package agentsys implements the Agent System: a registry of agents and
// an LLM-backed team generator with a deterministic fallback roster.
package agentsys

import "github.com/kestrelrun/orchestrator/pkg/agentselect"

// DiversityRequirements shapes the team-generation prompt. The fallback
// archetype roster does not depend on it.
type DiversityRequirements struct {
	MinSpecialisations         int
	DiverseApproachStyles      bool
	DiverseRiskTolerance       bool
	DiverseCollaborationStyles bool
	MinDiversityScore          float64
}

// DefaultDiversityRequirements mirrors the generator's Default impl.
func DefaultDiversityRequirements() DiversityRequirements {
	return DiversityRequirements{
		MinSpecialisations:         2,
		DiverseApproachStyles:      true,
		DiverseRiskTolerance:       true,
		DiverseCollaborationStyles: true,
		MinDiversityScore:          0.7,
	}
}

// MinimalDiversityRequirements is used for single-agent generation.
func MinimalDiversityRequirements() DiversityRequirements {
	return DiversityRequirements{MinSpecialisations: 1}
}

// PerformanceExpectations is a floor the generated team should meet.
type PerformanceExpectations struct {
	MinSuccessRate       float64
	MinQualityScore      float64
	MinCollaborationScore float64
	MinInnovationScore   float64
}

// DefaultPerformanceExpectations mirrors the generator's Default impl.
func DefaultPerformanceExpectations() PerformanceExpectations {
	return PerformanceExpectations{
		MinSuccessRate:        0.7,
		MinQualityScore:       0.7,
		MinCollaborationScore: 0.6,
		MinInnovationScore:    0.5,
	}
}

// TaskRequirement is one capability demand placed on the generated team.
type TaskRequirement struct {
	Capability     string
	MinProficiency float64
	Critical       bool
	Alternatives   []string
}

// TeamRequest parameterises GenerateTeam.
type TeamRequest struct {
	TeamSize     int
	TaskContext  string
	Requirements []TaskRequirement
	Diversity    DiversityRequirements
	Performance  PerformanceExpectations
	Model        string
}

// TechnicalSkill is a named, scored skill with a proficiency description.
type TechnicalSkill struct {
	Name                  string
	Proficiency           float64
	ExperienceDescription string
	Domains               []string
}

// PerformanceExpectation is an LLM-estimated performance profile for a
// generated agent.
type PerformanceExpectation struct {
	SuccessRateEstimate       float64
	QualityScoreEstimate      float64
	CollaborationScoreEstimate float64
	InnovationScoreEstimate   float64
	CompletionTimeEstimate    float64
}

// llmAgentData is the wire shape an LLM is asked to produce for one team
// member, before it is realised into an agentselect.Agent.
type llmAgentData struct {
	Name                    string                  `json:"name"`
	Role                    string                  `json:"role"`
	Specialisation          string                  `json:"specialisation"`
	PersonalityTraits       []string                `json:"personality_traits"`
	Strengths               []string                `json:"strengths"`
	ApproachStyle           string                  `json:"approach_style"`
	CompetitiveEdge         string                  `json:"competitive_edge"`
	RiskTolerance           float64                 `json:"risk_tolerance"`
	CollaborationPreference string                  `json:"collaboration_preference"`
	TechnicalSkills         []TechnicalSkill        `json:"technical_skills"`
	ExpectedPerformance     PerformanceExpectation  `json:"expected_performance"`
}

// teamResponse is the full LLM team-generation response shape.
type teamResponse struct {
	Agents                []llmAgentData `json:"agents"`
	TeamDynamics          string          `json:"team_dynamics"`
	CollaborativePotential float64        `json:"collaborative_potential"`
	DiversityScore        float64         `json:"diversity_score"`
	GenerationReasoning   string          `json:"generation_reasoning"`
}

// FallbackAgentTemplate is a hand-authored archetype used when no LLM is
// available or its response could not be parsed.
type FallbackAgentTemplate struct {
	Name                    string
	Role                    string
	Specialisation          string
	PersonalityTraits       []string
	Strengths               []string
	ApproachStyle           string
	CompetitiveEdge         string
	RiskTolerance           float64
	CollaborationPreference string
	TechnicalSkills         []TechnicalSkill
	ExpectedPerformance     PerformanceExpectation
}

// FallbackConfig supplies defaults applied to every generated agent's
// runtime capabilities, plus the archetype roster itself.
type FallbackConfig struct {
	DefaultGasLimit              uint64
	DefaultExecutionTimeoutSecs  uint64
	DefaultTrustLevel            string
	DefaultFFIPermissions        []string
	Agents                       []FallbackAgentTemplate
}

// DefaultFallbackConfig mirrors the generator's built-in archetype pair.
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		DefaultGasLimit:             15000,
		DefaultExecutionTimeoutSecs: 600,
		DefaultTrustLevel:           "standard",
		DefaultFFIPermissions:       []string{"log_progress", "calculate"},
		Agents:                      defaultFallbackAgents(),
	}
}

func defaultFallbackAgents() []FallbackAgentTemplate {
	return []FallbackAgentTemplate{
		{
			Name:                    "Alex Strategist",
			Role:                    "Strategic Planner",
			Specialisation:          "Systems Analysis and Planning",
			PersonalityTraits:       []string{"analytical", "visionary", "methodical"},
			Strengths:               []string{"strategic thinking", "system design", "risk assessment"},
			ApproachStyle:           "top-down strategic analysis",
			CompetitiveEdge:         "ability to see the big picture while managing details",
			RiskTolerance:           6.5,
			CollaborationPreference: "leads through vision and coordination",
			TechnicalSkills: []TechnicalSkill{{
				Name: "Strategic Planning", Proficiency: 0.9,
				ExperienceDescription: "7 years of strategic planning",
				Domains:                []string{"Business Strategy", "Systems Design"},
			}},
			ExpectedPerformance: PerformanceExpectation{
				SuccessRateEstimate: 0.85, QualityScoreEstimate: 0.9,
				CollaborationScoreEstimate: 0.8, InnovationScoreEstimate: 0.7,
				CompletionTimeEstimate: 45.0,
			},
		},
		{
			Name:                    "Morgan Implementer",
			Role:                    "Technical Implementer",
			Specialisation:          "Software Development and Implementation",
			PersonalityTraits:       []string{"pragmatic", "detail-oriented", "efficient"},
			Strengths:               []string{"rapid implementation", "debugging", "optimisation"},
			ApproachStyle:           "iterative development with continuous feedback",
			CompetitiveEdge:         "exceptional speed and accuracy in implementation",
			RiskTolerance:           4.0,
			CollaborationPreference: "works closely with others, prefers clear specifications",
			TechnicalSkills: []TechnicalSkill{{
				Name: "Software Development", Proficiency: 0.95,
				ExperienceDescription: "10 years of software development",
				Domains:                []string{"Go", "Systems Programming"},
			}},
			ExpectedPerformance: PerformanceExpectation{
				SuccessRateEstimate: 0.92, QualityScoreEstimate: 0.88,
				CollaborationScoreEstimate: 0.85, InnovationScoreEstimate: 0.6,
				CompletionTimeEstimate: 30.0,
			},
		},
	}
}

// Statistics summarises the registry's current population.
type Statistics struct {
	Total        int
	ByStatus     map[agentselect.Status]int
	AvgSuccessRate float64
}
