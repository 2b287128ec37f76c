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

// Package capability implements the composable CapabilityMatcher used by
// the Agent System to score a candidate agent's skills against a set of
// requirements.
package capability

// Skill is a named proficiency an agent holds.
type Skill struct {
	Name        string
	Proficiency float64 // 0..1
}

// requirement is one predicate accumulated by the builder.
type requirement struct {
	skill       string
	minProf     float64
	weight      float64
	domain      string
	isDomain    bool
}

// Matcher is a composable predicate: New().RequireSkill(...).RequireDomain(...).
type Matcher struct {
	requirements []requirement
}

// New starts an empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// RequireSkill adds a required skill at a minimum proficiency, weighted
// in the aggregate score.
func (m *Matcher) RequireSkill(name string, minProficiency, weight float64) *Matcher {
	m.requirements = append(m.requirements, requirement{skill: name, minProf: minProficiency, weight: weight})
	return m
}

// RequireDomain adds a required domain tag (unweighted, boolean gate).
func (m *Matcher) RequireDomain(tag string) *Matcher {
	m.requirements = append(m.requirements, requirement{domain: tag, isDomain: true})
	return m
}

// Result is the outcome of matching an agent's skills/tags against a
// Matcher.
type Result struct {
	Score             float64
	RequiredSkillsMet bool
	Missing           []string
}

// Match scores skills/tags against the accumulated requirements. Score
// sums weighted proficiencies of matched skills; RequiredSkillsMet is
// true iff every required skill is present at or above its minimum and
// every required domain tag is present.
func (m *Matcher) Match(skills []Skill, tags []string) Result {
	skillByName := make(map[string]float64, len(skills))
	for _, s := range skills {
		skillByName[s.Name] = s.Proficiency
	}
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}

	res := Result{RequiredSkillsMet: true}
	for _, r := range m.requirements {
		if r.isDomain {
			if !tagSet[r.domain] {
				res.RequiredSkillsMet = false
				res.Missing = append(res.Missing, r.domain)
			}
			continue
		}
		prof, ok := skillByName[r.skill]
		if !ok || prof < r.minProf {
			res.RequiredSkillsMet = false
			res.Missing = append(res.Missing, r.skill)
			continue
		}
		res.Score += prof * r.weight
	}
	return res
}
