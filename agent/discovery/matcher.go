package discovery

import (
	"math"
	"sort"

	"github.com/BaSui01/agentmesh/types"
)

// Scoring weights of the suitability formula.
const (
	MatchRatioWeight    = 0.4
	ReputationWeight    = 0.3
	LoadFactorWeight    = 0.3
	SpecializationBonus = 0.2

	// MinMatchRatio excludes agents covering less than half the requirement.
	MinMatchRatio = 0.5

	scoreEpsilon = 1e-9
)

// Candidate is one ranked agent with the terms of its score.
type Candidate struct {
	Agent               *types.AgentProfile `json:"agent"`
	Score               float64             `json:"score"`
	MatchRatio          float64             `json:"match_ratio"`
	LoadFactor          float64             `json:"load_factor"`
	SpecializationBonus float64             `json:"specialization_bonus"`
	Matched             types.CapabilitySet `json:"matched"`
}

// Score computes the suitability terms of one agent against required.
func Score(required types.CapabilitySet, agent *types.AgentProfile) Candidate {
	matched := agent.Capabilities.Intersect(required)

	ratio := 1.0
	if required.Len() > 0 {
		ratio = float64(matched.Len()) / float64(required.Len())
	}

	loadFactor := 0.0
	if agent.MaxConcurrentTasks > 0 {
		loadFactor = 1 - float64(agent.CurrentLoad)/float64(agent.MaxConcurrentTasks)
	}

	bonus := 0.0
	for _, tag := range matched {
		if agent.Specializations.Contains(tag) {
			bonus = SpecializationBonus
			break
		}
	}

	return Candidate{
		Agent:               agent,
		Score:               MatchRatioWeight*ratio + ReputationWeight*agent.ReputationScore + LoadFactorWeight*loadFactor + bonus,
		MatchRatio:          ratio,
		LoadFactor:          loadFactor,
		SpecializationBonus: bonus,
		Matched:             matched,
	}
}

// Rank scores every available agent against required and returns the
// candidates best first. Agents that are unavailable or match less than half
// of the requirement are left out. The order is fully deterministic: score,
// then reputation, then lower load, then registration order.
func Rank(required types.CapabilitySet, agents []*types.AgentProfile) []Candidate {
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		if a == nil || !a.Available() {
			continue
		}
		c := Score(required, a)
		if c.MatchRatio+scoreEpsilon < MinMatchRatio {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

// Best returns the head of Rank.
func Best(required types.CapabilitySet, agents []*types.AgentProfile) (Candidate, bool) {
	ranked := Rank(required, agents)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	return ranked[0], true
}

func less(a, b Candidate) bool {
	if !floatEqual(a.Score, b.Score) {
		return a.Score > b.Score
	}
	if !floatEqual(a.Agent.ReputationScore, b.Agent.ReputationScore) {
		return a.Agent.ReputationScore > b.Agent.ReputationScore
	}
	if a.Agent.CurrentLoad != b.Agent.CurrentLoad {
		return a.Agent.CurrentLoad < b.Agent.CurrentLoad
	}
	if a.Agent.ID != b.Agent.ID {
		return a.Agent.ID < b.Agent.ID
	}
	return a.Agent.Name < b.Agent.Name
}

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) < scoreEpsilon
}
