package query

import "github.com/marlboro-red/fxi/internal/analysis"

// NewContentPlan builds a plan for a grep-style raw pattern search. Case
// sensitive patterns narrow through the trigram index; case-insensitive
// searches can only use the (lowercased) token index, since trigrams are
// extracted from raw bytes.
func NewContentPlan(pattern string, caseInsensitive bool, stats IndexStats) *Plan {
	pl := &planner{stats: stats}
	plan := &Plan{Limit: DefaultLimit}

	if caseInsensitive {
		if tokens := analysis.Tokens([]byte(pattern)); len(tokens) > 0 {
			plan.Steps = append(plan.Steps, TokenIntersect{Tokens: tokens})
		}
		plan.Verify = VerifyLiteral{Text: pattern, Boost: 1.0}
	} else {
		if grams := pl.usableGrams(pattern); len(grams) > 0 {
			plan.Steps = append(plan.Steps, TrigramIntersect{Grams: grams})
		} else if tokens := analysis.Tokens([]byte(pattern)); len(tokens) > 0 {
			plan.Steps = append(plan.Steps, TokenIntersect{Tokens: tokens})
		}
		plan.Verify = VerifyPhrase{Text: pattern, Boost: 1.0}
	}
	pl.orderSteps(plan)
	return plan
}
