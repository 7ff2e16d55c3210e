package query

import (
	"math"
	"path"
	"strings"
	"time"

	"github.com/marlboro-red/fxi/internal/config"
)

// Scorer ranks verified matches. All weights come from configuration; the
// defaults give a 7-day recency half-life.
type Scorer struct {
	weights config.ScoringWeights
	nowSecs uint64
}

// NewScorer captures the current time once so a whole result set is scored
// against the same clock.
func NewScorer(weights config.ScoringWeights) *Scorer {
	return &Scorer{weights: weights, nowSecs: uint64(time.Now().Unix())}
}

// ScoreContext carries the per-file inputs to scoring.
type ScoreContext struct {
	MatchCount    int
	FilenameMatch bool
	Depth         int
	MtimeSecs     uint64
	Boost         float64
}

// Score computes the relevance of one file:
// match-count term (log2-damped), filename bonus, depth penalty and recency
// decay, all multiplied by the user boost.
func (s *Scorer) Score(ctx ScoreContext) float64 {
	score := s.weights.MatchCountWeight * math.Log2(float64(ctx.MatchCount)+1)

	if ctx.FilenameMatch {
		score += s.weights.FilenameMatchBonus
	}

	penalty := float64(ctx.Depth) * s.weights.DepthPenalty
	if penalty > s.weights.MaxDepthPenalty {
		penalty = s.weights.MaxDepthPenalty
	}
	score -= penalty

	score += s.recencyBonus(ctx.MtimeSecs)

	boost := ctx.Boost
	if boost <= 0 {
		boost = 1.0
	}
	score *= boost

	if score < 0.1 {
		score = 0.1
	}
	return score
}

func (s *Scorer) recencyBonus(mtimeSecs uint64) float64 {
	if mtimeSecs == 0 || s.nowSecs == 0 || mtimeSecs > s.nowSecs {
		return 0
	}
	ageSecs := float64(s.nowSecs - mtimeSecs)
	decay := math.Exp(-ageSecs * math.Ln2 / s.weights.RecencyHalfLifeSecs)
	return s.weights.MaxRecencyBonus * decay
}

// TermInFilename reports whether term occurs in the file's base name,
// case-insensitively.
func TermInFilename(relPath, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(path.Base(relPath)), strings.ToLower(term))
}

// PathDepth counts the components of a slash-separated relative path.
func PathDepth(relPath string) int {
	if relPath == "" {
		return 0
	}
	return strings.Count(relPath, "/") + 1
}
