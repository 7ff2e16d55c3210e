package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marlboro-red/fxi/internal/config"
)

func TestScoreMoreMatchesWins(t *testing.T) {
	s := NewScorer(config.Default().Scoring)
	one := s.Score(ScoreContext{MatchCount: 1})
	ten := s.Score(ScoreContext{MatchCount: 10})
	assert.Greater(t, ten, one)
}

func TestScoreFilenameBonus(t *testing.T) {
	s := NewScorer(config.Default().Scoring)
	plain := s.Score(ScoreContext{MatchCount: 1})
	bonus := s.Score(ScoreContext{MatchCount: 1, FilenameMatch: true})
	assert.Greater(t, bonus, plain)
}

func TestScoreDepthPenaltyCapped(t *testing.T) {
	s := NewScorer(config.Default().Scoring)
	shallow := s.Score(ScoreContext{MatchCount: 4, Depth: 1})
	deep := s.Score(ScoreContext{MatchCount: 4, Depth: 10})
	veryDeep := s.Score(ScoreContext{MatchCount: 4, Depth: 100})
	assert.Greater(t, shallow, deep)
	// Beyond the cap the penalty stops growing.
	assert.Equal(t, deep, veryDeep)
}

func TestScoreRecencyDecay(t *testing.T) {
	s := NewScorer(config.Default().Scoring)
	now := uint64(time.Now().Unix())
	fresh := s.Score(ScoreContext{MatchCount: 1, MtimeSecs: now})
	old := s.Score(ScoreContext{MatchCount: 1, MtimeSecs: now - 90*86400})
	assert.Greater(t, fresh, old)

	// A file exactly one half-life old earns half the bonus.
	half := s.recencyBonus(now - 7*86400)
	full := s.recencyBonus(now)
	assert.InDelta(t, full/2, half, 0.01)
}

func TestScoreBoostMultiplies(t *testing.T) {
	s := NewScorer(config.Default().Scoring)
	base := s.Score(ScoreContext{MatchCount: 3, Boost: 1})
	doubled := s.Score(ScoreContext{MatchCount: 3, Boost: 2})
	assert.InDelta(t, base*2, doubled, 1e-9)
}

func TestScoreFloor(t *testing.T) {
	s := NewScorer(config.Default().Scoring)
	score := s.Score(ScoreContext{MatchCount: 0, Depth: 50})
	assert.Equal(t, 0.1, score)
}

func TestTermInFilename(t *testing.T) {
	assert.True(t, TermInFilename("src/query/executor.go", "executor"))
	assert.True(t, TermInFilename("src/query/executor.go", "EXECUTOR"))
	assert.False(t, TermInFilename("src/query/executor.go", "parser"))
}

func TestPathDepth(t *testing.T) {
	assert.Equal(t, 1, PathDepth("file.go"))
	assert.Equal(t, 2, PathDepth("src/file.go"))
	assert.Equal(t, 3, PathDepth("src/query/executor.go"))
}
