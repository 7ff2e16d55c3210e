package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlboro-red/fxi/internal/config"
	"github.com/marlboro-red/fxi/internal/index"
	"github.com/marlboro-red/fxi/internal/testindex"
)

func openCorpus(t *testing.T, files map[string]string) *index.Reader {
	t.Helper()
	reader := testindex.Build(t, files)
	t.Cleanup(func() { reader.Close() })
	return reader
}

func search(t *testing.T, reader *index.Reader, input string) []FileMatch {
	t.Helper()
	q, err := Parse(input)
	require.NoError(t, err)
	exec := NewExecutor(reader, config.Default().Scoring, nil)
	matches, err := exec.Execute(context.Background(), NewPlan(q, reader), ExecOptions{})
	require.NoError(t, err)
	return matches
}

func matchedPaths(matches []FileMatch) []string {
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, m.Path)
	}
	return paths
}

// Scenario: two files, boolean combinations.
func TestSearchTwoFiles(t *testing.T) {
	reader := openCorpus(t, map[string]string{
		"a.txt": "hello world",
		"b.txt": "world peace",
	})

	assert.ElementsMatch(t, []string{"a.txt", "b.txt"},
		matchedPaths(search(t, reader, "world")))
	assert.Equal(t, []string{"a.txt"},
		matchedPaths(search(t, reader, "hello")))
	assert.Empty(t, search(t, reader, "hello -world"))
}

func TestSearchPhrase(t *testing.T) {
	reader := openCorpus(t, map[string]string{
		"a.txt": "exact phrase here\n",
		"b.txt": "phrase exact here\n",
	})
	assert.Equal(t, []string{"a.txt"},
		matchedPaths(search(t, reader, `"exact phrase"`)))
}

func TestSearchContentPlan(t *testing.T) {
	reader := openCorpus(t, map[string]string{
		"main.rs": "fn main() { println!(); }",
	})

	plan := NewContentPlan("fn main", false, reader)
	exec := NewExecutor(reader, config.Default().Scoring, nil)
	matches, err := exec.Execute(context.Background(), plan, ExecOptions{})
	require.NoError(t, err)

	require.Len(t, matches, 1)
	require.Len(t, matches[0].Lines, 1)
	lm := matches[0].Lines[0]
	assert.Equal(t, uint32(1), lm.LineNumber)
	assert.Equal(t, 0, lm.MatchStart)
	assert.Equal(t, 7, lm.MatchEnd)
}

// Scenario: ext filter plus multi-match scoring.
func TestSearchExtFilterAndMatchCount(t *testing.T) {
	lines := make([]byte, 0, 256)
	for i := 0; i < 9; i++ {
		lines = append(lines, "filler line\n"...)
	}
	rsContent := string(lines) + "error here and error there\n"

	reader := openCorpus(t, map[string]string{
		"src/lib.rs": rsContent,
		"src/lib.py": "error\n",
	})

	matches := search(t, reader, "ext:rs error")
	require.Len(t, matches, 1)
	assert.Equal(t, "src/lib.rs", matches[0].Path)
	// Both occurrences on line 10 are recorded.
	require.Len(t, matches[0].Lines, 2)
	assert.Equal(t, uint32(10), matches[0].Lines[0].LineNumber)
	assert.Equal(t, uint32(10), matches[0].Lines[1].LineNumber)

	// The scorer sees both occurrences: score exceeds a single-hit file's.
	single := search(t, reader, "error")
	require.Len(t, single, 2)
	var rs, py FileMatch
	for _, m := range single {
		if m.Path == "src/lib.rs" {
			rs = m
		} else {
			py = m
		}
	}
	assert.Greater(t, rs.Score, py.Score)
}

// Scenario: proximity search.
func TestSearchNear(t *testing.T) {
	closeFile := "l1\nl2\nl3\nl4\nfoo is here\nl6\nbar is here\nl8\n"
	farFile := "l1\nl2\nl3\nl4\nfoo is here\nl6\nl7\nl8\nbar far away\n"
	reader := openCorpus(t, map[string]string{
		"close.txt": closeFile, // foo@5, bar@7
		"far.txt":   farFile,   // foo@5, bar@9
	})

	matches := search(t, reader, "near:foo,bar,3")
	assert.Equal(t, []string{"close.txt"}, matchedPaths(matches))

	matches = search(t, reader, "near:foo,bar,4")
	assert.ElementsMatch(t, []string{"close.txt", "far.txt"}, matchedPaths(matches))
}

func TestSearchEmptyIndex(t *testing.T) {
	reader := openCorpus(t, map[string]string{})
	assert.Empty(t, search(t, reader, "anything"))
}

func TestSearchRegex(t *testing.T) {
	reader := openCorpus(t, map[string]string{
		"a.go": "func HandleRequest() {}\n",
		"b.go": "func handleOther() {}\n",
	})
	matches := search(t, reader, "re:/Handle[A-Z]/")
	assert.Equal(t, []string{"a.go"}, matchedPaths(matches))
}

func TestSearchOr(t *testing.T) {
	reader := openCorpus(t, map[string]string{
		"a.txt": "alpha content\n",
		"b.txt": "beta content\n",
		"c.txt": "gamma content\n",
	})
	matches := search(t, reader, "alpha | beta")
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, matchedPaths(matches))
}

func TestSearchLineFilter(t *testing.T) {
	content := "needle\nx\nx\nx\nneedle\n"
	reader := openCorpus(t, map[string]string{"f.txt": content})

	matches := search(t, reader, "line:1-2 needle")
	require.Len(t, matches, 1)
	require.Len(t, matches[0].Lines, 1)
	assert.Equal(t, uint32(1), matches[0].Lines[0].LineNumber)

	assert.Empty(t, search(t, reader, "line:2-4 needle"))
}

func TestSearchBoostRaisesScore(t *testing.T) {
	reader := openCorpus(t, map[string]string{"a.txt": "needle\n"})

	plain := search(t, reader, "needle")
	boosted := search(t, reader, "^3:needle")
	require.Len(t, plain, 1)
	require.Len(t, boosted, 1)
	assert.InDelta(t, plain[0].Score*3, boosted[0].Score, 0.01)
}

func TestSearchPathGlob(t *testing.T) {
	reader := openCorpus(t, map[string]string{
		"src/a.go":      "target\n",
		"vendor/b.go":   "target\n",
		"src/deep/c.go": "target\n",
	})
	matches := search(t, reader, "path:src/** target")
	assert.ElementsMatch(t, []string{"src/a.go", "src/deep/c.go"}, matchedPaths(matches))
}

func TestSearchCaseInsensitiveLiteral(t *testing.T) {
	reader := openCorpus(t, map[string]string{"a.txt": "Needle in haystack\n"})
	// Bare words match case-insensitively at verification; narrowing falls
	// back to the token index since the raw-byte trigrams differ.
	matches := search(t, reader, "needle")
	assert.Equal(t, []string{"a.txt"}, matchedPaths(matches))
}

func TestSearchLimit(t *testing.T) {
	files := map[string]string{}
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		files[n+".txt"] = "common content\n"
	}
	reader := openCorpus(t, files)

	matches := search(t, reader, "top:3 common")
	assert.Len(t, matches, 3)
}

func TestSearchFilesOnlyStopsEarly(t *testing.T) {
	files := map[string]string{}
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		files[n+".txt"] = "stop early\nstop early again\n"
	}
	reader := openCorpus(t, files)

	q, err := Parse("stop")
	require.NoError(t, err)
	exec := NewExecutor(reader, config.Default().Scoring, nil)
	matches, err := exec.Execute(context.Background(), NewPlan(q, reader),
		ExecOptions{Limit: 2, FilesOnly: true})
	require.NoError(t, err)
	assert.Len(t, matches, 2)
	for _, m := range matches {
		assert.Len(t, m.Lines, 1, "files-only keeps a single line per file")
	}
}

func TestDeterministicOrdering(t *testing.T) {
	files := map[string]string{}
	for _, n := range []string{"a", "b", "c", "d"} {
		files[n+".txt"] = "same content everywhere\n"
	}
	reader := openCorpus(t, files)

	first := matchedPaths(search(t, reader, "content"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, matchedPaths(search(t, reader, "content")))
	}
}
