package query

import (
	"context"
	"log/slog"
	"os"
	"path"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/marlboro-red/fxi/internal/cache"
	"github.com/marlboro-red/fxi/internal/config"
	"github.com/marlboro-red/fxi/internal/index"
	"github.com/marlboro-red/fxi/internal/index/segment"
	"github.com/marlboro-red/fxi/internal/mmap"
)

// smallFileThreshold: verification reads files up to this size directly;
// larger files are memory-mapped.
const smallFileThreshold = 4 << 10

// Executor runs plans against an open index reader.
type Executor struct {
	reader  *index.Reader
	scorer  *Scorer
	content *cache.ContentCache
	logger  *slog.Logger
}

// NewExecutor creates an executor. The content cache serves the sequential
// verification path only; parallel verification bypasses it.
func NewExecutor(reader *index.Reader, weights config.ScoringWeights, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		reader:  reader,
		scorer:  NewScorer(weights),
		content: cache.NewContentCache(256, 1<<20),
		logger:  logger,
	}
}

// ExecOptions tunes one execution.
type ExecOptions struct {
	// Limit caps the ranked result count. Zero means the plan's limit.
	Limit int
	// ContextBefore/ContextAfter request surrounding lines per match.
	ContextBefore int
	ContextAfter  int
	// FilesOnly stops verifying a file after its first match and lets
	// workers stop feeding once Limit files matched.
	FilesOnly bool
}

// ContextLine is one line surrounding a match.
type ContextLine struct {
	LineNumber uint32
	Text       string
}

// LineMatch is one verified occurrence.
type LineMatch struct {
	LineNumber  uint32
	LineContent string
	MatchStart  int
	MatchEnd    int
	Before      []ContextLine
	After       []ContextLine

	boost float64
}

// FileMatch groups the verified occurrences of one document.
type FileMatch struct {
	DocID uint32
	Path  string
	Score float64
	Mtime uint64
	Lines []LineMatch
}

// Execute runs the three phases: narrowing, verification, scoring.
func (e *Executor) Execute(ctx context.Context, plan *Plan, opts ExecOptions) ([]FileMatch, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = plan.Limit
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	if e.reader.DocCount() == 0 {
		return nil, nil
	}
	if plan.Verify == nil {
		// Filter-only queries list matching documents without content work.
		return e.listDocuments(ctx, plan, limit)
	}

	candidates, err := e.narrow(ctx, plan)
	if err != nil {
		return nil, err
	}
	if candidates.IsEmpty() {
		return nil, nil
	}

	matches, err := e.verifyCandidates(ctx, candidates, plan, opts, limit)
	if err != nil {
		return nil, err
	}

	e.scoreMatches(plan, matches)
	sortMatches(matches, plan.Sort)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// --- Phase 1: narrowing -------------------------------------------------

// narrow produces the candidate set. Segments are processed in parallel;
// a per-segment failure logs, contributes nothing, and does not abort the
// query.
func (e *Executor) narrow(ctx context.Context, plan *Plan) (*roaring.Bitmap, error) {
	var candidates *roaring.Bitmap

	if plan.HasNarrowing() {
		candidates = e.narrowSegments(ctx, plan.Steps)
	} else {
		candidates = e.allValidDocs()
	}

	for _, exclude := range plan.Excludes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		excluded := e.narrowSegments(ctx, exclude.Steps)
		candidates.AndNot(excluded)
	}

	if !plan.Filters.Empty() {
		candidates = e.applyFilters(candidates, &plan.Filters)
	} else {
		candidates = e.dropInvalid(candidates)
	}
	return candidates, nil
}

// narrowSegments unions the per-segment candidate sets for the given steps.
func (e *Executor) narrowSegments(ctx context.Context, steps []Step) *roaring.Bitmap {
	segments := e.reader.Segments()
	results := make([]*roaring.Bitmap, len(segments))

	g, _ := errgroup.WithContext(ctx)
	for i, seg := range segments {
		g.Go(func() error {
			bm, err := e.segmentCandidates(seg, steps)
			if err != nil {
				e.logger.Error("segment narrowing failed",
					"segment", seg.ID, "error", err)
				return nil
			}
			results[i] = bm
			return nil
		})
	}
	g.Wait()

	union := roaring.New()
	for _, bm := range results {
		if bm != nil {
			union.Or(bm)
		}
	}
	return union
}

// segmentCandidates runs the narrowing steps against one segment. The step
// order inside a segment is fixed: rarest key first, short-circuiting on an
// empty intersection.
func (e *Executor) segmentCandidates(seg *segment.Reader, steps []Step) (*roaring.Bitmap, error) {
	var result *roaring.Bitmap // nil means unconstrained

	intersect := func(bm *roaring.Bitmap) {
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
	}

	for _, step := range steps {
		if result != nil && result.IsEmpty() {
			return result, nil
		}
		switch s := step.(type) {
		case TrigramIntersect:
			bm, err := e.intersectGrams(seg, s.Grams)
			if err != nil {
				return nil, err
			}
			intersect(bm)

		case TokenIntersect:
			bm, err := e.intersectTokens(seg, s.Tokens)
			if err != nil {
				return nil, err
			}
			intersect(bm)

		case TokenOrTrigram:
			tokenPart, err := e.intersectTokens(seg, s.Tokens)
			if err != nil {
				return nil, err
			}
			gramPart, err := e.intersectGrams(seg, s.Grams)
			if err != nil {
				return nil, err
			}
			tokenPart.Or(gramPart)
			intersect(tokenPart)

		case UnionStep:
			union := roaring.New()
			for _, sub := range s.Plans {
				bm, err := e.segmentCandidates(seg, sub.Steps)
				if err != nil {
					return nil, err
				}
				if bm == nil {
					continue
				}
				for _, ex := range sub.Excludes {
					exBM, err := e.segmentCandidates(seg, ex.Steps)
					if err != nil {
						return nil, err
					}
					if exBM != nil {
						bm.AndNot(exBM)
					}
				}
				union.Or(bm)
			}
			intersect(union)
		}
	}

	if result == nil {
		result = roaring.New()
	}
	return result, nil
}

// intersectGrams bloom-tests every gram, then intersects posting lists in
// the planner's rarest-first order.
func (e *Executor) intersectGrams(seg *segment.Reader, grams []uint32) (*roaring.Bitmap, error) {
	for _, gram := range grams {
		if !seg.BloomContains(gram) {
			return roaring.New(), nil
		}
	}

	result := roaring.New()
	for i, gram := range grams {
		postings, ok := seg.LookupTrigram(gram)
		if !ok {
			return roaring.New(), nil
		}
		bm := roaring.New()
		if err := postings.Each(bm.Add); err != nil {
			return nil, index.NewCorruptError("grams.postings", err)
		}
		if i == 0 {
			result = bm
		} else {
			result.And(bm)
		}
		if result.IsEmpty() {
			return result, nil
		}
	}
	return result, nil
}

func (e *Executor) intersectTokens(seg *segment.Reader, tokens []string) (*roaring.Bitmap, error) {
	result := roaring.New()
	for i, tok := range tokens {
		postings, ok := seg.LookupToken(tok)
		if !ok {
			return roaring.New(), nil
		}
		bm := roaring.New()
		if err := postings.Each(bm.Add); err != nil {
			return nil, index.NewCorruptError("tokens.postings", err)
		}
		if i == 0 {
			result = bm
		} else {
			result.And(bm)
		}
		if result.IsEmpty() {
			return result, nil
		}
	}
	return result, nil
}

func (e *Executor) allValidDocs() *roaring.Bitmap {
	bm := roaring.New()
	for id := uint32(0); id < e.reader.DocCount(); id++ {
		doc, err := e.reader.Document(id)
		if err != nil {
			continue
		}
		if doc.Valid() {
			bm.Add(id)
		}
	}
	return bm
}

func (e *Executor) dropInvalid(candidates *roaring.Bitmap) *roaring.Bitmap {
	out := roaring.New()
	it := candidates.Iterator()
	for it.HasNext() {
		id := it.Next()
		doc, err := e.reader.Document(id)
		if err != nil {
			e.logger.Warn("skipping corrupt document record", "doc", id, "error", err)
			continue
		}
		if doc.Valid() {
			out.Add(id)
		}
	}
	return out
}

// applyFilters drops candidates failing any document-table filter.
func (e *Executor) applyFilters(candidates *roaring.Bitmap, filters *FilterSet) *roaring.Bitmap {
	var wantLang index.Language
	if filters.Lang != "" {
		wantLang = index.LanguageFromName(filters.Lang)
	}

	out := roaring.New()
	it := candidates.Iterator()
	for it.HasNext() {
		id := it.Next()
		doc, err := e.reader.Document(id)
		if err != nil {
			e.logger.Warn("skipping corrupt document record", "doc", id, "error", err)
			continue
		}
		if !doc.Valid() {
			continue
		}
		relPath, ok := e.reader.Path(doc)
		if !ok {
			continue
		}

		if filters.Ext != "" {
			ext := strings.TrimPrefix(path.Ext(relPath), ".")
			if !strings.EqualFold(ext, filters.Ext) {
				continue
			}
		}
		if filters.Lang != "" && doc.Language != wantLang {
			continue
		}
		if filters.PathGlob != "" {
			matched, err := doublestar.Match(filters.PathGlob, relPath)
			if err != nil || !matched {
				continue
			}
		}
		if filters.File != "" &&
			!strings.Contains(strings.ToLower(path.Base(relPath)), strings.ToLower(filters.File)) {
			continue
		}
		if filters.SizeMin != nil && doc.Size <= *filters.SizeMin {
			continue
		}
		if filters.SizeMax != nil && doc.Size >= *filters.SizeMax {
			continue
		}
		if filters.MtimeMin != nil && doc.MtimeSecs < *filters.MtimeMin {
			continue
		}
		if filters.MtimeMax != nil && doc.MtimeSecs > *filters.MtimeMax {
			continue
		}
		out.Add(id)
	}
	return out
}

// listDocuments serves filter-only queries straight from the document table.
func (e *Executor) listDocuments(ctx context.Context, plan *Plan, limit int) ([]FileMatch, error) {
	candidates, err := e.narrow(ctx, plan)
	if err != nil {
		return nil, err
	}

	var matches []FileMatch
	it := candidates.Iterator()
	for it.HasNext() {
		id := it.Next()
		doc, err := e.reader.Document(id)
		if err != nil {
			continue
		}
		relPath, ok := e.reader.Path(doc)
		if !ok {
			continue
		}
		matches = append(matches, FileMatch{
			DocID: id,
			Path:  relPath,
			Score: 0.1,
			Mtime: doc.MtimeSecs,
			Lines: []LineMatch{{LineNumber: 1}},
		})
		if len(matches) >= limit {
			break
		}
	}
	sortMatches(matches, plan.Sort)
	return matches, nil
}

// --- Phase 2: verification ----------------------------------------------

// verifyCandidates confirms candidates against raw file bytes. Above
// cpu_count*4 candidates the work fans out across cores and bypasses the
// content cache; otherwise it runs sequentially with the cache.
func (e *Executor) verifyCandidates(ctx context.Context, candidates *roaring.Bitmap, plan *Plan, opts ExecOptions, limit int) ([]FileMatch, error) {
	ids := candidates.ToArray()
	// Collect up to 3/2 of the limit so ranking has slack to reorder.
	target := int64(limit) + int64(limit)/2
	if opts.FilesOnly {
		target = int64(limit)
	}

	threshold := runtime.NumCPU() * 4
	if len(ids) <= threshold {
		return e.verifySequential(ctx, ids, plan, opts, target)
	}
	return e.verifyParallel(ctx, ids, plan, opts, target)
}

func (e *Executor) verifySequential(ctx context.Context, ids []uint32, plan *Plan, opts ExecOptions, target int64) ([]FileMatch, error) {
	var matches []FileMatch
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return matches, nil
		}
		if int64(len(matches)) >= target {
			break
		}
		fm := e.verifyDoc(id, plan, opts, true)
		if fm != nil {
			matches = append(matches, *fm)
		}
	}
	return matches, nil
}

func (e *Executor) verifyParallel(ctx context.Context, ids []uint32, plan *Plan, opts ExecOptions, target int64) ([]FileMatch, error) {
	var (
		mu      sync.Mutex
		matches []FileMatch
		hits    atomic.Int64
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, id := range ids {
		if hits.Load() >= target {
			break
		}
		g.Go(func() error {
			// Workers check the shared hit counter between candidates; the
			// remaining work is skipped once the target is reached.
			if ctx.Err() != nil || hits.Load() >= target {
				return nil
			}
			fm := e.verifyDoc(id, plan, opts, false)
			if fm == nil {
				return nil
			}
			hits.Add(1)
			mu.Lock()
			matches = append(matches, *fm)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return matches, nil
}

// verifyDoc loads one candidate's content and applies the verification tree.
// Returns nil when the document does not match or cannot be read.
func (e *Executor) verifyDoc(id uint32, plan *Plan, opts ExecOptions, useCache bool) *FileMatch {
	doc, err := e.reader.Document(id)
	if err != nil {
		e.logger.Warn("skipping corrupt document record", "doc", id, "error", err)
		return nil
	}
	relPath, ok := e.reader.Path(doc)
	if !ok {
		return nil
	}
	fullPath, _ := e.reader.FullPath(doc)

	content, err := e.readContent(fullPath, doc.Size, useCache)
	if err != nil {
		e.logger.Warn("skipping unreadable file", "path", relPath, "error", err)
		return nil
	}

	lines := splitLines(content)
	matched, lineMatches := e.verifyTree(plan.Verify, lines, opts)
	if !matched || len(lineMatches) == 0 {
		return nil
	}

	// Candidate line-range filters narrow which lines count.
	if plan.Filters.LineMin != nil || plan.Filters.LineMax != nil {
		filtered := lineMatches[:0]
		for _, lm := range lineMatches {
			if plan.Filters.LineMin != nil && lm.LineNumber < *plan.Filters.LineMin {
				continue
			}
			if plan.Filters.LineMax != nil && lm.LineNumber > *plan.Filters.LineMax {
				continue
			}
			filtered = append(filtered, lm)
		}
		lineMatches = filtered
		if len(lineMatches) == 0 {
			return nil
		}
	}

	if opts.FilesOnly && len(lineMatches) > 1 {
		lineMatches = lineMatches[:1]
	}
	if opts.ContextBefore > 0 || opts.ContextAfter > 0 {
		attachContext(lineMatches, lines, opts.ContextBefore, opts.ContextAfter)
	}

	return &FileMatch{
		DocID: id,
		Path:  relPath,
		Mtime: doc.MtimeSecs,
		Lines: lineMatches,
	}
}

func (e *Executor) readContent(fullPath string, size uint64, useCache bool) ([]byte, error) {
	if useCache {
		if content, ok := e.content.Get(fullPath); ok {
			return content, nil
		}
	}

	var content []byte
	if size <= smallFileThreshold {
		data, err := os.ReadFile(fullPath)
		if err != nil {
			return nil, err
		}
		content = data
	} else {
		m, err := mmap.Open(fullPath)
		if err != nil {
			return nil, err
		}
		content = make([]byte, len(m.Data))
		copy(content, m.Data)
		m.Close()
	}

	if useCache {
		e.content.Put(fullPath, content)
	}
	return content, nil
}

// verifyTree evaluates one verification node over the file's lines.
func (e *Executor) verifyTree(v Verify, lines []string, opts ExecOptions) (bool, []LineMatch) {
	switch n := v.(type) {
	case VerifyLiteral:
		matches := findLiteral(lines, n.Text, false, n.Boost, opts.FilesOnly)
		return len(matches) > 0, matches

	case VerifyPhrase:
		matches := findLiteral(lines, n.Text, true, n.Boost, opts.FilesOnly)
		return len(matches) > 0, matches

	case VerifyRegex:
		re, err := compileRegex(n.Pattern)
		if err != nil {
			return false, nil
		}
		matches := findRegex(lines, re, n.Boost, opts.FilesOnly)
		return len(matches) > 0, matches

	case VerifyNear:
		return verifyNear(lines, n)

	case VerifyAnd:
		var all []LineMatch
		for _, child := range n.Children {
			ok, matches := e.verifyTree(child, lines, opts)
			if !ok {
				return false, nil
			}
			all = append(all, matches...)
		}
		return true, all

	case VerifyOr:
		var all []LineMatch
		for _, child := range n.Children {
			if ok, matches := e.verifyTree(child, lines, opts); ok {
				all = append(all, matches...)
			}
		}
		return len(all) > 0, all

	case VerifyNot:
		ok, _ := e.verifyTree(n.Child, lines, opts)
		return !ok, nil

	default:
		return false, nil
	}
}

// findLiteral records every occurrence per line. Bare words match
// case-insensitively; quoted phrases match exactly.
func findLiteral(lines []string, needle string, caseSensitive bool, boost float64, firstOnly bool) []LineMatch {
	if needle == "" {
		return nil
	}
	searchNeedle := needle
	if !caseSensitive {
		searchNeedle = strings.ToLower(needle)
	}

	var matches []LineMatch
	for i, line := range lines {
		searchLine := line
		if !caseSensitive {
			searchLine = strings.ToLower(line)
		}
		start := 0
		for {
			pos := strings.Index(searchLine[start:], searchNeedle)
			if pos < 0 {
				break
			}
			abs := start + pos
			matches = append(matches, LineMatch{
				LineNumber:  uint32(i + 1),
				LineContent: line,
				MatchStart:  abs,
				MatchEnd:    abs + len(needle),
				boost:       boost,
			})
			if firstOnly {
				return matches
			}
			start = abs + len(needle)
			if start >= len(searchLine) {
				break
			}
		}
	}
	return matches
}

func findRegex(lines []string, re *regexp.Regexp, boost float64, firstOnly bool) []LineMatch {
	var matches []LineMatch
	for i, line := range lines {
		for _, loc := range re.FindAllStringIndex(line, -1) {
			matches = append(matches, LineMatch{
				LineNumber:  uint32(i + 1),
				LineContent: line,
				MatchStart:  loc[0],
				MatchEnd:    loc[1],
				boost:       boost,
			})
			if firstOnly {
				return matches
			}
		}
	}
	return matches
}

// verifyNear confirms that some line holding the first term has every other
// term within n.Distance lines of it, before or after. The reported match
// anchors at that first-term line.
func verifyNear(lines []string, n VerifyNear) (bool, []LineMatch) {
	termLines := make([][]uint32, len(n.Terms))
	for ti, term := range n.Terms {
		needle := strings.ToLower(term)
		for i, line := range lines {
			if strings.Contains(strings.ToLower(line), needle) {
				termLines[ti] = append(termLines[ti], uint32(i+1))
			}
		}
		if len(termLines[ti]) == 0 {
			return false, nil
		}
	}

	for _, anchor := range termLines[0] {
		windowEnd := anchor + uint32(n.Distance)
		windowStart := uint32(1)
		if anchor > uint32(n.Distance) {
			windowStart = anchor - uint32(n.Distance)
		}
		allIn := true
		for _, otherLines := range termLines[1:] {
			found := false
			for _, ln := range otherLines {
				if ln >= windowStart && ln <= windowEnd {
					found = true
					break
				}
			}
			if !found {
				allIn = false
				break
			}
		}
		if allIn {
			line := ""
			if int(anchor-1) < len(lines) {
				line = lines[anchor-1]
			}
			return true, []LineMatch{{
				LineNumber:  anchor,
				LineContent: line,
				boost:       n.Boost,
			}}
		}
	}
	return false, nil
}

func attachContext(matches []LineMatch, lines []string, before, after int) {
	for i := range matches {
		lineIdx := int(matches[i].LineNumber) - 1
		for j := lineIdx - before; j < lineIdx; j++ {
			if j >= 0 && j < len(lines) {
				matches[i].Before = append(matches[i].Before, ContextLine{
					LineNumber: uint32(j + 1), Text: lines[j],
				})
			}
		}
		for j := lineIdx + 1; j <= lineIdx+after; j++ {
			if j >= 0 && j < len(lines) {
				matches[i].After = append(matches[i].After, ContextLine{
					LineNumber: uint32(j + 1), Text: lines[j],
				})
			}
		}
	}
}

func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	s := string(content)
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

// --- Phase 3: scoring ---------------------------------------------------

func (e *Executor) scoreMatches(plan *Plan, matches []FileMatch) {
	terms := collectTerms(plan.Verify)

	for i := range matches {
		fm := &matches[i]

		boost := 1.0
		for _, lm := range fm.Lines {
			if lm.boost > boost {
				boost = lm.boost
			}
		}

		filenameMatch := false
		for _, term := range terms {
			if TermInFilename(fm.Path, term) {
				filenameMatch = true
				break
			}
		}

		fm.Score = e.scorer.Score(ScoreContext{
			MatchCount:    len(fm.Lines),
			FilenameMatch: filenameMatch,
			Depth:         PathDepth(fm.Path),
			MtimeSecs:     fm.Mtime,
			Boost:         boost,
		})
	}
}

// collectTerms gathers the literal texts used for the filename bonus.
func collectTerms(v Verify) []string {
	switch n := v.(type) {
	case VerifyLiteral:
		return []string{n.Text}
	case VerifyPhrase:
		return []string{n.Text}
	case VerifyNear:
		return n.Terms
	case VerifyAnd:
		var terms []string
		for _, child := range n.Children {
			terms = append(terms, collectTerms(child)...)
		}
		return terms
	case VerifyOr:
		var terms []string
		for _, child := range n.Children {
			terms = append(terms, collectTerms(child)...)
		}
		return terms
	default:
		return nil
	}
}

func sortMatches(matches []FileMatch, order SortOrder) {
	switch order {
	case SortRecency:
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Mtime != matches[j].Mtime {
				return matches[i].Mtime > matches[j].Mtime
			}
			return matches[i].Path < matches[j].Path
		})
	case SortPath:
		sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })
	default:
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Score != matches[j].Score {
				return matches[i].Score > matches[j].Score
			}
			return matches[i].Path < matches[j].Path
		})
	}
}
