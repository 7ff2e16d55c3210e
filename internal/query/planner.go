package query

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marlboro-red/fxi/internal/analysis"
)

// IndexStats supplies the dictionary statistics the planner orders by and
// the stop-gram set it must respect. *index.Reader satisfies it.
type IndexStats interface {
	IsStopGram(gram uint32) bool
	TrigramDocFreq(gram uint32) uint32
	TokenDocFreq(token string) uint32
}

// Plan is an executable lowering of a query: narrowing steps that shrink the
// candidate set through the index, filters on the document table, and
// verification steps run against raw file bytes.
type Plan struct {
	Steps    []Step
	Excludes []*Plan
	Filters  FilterSet
	Verify   Verify

	Sort  SortOrder
	Limit int
}

// HasNarrowing reports whether any step constrains candidates.
func (p *Plan) HasNarrowing() bool { return len(p.Steps) > 0 }

// Step is one narrowing operation.
type Step interface{ step() }

// TrigramIntersect intersects the postings of every gram (rarest first).
type TrigramIntersect struct{ Grams []uint32 }

// TokenIntersect intersects the postings of every token.
type TokenIntersect struct{ Tokens []string }

// TokenOrTrigram unions the token-intersection result with the trigram
// intersection: the single-word rule.
type TokenOrTrigram struct {
	Tokens []string
	Grams  []uint32
}

// UnionStep unions candidates of independently planned children.
type UnionStep struct{ Plans []*Plan }

func (TrigramIntersect) step() {}
func (TokenIntersect) step()   {}
func (TokenOrTrigram) step()   {}
func (UnionStep) step()        {}

// FilterSet carries every document-table filter of the query.
type FilterSet struct {
	Ext      string
	Lang     string
	PathGlob string
	File     string
	SizeMin  *uint64
	SizeMax  *uint64
	MtimeMin *uint64
	MtimeMax *uint64
	LineMin  *uint32
	LineMax  *uint32
}

// Empty reports whether no filter is set.
func (f *FilterSet) Empty() bool {
	return f.Ext == "" && f.Lang == "" && f.PathGlob == "" && f.File == "" &&
		f.SizeMin == nil && f.SizeMax == nil &&
		f.MtimeMin == nil && f.MtimeMax == nil &&
		f.LineMin == nil && f.LineMax == nil
}

// Verify is a verification tree node.
type Verify interface{ verify() }

// VerifyLiteral finds every occurrence of Text, case-insensitively.
type VerifyLiteral struct {
	Text  string
	Boost float64
}

// VerifyPhrase finds exact substring occurrences, whitespace included.
type VerifyPhrase struct {
	Text  string
	Boost float64
}

// VerifyRegex matches the pattern per line.
type VerifyRegex struct {
	Pattern string
	Boost   float64
}

// VerifyNear confirms every term appears within Distance lines.
type VerifyNear struct {
	Terms    []string
	Distance int
	Boost    float64
}

// VerifyAnd requires every child to match the document.
type VerifyAnd struct{ Children []Verify }

// VerifyOr requires at least one child to match.
type VerifyOr struct{ Children []Verify }

// VerifyNot inverts its child at document granularity.
type VerifyNot struct{ Child Verify }

func (VerifyLiteral) verify() {}
func (VerifyPhrase) verify()  {}
func (VerifyRegex) verify()   {}
func (VerifyNear) verify()    {}
func (VerifyAnd) verify()     {}
func (VerifyOr) verify()      {}
func (VerifyNot) verify()     {}

// NewPlan lowers a parsed query against the given index stats.
func NewPlan(q *Query, stats IndexStats) *Plan {
	pl := &planner{stats: stats}
	plan := pl.planNode(q.Root, 1.0)
	plan.Sort = q.Sort
	plan.Limit = q.Limit
	return plan
}

type planner struct {
	stats IndexStats
}

func (pl *planner) planNode(node Node, boost float64) *Plan {
	plan := &Plan{}
	pl.lower(node, boost, plan)
	pl.orderSteps(plan)
	return plan
}

// lower appends node's narrowing steps, filters and verification into plan.
func (pl *planner) lower(node Node, boost float64, plan *Plan) {
	switch n := node.(type) {
	case Empty:

	case Literal:
		pl.lowerWord(n.Text, boost, plan)

	case Phrase:
		grams := pl.usableGrams(n.Text)
		if len(grams) > 0 {
			plan.Steps = append(plan.Steps, TrigramIntersect{Grams: grams})
		} else if tokens := analysis.Tokens([]byte(n.Text)); len(tokens) > 0 {
			plan.Steps = append(plan.Steps, TokenIntersect{Tokens: tokens})
		}
		plan.Verify = andVerify(plan.Verify, VerifyPhrase{Text: n.Text, Boost: boost})

	case Regex:
		if literal := mandatoryLiteral(n.Pattern); literal != "" {
			if grams := pl.usableGrams(literal); len(grams) > 0 {
				plan.Steps = append(plan.Steps, TrigramIntersect{Grams: grams})
			}
		}
		plan.Verify = andVerify(plan.Verify, VerifyRegex{Pattern: n.Pattern, Boost: boost})

	case Boosted:
		pl.lower(n.Child, boost*n.Weight, plan)

	case Near:
		var grams []uint32
		for _, term := range n.Terms {
			grams = append(grams, pl.usableGrams(term)...)
		}
		grams = dedupGrams(grams)
		if len(grams) > 0 {
			plan.Steps = append(plan.Steps, TrigramIntersect{Grams: grams})
		}
		plan.Verify = andVerify(plan.Verify, VerifyNear{
			Terms: n.Terms, Distance: n.Distance, Boost: boost,
		})

	case Filter:
		pl.lowerFilter(n, plan)

	case And:
		for _, child := range n.Children {
			pl.lower(child, boost, plan)
		}

	case Or:
		var plans []*Plan
		var verifies []Verify
		narrowAll := true
		for _, child := range n.Children {
			sub := pl.planNode(child, boost)
			plan.Filters = mergeFilters(plan.Filters, sub.Filters)
			sub.Filters = FilterSet{}
			if !sub.HasNarrowing() {
				narrowAll = false
			}
			plans = append(plans, sub)
			if sub.Verify != nil {
				verifies = append(verifies, sub.Verify)
			}
		}
		// The union only narrows if every branch narrows; otherwise the
		// unconstrained branch forces a full scan anyway.
		if narrowAll && len(plans) > 0 {
			plan.Steps = append(plan.Steps, UnionStep{Plans: plans})
		}
		if len(verifies) == 1 {
			plan.Verify = andVerify(plan.Verify, verifies[0])
		} else if len(verifies) > 1 {
			plan.Verify = andVerify(plan.Verify, VerifyOr{Children: verifies})
		}

	case Not:
		// Not never narrows; it excludes after narrowing and filters
		// verification output.
		sub := pl.planNode(n.Child, boost)
		if sub.HasNarrowing() {
			plan.Excludes = append(plan.Excludes, sub)
		}
		if sub.Verify != nil {
			plan.Verify = andVerify(plan.Verify, VerifyNot{Child: sub.Verify})
		}
	}
}

// lowerWord implements the single-word rule: token lookup unioned with
// trigram intersection; short words fall back to the shared tokenizer, never
// a whitespace split.
func (pl *planner) lowerWord(word string, boost float64, plan *Plan) {
	tokens := analysis.Tokens([]byte(word))
	grams := pl.usableGrams(word)

	switch {
	case len(grams) > 0 && len(tokens) > 0:
		plan.Steps = append(plan.Steps, TokenOrTrigram{Tokens: tokens, Grams: grams})
	case len(grams) > 0:
		plan.Steps = append(plan.Steps, TrigramIntersect{Grams: grams})
	case len(tokens) > 0:
		plan.Steps = append(plan.Steps, TokenIntersect{Tokens: tokens})
	}
	plan.Verify = andVerify(plan.Verify, VerifyLiteral{Text: word, Boost: boost})
}

// usableGrams extracts the query trigrams of text minus stop-grams.
func (pl *planner) usableGrams(text string) []uint32 {
	grams := analysis.QueryTrigrams(text)
	usable := grams[:0]
	for _, g := range grams {
		if !pl.stats.IsStopGram(g) {
			usable = append(usable, g)
		}
	}
	return usable
}

func (pl *planner) lowerFilter(f Filter, plan *Plan) {
	switch f.Field {
	case "ext":
		plan.Filters.Ext = strings.TrimPrefix(f.Value, ".")
	case "lang":
		plan.Filters.Lang = f.Value
	case "path":
		plan.Filters.PathGlob = f.Value
	case "file":
		plan.Filters.File = f.Value
	case "size":
		n, err := strconv.ParseUint(f.Value[1:], 10, 64)
		if err != nil {
			return
		}
		if f.Value[0] == '>' {
			plan.Filters.SizeMin = &n
		} else {
			plan.Filters.SizeMax = &n
		}
	case "mtime":
		lowerMtime(f.Value, &plan.Filters)
	case "line":
		lowerLineRange(f.Value, &plan.Filters)
	}
}

func lowerMtime(value string, filters *FilterSet) {
	op := byte(0)
	body := value
	if body[0] == '>' || body[0] == '<' {
		op = body[0]
		body = body[1:]
	}

	var secs uint64
	if n, err := strconv.ParseUint(body, 10, 64); err == nil {
		secs = n
	} else if day, err := time.Parse("2006-01-02", body); err == nil {
		secs = uint64(day.Unix())
		if op == 0 {
			// A bare date selects that whole day.
			min := secs
			max := uint64(day.Add(24 * time.Hour).Unix())
			filters.MtimeMin = &min
			filters.MtimeMax = &max
			return
		}
	} else {
		return
	}

	switch op {
	case '>':
		filters.MtimeMin = &secs
	case '<':
		filters.MtimeMax = &secs
	default:
		filters.MtimeMin = &secs
	}
}

func lowerLineRange(value string, filters *FilterSet) {
	if lo, hi, ok := strings.Cut(value, "-"); ok {
		if n, err := strconv.ParseUint(lo, 10, 32); err == nil {
			min := uint32(n)
			filters.LineMin = &min
		}
		if n, err := strconv.ParseUint(hi, 10, 32); err == nil {
			max := uint32(n)
			filters.LineMax = &max
		}
		return
	}
	if n, err := strconv.ParseUint(value, 10, 32); err == nil {
		line := uint32(n)
		filters.LineMin = &line
		filters.LineMax = &line
	}
}

// orderSteps sorts intersection inputs by ascending document frequency so
// the rarest key drives each intersection.
func (pl *planner) orderSteps(plan *Plan) {
	for _, step := range plan.Steps {
		switch s := step.(type) {
		case TrigramIntersect:
			sortGramsByFreq(s.Grams, pl.stats)
		case TokenOrTrigram:
			sortGramsByFreq(s.Grams, pl.stats)
			sortTokensByFreq(s.Tokens, pl.stats)
		case TokenIntersect:
			sortTokensByFreq(s.Tokens, pl.stats)
		case UnionStep:
			for _, sub := range s.Plans {
				pl.orderSteps(sub)
			}
		}
	}
	for _, ex := range plan.Excludes {
		pl.orderSteps(ex)
	}
}

func sortGramsByFreq(grams []uint32, stats IndexStats) {
	sort.SliceStable(grams, func(i, j int) bool {
		return stats.TrigramDocFreq(grams[i]) < stats.TrigramDocFreq(grams[j])
	})
}

func sortTokensByFreq(tokens []string, stats IndexStats) {
	sort.SliceStable(tokens, func(i, j int) bool {
		return stats.TokenDocFreq(tokens[i]) < stats.TokenDocFreq(tokens[j])
	})
}

func andVerify(existing Verify, next Verify) Verify {
	if existing == nil {
		return next
	}
	if and, ok := existing.(VerifyAnd); ok {
		and.Children = append(and.Children, next)
		return and
	}
	return VerifyAnd{Children: []Verify{existing, next}}
}

func dedupGrams(grams []uint32) []uint32 {
	sort.Slice(grams, func(i, j int) bool { return grams[i] < grams[j] })
	out := grams[:0]
	for i, g := range grams {
		if i == 0 || g != out[len(out)-1] {
			out = append(out, g)
		}
	}
	return out
}

// mandatoryLiteral extracts the longest literal substring that every match
// of the pattern must contain, or "" when none is safe to infer. Escapes and
// metacharacters end the current run; a trailing quantifier invalidates the
// character before it.
func mandatoryLiteral(pattern string) string {
	var best, current strings.Builder

	flush := func() {
		if current.Len() > best.Len() {
			best.Reset()
			best.WriteString(current.String())
		}
		current.Reset()
	}

	i := 0
	if strings.HasPrefix(pattern, "^") {
		i = 1
	}
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '\\':
			if i+1 < len(pattern) {
				esc := pattern[i+1]
				switch esc {
				case 'n':
					current.WriteByte('\n')
				case 't':
					current.WriteByte('\t')
				case 'r':
					current.WriteByte('\r')
				default:
					if (esc >= 'a' && esc <= 'z') || (esc >= 'A' && esc <= 'Z') || (esc >= '0' && esc <= '9') {
						// Character-class escape; not a literal.
						flush()
					} else {
						current.WriteByte(esc)
					}
				}
				i += 2
				continue
			}
			flush()
			i++
		case '*', '?':
			// The preceding character is optional; drop it from the run.
			trimLast(&current)
			flush()
			i++
		case '{':
			trimLast(&current)
			flush()
			for i < len(pattern) && pattern[i] != '}' {
				i++
			}
			i++
		case '+':
			// One occurrence is still mandatory; end the run after it.
			flush()
			i++
		case '.', '[', ']', '(', ')', '|', '$', '^':
			flush()
			if c == '[' {
				for i < len(pattern) && pattern[i] != ']' {
					i++
				}
			}
			if c == '|' {
				// Alternation invalidates everything.
				return ""
			}
			i++
		default:
			current.WriteByte(c)
			i++
		}
	}
	flush()
	if best.Len() >= 3 {
		return best.String()
	}
	return ""
}

func trimLast(b *strings.Builder) {
	s := b.String()
	if s == "" {
		return
	}
	b.Reset()
	b.WriteString(s[:len(s)-1])
}

func mergeFilters(a, b FilterSet) FilterSet {
	if a.Ext == "" {
		a.Ext = b.Ext
	}
	if a.Lang == "" {
		a.Lang = b.Lang
	}
	if a.PathGlob == "" {
		a.PathGlob = b.PathGlob
	}
	if a.File == "" {
		a.File = b.File
	}
	if a.SizeMin == nil {
		a.SizeMin = b.SizeMin
	}
	if a.SizeMax == nil {
		a.SizeMax = b.SizeMax
	}
	if a.MtimeMin == nil {
		a.MtimeMin = b.MtimeMin
	}
	if a.MtimeMax == nil {
		a.MtimeMax = b.MtimeMax
	}
	if a.LineMin == nil {
		a.LineMin = b.LineMin
	}
	if a.LineMax == nil {
		a.LineMax = b.LineMax
	}
	return a
}
