// Package static is a deterministic, offline publication.TextProcessor. It
// summarizes by sentence scoring, extracts keywords by term frequency and
// critiques with a fixed set of design checks.
package static

import (
	"cmp"
	"context"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/textproc"
)

var _ publication.TextProcessor = (*Processor)(nil)

// Processor needs no configuration beyond the keyword cap.
type Processor struct {
	maxKeywords int
}

// New returns a Processor that keeps at most maxKeywords keywords (default 8).
func New(maxKeywords int) *Processor {
	if maxKeywords <= 0 {
		maxKeywords = 8
	}
	return &Processor{maxKeywords: maxKeywords}
}

// Summarize keeps the maxSentences highest-scoring sentences in their
// original order. A sentence scores the mean document frequency of its terms.
func (p *Processor) Summarize(ctx context.Context, text string, maxSentences int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if maxSentences <= 0 {
		maxSentences = 3
	}
	sentences := textproc.Sentences(text)
	if len(sentences) <= maxSentences {
		return strings.Join(sentences, " "), nil
	}
	freq := termFrequencies(tokens(text))

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		terms := tokens(s)
		total := 0
		for _, term := range terms {
			total += freq[term]
		}
		score := 0.0
		if len(terms) > 0 {
			score = float64(total) / float64(len(terms))
		}
		ranked[i] = scored{idx: i, score: score}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})
	keep := ranked[:maxSentences]
	slices.SortFunc(keep, func(a, b scored) int { return cmp.Compare(a.idx, b.idx) })

	out := make([]string, 0, maxSentences)
	for _, k := range keep {
		out = append(out, sentences[k.idx])
	}
	return strings.Join(out, " "), nil
}

// ExtractKeywords returns the most frequent content terms, ties broken by
// first appearance.
func (p *Processor) ExtractKeywords(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokens(text)
	freq := termFrequencies(terms)
	first := make(map[string]int, len(freq))
	for i, term := range terms {
		if _, ok := first[term]; !ok {
			first[term] = i
		}
	}
	unique := make([]string, 0, len(first))
	for term := range first {
		unique = append(unique, term)
	}
	slices.SortFunc(unique, func(a, b string) int {
		if c := cmp.Compare(freq[b], freq[a]); c != 0 {
			return c
		}
		return cmp.Compare(first[a], first[b])
	})
	if len(unique) > p.maxKeywords {
		unique = unique[:p.maxKeywords]
	}
	return textproc.NormalizeKeywords(unique), nil
}

type check struct {
	pattern *regexp.Regexp
	present bool
	note    string
}

var checks = []check{
	{regexp.MustCompile(`(?i)\bretrospective\b`), true, "Retrospective design limits causal inference."},
	{regexp.MustCompile(`(?i)\b(observational|cohort|cross-sectional|case-control)\b`), true, "Observational data leave residual confounding possible."},
	{regexp.MustCompile(`(?i)\b(randomi[sz]ed|random assignment)\b`), false, "No randomization is reported."},
	{regexp.MustCompile(`(?i)\b(control group|controls|placebo|comparator)\b`), false, "No control or comparator group is described."},
	{regexp.MustCompile(`(?i)\b(n\s*=\s*\d+|\d[\d,]*\s+(patients|participants|subjects|individuals|cases|samples))\b`), false, "The sample size is not stated in the abstract."},
	{regexp.MustCompile(`(?i)\b(single[- ]cent(er|re)|one hospital|single site)\b`), true, "Single-site data may not generalize."},
	{regexp.MustCompile(`(?i)\b(95%\s*ci|confidence interval|p\s*[<=]\s*0?\.\d+)\b`), false, "Effect sizes are reported without uncertainty estimates."},
	{regexp.MustCompile(`(?i)\b(in silico|simulation|model(l)?ing study)\b`), true, "Findings rest on modelling assumptions that need empirical validation."},
}

// Critique lists the design checks the abstract trips. An abstract that
// trips none still gets the standing preprint caveat.
func (p *Processor) Critique(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var notes []string
	for _, c := range checks {
		if c.pattern.MatchString(text) == c.present {
			notes = append(notes, c.note)
		}
	}
	notes = append(notes, "Results have not been peer reviewed.")
	return strings.Join(notes, " "), nil
}

func tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if len([]rune(f)) < 3 || stopwords[f] || isNumber(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func termFrequencies(terms []string) map[string]int {
	freq := make(map[string]int, len(terms))
	for _, term := range terms {
		freq[term]++
	}
	return freq
}

func isNumber(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
}

var stopwords = func() map[string]bool {
	words := strings.Fields(`about above after again against all also among and any are because been before being
	below between both but can could did does doing during each few for from further had has have having her here
	hers herself him himself his how however into its itself just may more most must not now off once only other
	our ours out over own same she should some such than that the their theirs them then there these they this
	those through too under until very was were what when where which while who whom why will with within without
	would you your yours using used use based study studies results result conclusions conclusion methods method
	background objective objectives aim aims found find show shows showed shown associated association data
	analysis analyses among total including included per via two three one new high higher low lower level levels
	compared increase increased decrease decreased significant significantly`)
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()
