// Package duplicate classifies pairs of page texts by similarity tier and
// groups transitively linked pages into chains. It performs no I/O; callers
// fetch page texts beforehand and persist any confirmed removal themselves.
package duplicate

import (
	"sort"
	"strings"
)

// Tier labels how close a pair of pages is.
type Tier string

const (
	TierExact         Tier = "exact"
	TierNearDuplicate Tier = "near-duplicate"
	TierSimilar       Tier = "similar"
)

// Thresholds are the ordered cut-offs for tier classification. Exact must be
// >= NearDuplicate >= Similar; pairs scoring below Similar are not reported.
type Thresholds struct {
	Exact         float64 `json:"exactThreshold"`
	NearDuplicate float64 `json:"nearDuplicateThreshold"`
	Similar       float64 `json:"similarThreshold"`
}

// DefaultThresholds 默认分级阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		Exact:         0.95,
		NearDuplicate: 0.80,
		Similar:       0.60,
	}
}

func (t Thresholds) valid() bool {
	return t.Exact >= t.NearDuplicate && t.NearDuplicate >= t.Similar &&
		t.Similar > 0 && t.Exact <= 1
}

// Page is the detector's view of one page: identifier, current text and the
// recognition confidence used for removal tie-breaks.
type Page struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Pair is a reported duplicate relationship.
type Pair struct {
	ID1   string  `json:"id1"`
	ID2   string  `json:"id2"`
	Score float64 `json:"score"`
	Tier  Tier    `json:"tier"`
}

// Chain groups transitively connected pages and the edges that linked them.
type Chain struct {
	Members []string `json:"members"`
	Edges   []Pair   `json:"edges"`
}

// Report is the full detection result.
type Report struct {
	Duplicates        []Pair   `json:"duplicates"`
	SuggestedRemovals []string `json:"suggestedRemovals"`
	Chains            []Chain  `json:"chains"`
}

// Detect compares every unordered pair of pages with non-empty text. Fewer
// than two usable pages yields an empty report, not an error.
func Detect(pages []Page, thresholds Thresholds) *Report {
	if !thresholds.valid() {
		thresholds = DefaultThresholds()
	}

	type prepared struct {
		page       Page
		normalized string
		shingles   map[string]struct{}
	}

	var usable []prepared
	for _, p := range pages {
		norm := Normalize(p.Text)
		if norm == "" {
			continue
		}
		usable = append(usable, prepared{
			page:       p,
			normalized: norm,
			shingles:   shingle(norm),
		})
	}

	report := &Report{}
	if len(usable) < 2 {
		return report
	}

	// proposed records pages already suggested for removal so the suggestion
	// set stays deduplicated.
	proposed := make(map[string]bool)

	for i := 0; i < len(usable); i++ {
		for j := i + 1; j < len(usable); j++ {
			a, b := usable[i], usable[j]

			var score float64
			if a.normalized == b.normalized {
				score = 1.0
			} else {
				score = jaccard(a.shingles, b.shingles)
			}

			tier, ok := classify(score, thresholds)
			if !ok {
				continue
			}

			report.Duplicates = append(report.Duplicates, Pair{
				ID1:   a.page.ID,
				ID2:   b.page.ID,
				Score: score,
				Tier:  tier,
			})

			loser := pickLoser(a.page, b.page, a.normalized, b.normalized)
			if !proposed[loser] {
				proposed[loser] = true
				report.SuggestedRemovals = append(report.SuggestedRemovals, loser)
			}
		}
	}

	report.Chains = buildChains(report.Duplicates)
	return report
}

// Normalize lowercases, trims and collapses all whitespace runs to single
// spaces. Deterministic and independent of page order.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Similarity scores two raw texts in [0,1]. Exposed for callers that want the
// metric without tier classification.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" && nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	return jaccard(shingle(na), shingle(nb))
}

// shingle builds the word-trigram set of normalized text. Texts shorter than
// three words fall back to whole-token shingles so short pages still compare.
func shingle(normalized string) map[string]struct{} {
	words := strings.Split(normalized, " ")
	set := make(map[string]struct{})
	if len(words) < 3 {
		for _, w := range words {
			set[w] = struct{}{}
		}
		return set
	}
	for i := 0; i+3 <= len(words); i++ {
		set[words[i]+" "+words[i+1]+" "+words[i+2]] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	var inter int
	for s := range small {
		if _, ok := large[s]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func classify(score float64, t Thresholds) (Tier, bool) {
	switch {
	case score >= t.Exact:
		return TierExact, true
	case score >= t.NearDuplicate:
		return TierNearDuplicate, true
	case score >= t.Similar:
		return TierSimilar, true
	default:
		return "", false
	}
}

// pickLoser returns the page judged worse: lower recognition confidence
// loses, shorter normalized text breaks confidence ties, identifier order
// breaks full ties so the result stays deterministic.
func pickLoser(a, b Page, normA, normB string) string {
	if a.Confidence != b.Confidence {
		if a.Confidence < b.Confidence {
			return a.ID
		}
		return b.ID
	}
	if len(normA) != len(normB) {
		if len(normA) < len(normB) {
			return a.ID
		}
		return b.ID
	}
	if a.ID > b.ID {
		return a.ID
	}
	return b.ID
}

// buildChains computes connected components over reported pairs with
// union-find: pages linked only through an intermediate page still share a
// chain.
func buildChains(pairs []Pair) []Chain {
	if len(pairs) == 0 {
		return nil
	}

	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(x, y string) {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		if _, ok := parent[y]; !ok {
			parent[y] = y
		}
		rx, ry := find(x), find(y)
		if rx != ry {
			parent[ry] = rx
		}
	}

	for _, p := range pairs {
		union(p.ID1, p.ID2)
	}

	members := make(map[string][]string)
	for id := range parent {
		root := find(id)
		members[root] = append(members[root], id)
	}
	edges := make(map[string][]Pair)
	for _, p := range pairs {
		root := find(p.ID1)
		edges[root] = append(edges[root], p)
	}

	var roots []string
	for root := range members {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	chains := make([]Chain, 0, len(roots))
	for _, root := range roots {
		ids := members[root]
		sort.Strings(ids)
		chains = append(chains, Chain{
			Members: ids,
			Edges:   edges[root],
		})
	}
	return chains
}
