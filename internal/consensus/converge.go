package consensus

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultSimilarity is the text similarity at or above which two
// proposals are treated as the same ballot option.
const DefaultSimilarity = 0.9

// Similarity is the difflib ratio of the normalised texts, in [0, 1].
func Similarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == nb {
		return 1
	}
	if na == "" || nb == "" {
		return 0
	}
	m := difflib.NewMatcherWithJunk(strings.Split(na, ""), strings.Split(nb, ""), false, nil)
	return m.Ratio()
}

// Converge merges near-duplicate proposals. The earliest proposal keeps
// its id and text; later authors are appended to its author list.
func Converge(proposals []Proposal, threshold float64) []Proposal {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarity
	}
	ordered := make([]Proposal, len(proposals))
	copy(ordered, proposals)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].SubmittedAt.Equal(ordered[j].SubmittedAt) {
			return ordered[i].SubmittedAt.Before(ordered[j].SubmittedAt)
		}
		return ordered[i].Position < ordered[j].Position
	})
	var out []Proposal
	for _, p := range ordered {
		merged := false
		for i := range out {
			if Similarity(out[i].Text, p.Text) >= threshold {
				out[i].Authors = appendUnique(out[i].Authors, p.Authors...)
				out[i].Merged = append(out[i].Merged, p.ID)
				merged = true
				break
			}
		}
		if !merged {
			p.Authors = append([]string(nil), p.Authors...)
			p.Merged = append([]string(nil), p.Merged...)
			out = append(out, p)
		}
	}
	return out
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func appendUnique(list []string, adds ...string) []string {
	for _, a := range adds {
		found := false
		for _, existing := range list {
			if existing == a {
				found = true
				break
			}
		}
		if !found {
			list = append(list, a)
		}
	}
	return list
}
