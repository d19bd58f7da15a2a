package knowledge

import (
	"sort"
	"strings"
	"unicode"

	"github.com/sahilm/fuzzy"
)

// spokenForms maps a canonical term to the ways speech recognition tends to
// render it. Only the first matching group is expanded.
var spokenForms = []struct {
	canonical string
	variants  []string
}{
	{"indivillage", []string{"in the village", "india village", "indie village", "in village"}},
	{"machine learning", []string{"machinelearning", "machine learn"}},
	{"data science", []string{"datascience", "data scientist"}},
	{"social enterprise", []string{"socialenterprise", "social enterprises"}},
	{"leadership", []string{"management", "executives", "ceo", "coo", "founder"}},
	{"services", []string{"solutions", "data services", "ai services"}},
	{"faqs", []string{"questions", "frequently asked", "common questions"}},
	{"workforce", []string{"employees", "staff", "team", "capacity"}},
	{"locations", []string{"centers", "where we operate", "geographic presence"}},
}

// minFuzzyPattern keeps very short queries from fuzzy matching everything.
const minFuzzyPattern = 4

// Search returns entries relevant to query, best first.
//
// Entries whose frontmatter keywords appear in the query win outright and are
// ordered by where the keyword occurs. Otherwise entries are matched on the
// query and its spoken-form variations, then on compacted word joins. When
// nothing matches, titles and topics are fuzzy matched.
func (b *Base) Search(query string) []Entry {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	if q == "" {
		return nil
	}
	entries := b.Entries()
	if len(entries) == 0 {
		return nil
	}

	if hits := keywordHits(entries, q); len(hits) > 0 {
		return hits
	}

	variations := searchVariations(q)
	joins := wordJoins(q)
	var hits []Entry
	for _, e := range entries {
		text := searchableText(e)
		if containsAny(text, variations) || containsAny(compact(text), joins) {
			hits = append(hits, e)
		}
	}
	if len(hits) > 0 {
		return hits
	}
	return fuzzyHits(entries, q)
}

func keywordHits(entries []Entry, q string) []Entry {
	type ranked struct {
		entry Entry
		pos   int
	}
	var found []ranked
	for _, e := range entries {
		best := -1
		for _, kw := range e.Keywords {
			if i := strings.Index(q, kw); i >= 0 && (best < 0 || i < best) {
				best = i
			}
		}
		if best >= 0 {
			found = append(found, ranked{entry: e, pos: best})
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].pos != found[j].pos {
			return found[i].pos < found[j].pos
		}
		return found[i].entry.Filename < found[j].entry.Filename
	})
	out := make([]Entry, 0, len(found))
	for _, r := range found {
		out = append(out, r.entry)
	}
	return out
}

func searchVariations(q string) []string {
	out := []string{q}
	for _, group := range spokenForms {
		hit := strings.Contains(q, group.canonical)
		for _, v := range group.variants {
			if strings.Contains(q, v) {
				hit = true
			}
		}
		if hit {
			out = append(out, group.canonical)
			out = append(out, group.variants...)
			break
		}
	}
	return out
}

// wordJoins returns the compacted runs of two or more consecutive query
// words, so "indi village" finds "IndiVillage".
func wordJoins(q string) []string {
	words := strings.Fields(q)
	var out []string
	for i := 0; i < len(words); i++ {
		for j := i + 2; j <= len(words); j++ {
			if joined := compact(strings.Join(words[i:j], "")); len(joined) > 3 {
				out = append(out, joined)
			}
		}
	}
	return out
}

func searchableText(e Entry) string {
	return strings.ToLower(strings.Join([]string{e.Title, e.Topic, e.Content, strings.Join(e.Tags, " ")}, " "))
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// compact keeps only letters and digits.
func compact(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
		}
	}
	return sb.String()
}

type labelSource []Entry

func (s labelSource) String(i int) string {
	return strings.ToLower(s[i].Title + " " + s[i].Topic)
}

func (s labelSource) Len() int {
	return len(s)
}

func fuzzyHits(entries []Entry, q string) []Entry {
	pattern := compact(q)
	if len(pattern) < minFuzzyPattern {
		return nil
	}
	matches := fuzzy.FindFrom(pattern, labelSource(entries))
	out := make([]Entry, 0, len(matches))
	for _, m := range matches {
		out = append(out, entries[m.Index])
	}
	return out
}
