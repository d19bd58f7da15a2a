package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEntry(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newFixtureBase(t *testing.T) *Base {
	t.Helper()
	dir := t.TempDir()
	writeEntry(t, dir, "company-overview.mdx", `---
title: Company Overview
topic: company
tags: [about, mission]
keywords: [indivillage, about the company]
created: 2024-01-10
updated: 2024-02-01
---

IndiVillage Tech Solutions is a social enterprise delivering data services.
`)
	writeEntry(t, dir, "key-services.mdx", `---
title: Key Services
topic: services
tags: [annotation, ai]
keywords: [services, data annotation]
---

We provide image annotation, text labelling and machine learning data pipelines.
`)
	writeEntry(t, dir, "leadership-team.mdx", `---
title: Leadership Team
topic: leadership
tags: [people]
---

Our executives bring decades of operating experience.
`)
	writeEntry(t, dir, "delivery-centers.mdx", `---
title: Delivery Centers
topic: locations
tags: [people, operations]
---

Our delivery centers run in rural Karnataka and Andhra Pradesh.
`)
	writeEntry(t, dir, "notes.txt", "ignored")

	b, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	return b
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestOpenParsesFrontmatter(t *testing.T) {
	b := newFixtureBase(t)
	require.Equal(t, 4, b.Len())

	e, ok := b.Get("company-overview")
	require.True(t, ok)
	assert.Equal(t, "Company Overview", e.Title)
	assert.Equal(t, "company", e.Topic)
	assert.Equal(t, []string{"about", "mission"}, e.Tags)
	assert.Equal(t, "2024-01-10", e.Created)
	assert.Equal(t, "company-overview.mdx", e.Filename)
	assert.True(t, strings.HasPrefix(e.Content, "IndiVillage Tech Solutions"))
}

func TestOpenMissingDirectoryIsEmpty(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "absent"), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Search("services"))
	assert.Empty(t, b.Topics())
}

func TestFileWithoutFrontmatterUsesStemAsTitle(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "plain.mdx", "Just some text.\n")
	b, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)

	e, ok := b.Get("plain")
	require.True(t, ok)
	assert.Equal(t, "plain", e.Title)
	assert.Equal(t, "Just some text.", e.Content)
}

func TestTopicsAndTagsAreSortedAndUnique(t *testing.T) {
	b := newFixtureBase(t)
	assert.Equal(t, []string{"company", "leadership", "locations", "services"}, b.Topics())
	assert.Equal(t, []string{"about", "ai", "annotation", "mission", "operations", "people"}, b.Tags())
}

func TestSearchKeywordPriorityOrdersByPosition(t *testing.T) {
	b := newFixtureBase(t)

	hits := b.Search("What services does IndiVillage offer?")
	assert.Equal(t, []string{"key-services", "company-overview"}, ids(hits))

	hits = b.Search("tell me about the company and its data annotation")
	assert.Equal(t, []string{"company-overview", "key-services"}, ids(hits))
}

func TestSearchSpokenVariations(t *testing.T) {
	b := newFixtureBase(t)

	hits := b.Search("who is on the management")
	require.NotEmpty(t, hits)
	assert.Equal(t, "leadership-team", hits[0].ID)

	hits = b.Search("where we operate")
	assert.Equal(t, []string{"delivery-centers"}, ids(hits))
}

func TestSearchCompoundWordJoin(t *testing.T) {
	dir := t.TempDir()
	writeEntry(t, dir, "brand.mdx", `---
title: Brand
topic: brand
---

The DataBridge platform moves records.
`)
	b, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{"brand"}, ids(b.Search("data bridge")))
}

func TestSearchFuzzyFallback(t *testing.T) {
	b := newFixtureBase(t)

	hits := b.Search("ledrship")
	require.NotEmpty(t, hits)
	assert.Equal(t, "leadership-team", hits[0].ID)
}

func TestSearchNoMatch(t *testing.T) {
	b := newFixtureBase(t)
	assert.Empty(t, b.Search("zzzz qqqq"))
	assert.Empty(t, b.Search("   "))
}

func TestLookupByTopicAndTitle(t *testing.T) {
	b := newFixtureBase(t)

	e, ok := b.Lookup("", "leadership team")
	require.True(t, ok)
	assert.Equal(t, "leadership-team", e.ID)

	e, ok = b.Lookup("services", "")
	require.True(t, ok)
	assert.Equal(t, "key-services", e.ID)

	_, ok = b.Lookup("", "")
	assert.False(t, ok)

	_, ok = b.Lookup("zzzz", "")
	assert.False(t, ok)
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Company Overview":      "company-overview",
		"  FAQ: Pricing & Terms": "faq-pricing-terms",
		"Multi   space -- dash": "multi-space-dash",
		"!!!":                   "entry",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), in)
	}
}

func TestAddWritesEntryAndSuffixesDuplicates(t *testing.T) {
	b := newFixtureBase(t)

	e, err := b.Add("Pricing Model", "pricing", "We price per annotated item.", []string{"pricing", "", "pricing", "sales"})
	require.NoError(t, err)
	assert.Equal(t, "pricing-model", e.ID)
	assert.Equal(t, "Pricing Model", e.Title)
	assert.Equal(t, []string{"pricing", "sales"}, e.Tags)
	assert.NotEmpty(t, e.Created)
	assert.Equal(t, e.Created, e.Updated)
	assert.Equal(t, "We price per annotated item.", e.Content)

	again, err := b.Add("Pricing Model", "pricing", "Second version.", nil)
	require.NoError(t, err)
	assert.Equal(t, "pricing-model-1", again.ID)

	assert.Equal(t, 6, b.Len())
	assert.Contains(t, b.Topics(), "pricing")

	hits := b.Search("pricing model")
	assert.Equal(t, []string{"pricing-model-1", "pricing-model"}, sortedIDs(hits))
}

func TestAddRequiresFields(t *testing.T) {
	b := newFixtureBase(t)
	_, err := b.Add("", "topic", "content", nil)
	require.Error(t, err)
	_, err = b.Add("Title", "topic", "  ", nil)
	require.Error(t, err)
}

func TestUpdateChangesOnlyGivenFields(t *testing.T) {
	b := newFixtureBase(t)
	before, ok := b.Get("company-overview")
	require.True(t, ok)

	title := "About IndiVillage"
	e, err := b.Update("company-overview", Patch{Title: &title, Tags: []string{"about", "history"}, SetTags: true})
	require.NoError(t, err)
	assert.Equal(t, "company-overview", e.ID)
	assert.Equal(t, "About IndiVillage", e.Title)
	assert.Equal(t, "company", e.Topic)
	assert.Equal(t, []string{"about", "history"}, e.Tags)
	assert.Equal(t, before.Keywords, e.Keywords)
	assert.Equal(t, before.Content, e.Content)
	assert.Equal(t, before.Created, e.Created)
	assert.NotEqual(t, before.Updated, e.Updated)

	got, ok := b.Lookup("", "About IndiVillage")
	require.True(t, ok)
	assert.Equal(t, "company-overview", got.ID)

	empty := " "
	_, err = b.Update("company-overview", Patch{Content: &empty})
	require.Error(t, err)
}

func TestUpdateAndDeleteUnknownEntry(t *testing.T) {
	b := newFixtureBase(t)
	title := "x"
	_, err := b.Update("missing", Patch{Title: &title})
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = b.Update("../company-overview", Patch{Title: &title})
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, b.Delete("missing"), ErrEntryNotFound)
}

func TestDeleteRemovesEntry(t *testing.T) {
	b := newFixtureBase(t)
	n := b.Len()

	require.NoError(t, b.Delete("key-services"))
	assert.Equal(t, n-1, b.Len())
	_, ok := b.Get("key-services")
	assert.False(t, ok)
	_, err := os.Stat(filepath.Join(b.Dir(), "key-services.mdx"))
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, b.Delete("key-services"), ErrEntryNotFound)
}

func sortedIDs(entries []Entry) []string {
	out := ids(entries)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] > out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
