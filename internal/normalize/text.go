// Package normalize turns raw registry payloads into canonical trial fields:
// HTML stripping, term cleanup, age and date parsing, synonym expansion and
// content hashing.
package normalize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"

	"github.com/SebastianBO/globaltrial-sub000/pkg/textx"
)

// StripHTML flattens markup to plain text. Registries embed HTML fragments in
// description and eligibility fields; plain strings pass through untouched
// apart from whitespace collapsing.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return textx.CollapseWhitespace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return textx.CollapseWhitespace(s)
	}
	return textx.CollapseWhitespace(doc.Text())
}

// CleanText is the full free-text pipeline: markup stripped, control
// characters removed, whitespace collapsed.
func CleanText(s string) string {
	return textx.CollapseWhitespace(textx.SanitizeText(StripHTML(s)))
}

// CleanTerms normalizes condition/intervention term lists: strips markup and
// stray punctuation, drops empties and dedupes case-insensitively while
// preserving the first occurrence's casing for display.
func CleanTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.Trim(CleanText(t), " .;,")
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	return lo.UniqBy(out, strings.ToLower)
}

// NormalizeGender maps registry gender wordings onto ALL, FEMALE or MALE.
// Anything unrecognized is treated as ALL, never dropped.
func NormalizeGender(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f", "female", "females", "women", "woman":
		return "FEMALE"
	case "m", "male", "males", "men", "man":
		return "MALE"
	default:
		return "ALL"
	}
}
