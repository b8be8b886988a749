package normalize

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SebastianBO/globaltrial-sub000/pkg/textx"
)

//go:embed synonyms.yaml
var synonymsYAML []byte

// Synonyms expands condition terms with their clinical synonyms so keyword
// queries match across registry vocabularies.
type Synonyms struct {
	groups map[string][]string // normalized member -> full group
}

type synonymsFile struct {
	Groups [][]string `yaml:"groups"`
}

// LoadSynonyms parses the embedded synonym table.
func LoadSynonyms() (*Synonyms, error) {
	var file synonymsFile
	if err := yaml.Unmarshal(synonymsYAML, &file); err != nil {
		return nil, fmt.Errorf("op=normalize.load_synonyms: %w", err)
	}
	s := &Synonyms{groups: make(map[string][]string, len(file.Groups)*3)}
	for _, group := range file.Groups {
		for _, member := range group {
			s.groups[textx.NormalizeKey(member)] = group
		}
	}
	return s, nil
}

// MustLoadSynonyms is LoadSynonyms for wiring paths that cannot fail at
// runtime; the table is embedded and covered by tests.
func MustLoadSynonyms() *Synonyms {
	s, err := LoadSynonyms()
	if err != nil {
		panic(err)
	}
	return s
}

// Expand returns terms plus every synonym of a recognized term, deduped
// case-insensitively with input order preserved.
func (s *Synonyms) Expand(terms []string) []string {
	seen := make(map[string]bool, len(terms)*2)
	out := make([]string, 0, len(terms)*2)
	add := func(term string) {
		key := textx.NormalizeKey(term)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, term)
	}
	for _, term := range terms {
		add(term)
		for _, syn := range s.groups[textx.NormalizeKey(term)] {
			add(syn)
		}
	}
	return out
}

// Canonical returns the first member of a term's synonym group, which the
// table orders from the clinical form to colloquial ones. Unknown terms map
// to themselves.
func (s *Synonyms) Canonical(term string) string {
	if group, ok := s.groups[textx.NormalizeKey(term)]; ok && len(group) > 0 {
		return group[0]
	}
	return strings.TrimSpace(term)
}
