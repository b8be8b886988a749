package config

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

//go:embed registries/*.yaml
var mappingFS embed.FS

// registryMappingYAML is the on-disk shape of one registry's enum tables.
type registryMappingYAML struct {
	Status map[string]string `yaml:"status"`
	Phase  map[string]string `yaml:"phase"`
}

// RegistryMappings translates registry-specific status and phase strings into
// the canonical enums. Tables are embedded YAML, one file per registry, so
// new registry vocabulary is a data change, not a code change.
type RegistryMappings struct {
	status map[string]map[string]domain.TrialStatus
	phase  map[string]map[string]domain.TrialPhase
}

// LoadMappings parses the embedded mapping tables.
func LoadMappings() (*RegistryMappings, error) {
	m := &RegistryMappings{
		status: make(map[string]map[string]domain.TrialStatus),
		phase:  make(map[string]map[string]domain.TrialPhase),
	}
	entries, err := mappingFS.ReadDir("registries")
	if err != nil {
		return nil, fmt.Errorf("op=config.load_mappings: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		registry := strings.TrimSuffix(name, ".yaml")
		raw, err := mappingFS.ReadFile("registries/" + name)
		if err != nil {
			return nil, fmt.Errorf("op=config.load_mappings: read %s: %w", name, err)
		}
		var doc registryMappingYAML
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("op=config.load_mappings: parse %s: %w", name, err)
		}
		st := make(map[string]domain.TrialStatus, len(doc.Status))
		for k, v := range doc.Status {
			st[NormalizeEnumKey(k)] = domain.TrialStatus(v)
		}
		ph := make(map[string]domain.TrialPhase, len(doc.Phase))
		for k, v := range doc.Phase {
			ph[NormalizeEnumKey(k)] = domain.TrialPhase(v)
		}
		m.status[registry] = st
		m.phase[registry] = ph
	}
	return m, nil
}

// MustLoadMappings is LoadMappings for wiring paths where the embedded tables
// are known good (they ship with the binary).
func MustLoadMappings() *RegistryMappings {
	m, err := LoadMappings()
	if err != nil {
		panic(err)
	}
	return m
}

// NormalizeEnumKey uppercases and folds separator runs to single underscores
// so "Ongoing, recruiting" and "ONGOING_RECRUITING" hit the same table entry.
func NormalizeEnumKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSep := true
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		switch {
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevSep = false
		default:
			if !prevSep {
				b.WriteByte('_')
				prevSep = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// MapStatus maps a raw registry status. Unmapped values become UNKNOWN so
// records are never dropped on vocabulary drift.
func (m *RegistryMappings) MapStatus(registry, raw string) domain.TrialStatus {
	if t, ok := m.status[registry][NormalizeEnumKey(raw)]; ok {
		return t
	}
	return domain.StatusUnknown
}

// MapPhase maps a raw registry phase, falling back to a loose parse of the
// digits and roman numerals; unparseable values become NA (the original
// string stays in the trial's raw snapshot).
func (m *RegistryMappings) MapPhase(registry, raw string) domain.TrialPhase {
	key := NormalizeEnumKey(raw)
	if p, ok := m.phase[registry][key]; ok {
		return p
	}
	if p, ok := loosePhase(key); ok {
		return p
	}
	return domain.PhaseNA
}

// loosePhase extracts phase numbers from a normalized key. The canonical set
// only has one combined constant, so 2+3 maps there and any other combination
// maps to its highest member.
func loosePhase(key string) (domain.TrialPhase, bool) {
	if strings.Contains(key, "EARLY") {
		return domain.PhaseEarly1, true
	}
	seen := map[int]bool{}
	for _, tok := range strings.Split(key, "_") {
		tok = strings.TrimPrefix(tok, "PHASE")
		switch tok {
		case "1", "I":
			seen[1] = true
		case "2", "II":
			seen[2] = true
		case "3", "III":
			seen[3] = true
		case "4", "IV":
			seen[4] = true
		}
	}
	if len(seen) == 0 {
		return "", false
	}
	if len(seen) == 2 && seen[2] && seen[3] {
		return domain.Phase2And3, true
	}
	nums := make([]int, 0, len(seen))
	for n := range seen {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	switch nums[len(nums)-1] {
	case 1:
		return domain.Phase1, true
	case 2:
		return domain.Phase2, true
	case 3:
		return domain.Phase3, true
	default:
		return domain.Phase4, true
	}
}
