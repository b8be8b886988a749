package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// Day-count conversions shared by all registries.
const (
	daysPerYear  = 365
	daysPerMonth = 30
	daysPerWeek  = 7
)

// ageGroupDays maps EU CTR/CTIS age-group flags onto day counts.
var ageGroupDays = map[string]int{
	"newborn":     0,
	"newborns":    0,
	"infant":      28,
	"infants":     28,
	"toddler":     28,
	"toddlers":    28,
	"child":       2 * daysPerYear,
	"children":    2 * daysPerYear,
	"adolescent":  12 * daysPerYear,
	"adolescents": 12 * daysPerYear,
	"adult":       18 * daysPerYear,
	"adults":      18 * daysPerYear,
	"elderly":     65 * daysPerYear,
}

// AgeGroupBound resolves an age-group flag ("Adults", "elderly") to its lower
// bound in days. EU CTR spells the flags with a range suffix, "Children
// (2-11 years)", which is dropped before lookup.
func AgeGroupBound(group string) (domain.AgeBound, bool) {
	key := strings.ToLower(strings.TrimSpace(group))
	if i := strings.IndexByte(key, '('); i >= 0 {
		key = strings.TrimSpace(key[:i])
	}
	days, ok := ageGroupDays[key]
	if !ok {
		return domain.AgeBound{}, false
	}
	return domain.AgeBound{Days: days, Original: group}, true
}

var ageRe = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(years?|yrs?|y|months?|mos?|weeks?|wks?|w|days?|d)?\.?\s*$`)

// ParseAgeBound parses a textual age limit ("18 Years", "6 Months", "30") to
// a day count, keeping the original wording for display. Bare numbers mean
// years. Empty and explicit no-limit forms return (nil, nil); anything else
// unparseable returns an error so the caller can log and continue.
func ParseAgeBound(s string) (*domain.AgeBound, error) {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "", "n/a", "na", "none", "not specified", "no limit":
		return nil, nil
	}
	m := ageRe.FindStringSubmatch(trimmed)
	if m == nil {
		return nil, fmt.Errorf("op=normalize.parse_age: %w: %q", domain.ErrInvalidArgument, s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, fmt.Errorf("op=normalize.parse_age: %w: %q", domain.ErrInvalidArgument, s)
	}
	perUnit := daysPerYear
	switch {
	case m[2] == "":
		// bare number, assume years
	case strings.HasPrefix(strings.ToLower(m[2]), "y"):
		perUnit = daysPerYear
	case strings.HasPrefix(strings.ToLower(m[2]), "m"):
		perUnit = daysPerMonth
	case strings.HasPrefix(strings.ToLower(m[2]), "w"):
		perUnit = daysPerWeek
	default:
		perUnit = 1
	}
	days := int(math.Round(value * float64(perUnit)))
	return &domain.AgeBound{Days: days, Original: trimmed}, nil
}
