package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// dateLayouts in trial registry payloads, most specific first. Partial dates
// resolve to the first day of their period. The slash layout is day-first as
// used by ISRCTN.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"02/01/2006",
	"January 2006",
	"2006-01",
	"2006",
}

// ParseFlexibleDate parses the date formats observed across registries.
// Empty input returns (nil, nil).
func ParseFlexibleDate(s string) (*time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, trimmed); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("op=normalize.parse_date: %w: %q", domain.ErrInvalidArgument, s)
}
