// Package registry defines the contract every trial registry adapter
// implements. One subpackage per registry hides that registry's quirks:
// pagination style, wire format and vocabulary. The scraper engine only
// sees this interface.
package registry

import (
	"encoding/json"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// Cursor is an opaque pagination position. The engine persists it into
// checkpoints verbatim; only the owning adapter reads its contents. A nil
// cursor means the first page of an unfiltered enumeration.
type Cursor = json.RawMessage

// RawRecord is one registry record as fetched. Data is the record payload
// re-encoded as JSON regardless of the registry's wire format, so the raw
// snapshot stored with the trial stays uniformly queryable.
type RawRecord struct {
	ID   string
	Data json.RawMessage
}

// Page is one FetchPage result. Next is meaningful only while Done is false.
type Page struct {
	Records []RawRecord
	Next    Cursor
	Done    bool
	// Total is the registry-reported hit count when the registry sends one;
	// zero means unknown.
	Total int64
}

// Adapter is the per-registry scraping surface. FetchPage enumerates
// records lazily and resumably. Normalize is a pure function from one raw
// record to the canonical trial; it returns an error only when the record
// is unusable (missing identifier, undecodable payload), and the engine
// counts such records without aborting the page.
type Adapter interface {
	Registry() string
	FetchPage(ctx domain.Context, cursor Cursor) (Page, error)
	Normalize(raw RawRecord) (domain.Trial, error)
}

// Incremental adapters support a native changed-since filter. The engine
// seeds incremental runs with SinceCursor; registries without the
// capability fall back to sweeps or full re-imports.
type Incremental interface {
	SinceCursor(since time.Time) Cursor
}

// Windowed adapters can bound enumeration to an update-date window,
// which the fallback sweep walks backwards in 30-day steps.
type Windowed interface {
	WindowCursor(from, to time.Time) Cursor
}

// BulkImporter adapters ingest operator-provided dump files instead of a
// live API. Records stream through emit; an emit error aborts the import.
// Adapters may silently skip records they know arrive through a primary
// registry.
type BulkImporter interface {
	ImportBulk(ctx domain.Context, path string, emit func(RawRecord) error) error
}

// Set holds the wired adapters keyed by registry name.
type Set map[string]Adapter
