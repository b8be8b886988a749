// Package geocode resolves trial site locations to coordinates through
// Nominatim. Lookups are throttled to the public-instance policy of one
// request per second and cached twice: a process-local TTL cache in front
// of the persistent geocode_cache table, so re-enrich runs stay off the
// network entirely.
package geocode

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

const (
	memTTL    = 24 * time.Hour
	memJitter = time.Hour
	// maxAttempts bounds 429 retries; Nominatim asks clients to back off,
	// not hammer.
	maxAttempts = 3
)

// cached is the process-local cache entry. Negative results are cached too
// so unresolvable places do not burn the request budget every enrich run.
type cached struct {
	Lat, Lon float64
	OK       bool
}

// Nominatim implements domain.Geocoder.
type Nominatim struct {
	base    string
	ua      string
	hc      *http.Client
	limiter *rate.Limiter
	mem     *gocache.Cache
	repo    domain.GeocodeCacheRepo
}

// New constructs the geocoder. repo may be nil when no persistent cache is
// wired (tests, one-off CLI runs).
func New(cfg config.Config, repo domain.GeocodeCacheRepo) *Nominatim {
	return &Nominatim{
		base:    strings.TrimRight(cfg.NominatimBaseURL, "/"),
		ua:      cfg.ScraperUserAgent,
		hc:      &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		mem:     gocache.New(memTTL, 2*memTTL),
		repo:    repo,
	}
}

// CacheKey normalizes a location triple to its cache key form.
func CacheKey(city, state, country string) string {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
	}
	return norm(city) + "|" + norm(state) + "|" + norm(country)
}

// Geocode implements domain.Geocoder. ok is false for places Nominatim does
// not know; err is reserved for transport failures so callers can degrade to
// string comparison.
func (g *Nominatim) Geocode(ctx domain.Context, city, state, country string) (lat, lon float64, ok bool, err error) {
	key := CacheKey(city, state, country)
	if key == "||" {
		return 0, 0, false, nil
	}

	if v, found := g.mem.Get(key); found {
		observability.GeocodeRequestsTotal.WithLabelValues("hit").Inc()
		c := v.(cached)
		return c.Lat, c.Lon, c.OK, nil
	}
	if g.repo != nil {
		lat, lon, found, err := g.repo.Get(ctx, key)
		if err != nil {
			return 0, 0, false, fmt.Errorf("op=geocode.cache_get: %w", err)
		}
		if found {
			observability.GeocodeRequestsTotal.WithLabelValues("hit").Inc()
			g.memSet(key, cached{Lat: lat, Lon: lon, OK: true})
			return lat, lon, true, nil
		}
	}

	lat, lon, ok, err = g.lookup(ctx, city, state, country)
	if err != nil {
		observability.GeocodeRequestsTotal.WithLabelValues("error").Inc()
		return 0, 0, false, err
	}
	observability.GeocodeRequestsTotal.WithLabelValues("miss").Inc()
	g.memSet(key, cached{Lat: lat, Lon: lon, OK: ok})
	if ok && g.repo != nil {
		if err := g.repo.Put(ctx, key, lat, lon); err != nil {
			slog.Warn("geocode cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return lat, lon, ok, nil
}

func (g *Nominatim) memSet(key string, c cached) {
	g.mem.Set(key, c, memTTL+rand.N(memJitter))
}

func (g *Nominatim) lookup(ctx domain.Context, city, state, country string) (float64, float64, bool, error) {
	q := url.Values{"format": {"json"}, "limit": {"1"}}
	if s := strings.TrimSpace(city); s != "" {
		q.Set("city", s)
	}
	if s := strings.TrimSpace(state); s != "" {
		q.Set("state", s)
	}
	if s := strings.TrimSpace(country); s != "" {
		q.Set("country", s)
	}
	endpoint := g.base + "/search?" + q.Encode()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return 0, 0, false, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return 0, 0, false, err
		}
		req.Header.Set("User-Agent", g.ua)
		resp, err := g.hc.Do(req)
		if err != nil {
			return 0, 0, false, fmt.Errorf("op=geocode.lookup: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
			slog.Warn("nominatim rate limited", slog.Duration("retry_after", wait))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return 0, 0, false, ctx.Err()
			}
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return 0, 0, false, fmt.Errorf("op=geocode.lookup: status %d", resp.StatusCode)
		}
		var results []struct {
			Lat string `json:"lat"`
			Lon string `json:"lon"`
		}
		err = json.NewDecoder(resp.Body).Decode(&results)
		_ = resp.Body.Close()
		if err != nil {
			return 0, 0, false, fmt.Errorf("op=geocode.lookup: %w", err)
		}
		if len(results) == 0 {
			return 0, 0, false, nil
		}
		lat, latErr := strconv.ParseFloat(results[0].Lat, 64)
		lon, lonErr := strconv.ParseFloat(results[0].Lon, 64)
		if latErr != nil || lonErr != nil {
			return 0, 0, false, nil
		}
		return lat, lon, true, nil
	}
	return 0, 0, false, fmt.Errorf("op=geocode.lookup: %w", domain.ErrUpstreamRateLimit)
}

// retryAfter parses a Retry-After header, defaulting to one second.
func retryAfter(h string) time.Duration {
	if h == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return time.Second
}
