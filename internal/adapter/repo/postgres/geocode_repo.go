package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// GeocodeCacheRepo is the persistent geocode lookaside behind the in-process
// cache.
type GeocodeCacheRepo struct{ Pool PgxPool }

// NewGeocodeCacheRepo constructs a GeocodeCacheRepo with the given pool.
func NewGeocodeCacheRepo(p PgxPool) *GeocodeCacheRepo { return &GeocodeCacheRepo{Pool: p} }

// Get loads cached coordinates; ok is false on a miss.
func (r *GeocodeCacheRepo) Get(ctx domain.Context, key string) (float64, float64, bool, error) {
	tracer := otel.Tracer("repo.geocode")
	ctx, span := tracer.Start(ctx, "geocode.Get")
	defer span.End()
	var lat, lon float64
	err := r.Pool.QueryRow(ctx, `SELECT lat, lon FROM geocode_cache WHERE key=$1`, key).Scan(&lat, &lon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("op=geocode.get: %w", err)
	}
	return lat, lon, true, nil
}

// Put stores resolved coordinates for a normalized place key.
func (r *GeocodeCacheRepo) Put(ctx domain.Context, key string, lat, lon float64) error {
	tracer := otel.Tracer("repo.geocode")
	ctx, span := tracer.Start(ctx, "geocode.Put")
	defer span.End()
	q := `INSERT INTO geocode_cache (key, lat, lon) VALUES ($1,$2,$3)
	ON CONFLICT (key) DO UPDATE SET lat=EXCLUDED.lat, lon=EXCLUDED.lon, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, key, lat, lon); err != nil {
		return fmt.Errorf("op=geocode.put: %w", err)
	}
	return nil
}
