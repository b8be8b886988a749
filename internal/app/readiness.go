package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecks returns the db, redis and qdrant probes for /readyz. The
// redis probe is nil when no redis client is wired, which the handler skips.
func (a *App) ReadinessChecks() (db, rds, qd func(ctx context.Context) error) {
	db = func(ctx context.Context) error {
		return a.Pool.Ping(ctx)
	}
	if a.Redis != nil {
		rdb := a.Redis
		rds = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	qd = a.qdrantCheck()
	return db, rds, qd
}

func (a *App) qdrantCheck() func(ctx context.Context) error {
	base := a.Cfg.QdrantURL
	apiKey := a.Cfg.QdrantAPIKey
	client := &http.Client{Timeout: 2 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/collections", nil)
		if err != nil {
			return err
		}
		if apiKey != "" {
			req.Header.Set("api-key", apiKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("qdrant status %d", resp.StatusCode)
	}
}

// ServeMetrics exposes /metrics on its own listener for processes that do
// not run the ops API. Blocks until ctx is cancelled.
func ServeMetrics(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
