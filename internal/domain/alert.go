package domain

import "time"

// AlertSeverity levels.
type AlertSeverity string

const (
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert kinds fired by the monitor.
const (
	AlertQueueDepth     = "queue_depth_high"
	AlertFailureRate    = "failure_rate_high"
	AlertStaleLease     = "stale_lease"
	AlertRateLimitUsage = "rate_limit_usage_high"
	AlertStaleScrape    = "scrape_heartbeat_stale"
)

// Alert is one monitor finding. Alerts of the same kind are held open and
// not re-fired until resolved.
type Alert struct {
	ID         string // ULID
	Severity   AlertSeverity
	Kind       string
	Message    string
	Labels     map[string]string
	FiredAt    time.Time
	ResolvedAt *time.Time
}

// Monitoring thresholds and cadences.
const (
	MonitorInterval = 3 * time.Minute
	// QueueDepthHighWatermark fires AlertQueueDepth at high severity.
	QueueDepthHighWatermark = 10000
	// FailureRateCritical is the failed/(completed+failed) ratio over the
	// trailing hour that fires AlertFailureRate at critical severity.
	FailureRateCritical = 0.10
	// RateLimitUsageHigh fires AlertRateLimitUsage at medium severity when a
	// registry budget stays above this fraction for a full window.
	RateLimitUsageHigh = 0.90
	// ScrapeHeartbeatStale is the heartbeat age past which a running scrape
	// is declared dead and its run marked failed.
	ScrapeHeartbeatStale = 5 * time.Minute
)
