package observability

import (
	"log/slog"
	"math"
	"sync"
)

// ScoreDriftMonitor watches match score components for drift from a recorded
// baseline. A new embedding model or a registry vocabulary change shifts the
// score distribution; the monitor surfaces that as a gauge and a warning
// instead of letting ranking quality decay silently.
type ScoreDriftMonitor struct {
	mu             sync.Mutex
	baseline       map[string]float64
	recent         map[string][]float64
	windowSize     int
	driftThreshold float64
	model          string
}

// NewScoreDriftMonitor creates a monitor for the given embedding model.
func NewScoreDriftMonitor(model string, windowSize int, driftThreshold float64) *ScoreDriftMonitor {
	return &ScoreDriftMonitor{
		baseline:       make(map[string]float64),
		recent:         make(map[string][]float64),
		windowSize:     windowSize,
		driftThreshold: driftThreshold,
		model:          model,
	}
}

// UpdateBaseline pins the expected mean for a score component
// ("final", "vector", "keyword", ...).
func (m *ScoreDriftMonitor) UpdateBaseline(metric string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline[metric] = score
	slog.Info("match score baseline updated",
		slog.String("metric", metric),
		slog.Float64("score", score),
		slog.String("model", m.model))
}

// RecordScore appends one observation and checks for drift once the window
// is full.
func (m *ScoreDriftMonitor) RecordScore(metric string, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recent[metric] = append(m.recent[metric], score)
	if len(m.recent[metric]) > m.windowSize {
		m.recent[metric] = m.recent[metric][1:]
	}
	if len(m.recent[metric]) < m.windowSize {
		return
	}
	drift := m.driftLocked(metric)
	RecordScoreDrift(metric, m.model, drift)
	if drift > m.driftThreshold {
		slog.Warn("match score drift detected",
			slog.String("metric", metric),
			slog.Float64("drift", drift),
			slog.Float64("threshold", m.driftThreshold),
			slog.String("model", m.model))
	}
}

// Drift returns the current absolute drift for a metric.
func (m *ScoreDriftMonitor) Drift(metric string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.driftLocked(metric)
}

func (m *ScoreDriftMonitor) driftLocked(metric string) float64 {
	base, ok := m.baseline[metric]
	if !ok || len(m.recent[metric]) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range m.recent[metric] {
		sum += s
	}
	return math.Abs(sum/float64(len(m.recent[metric])) - base)
}

// Baseline returns the pinned baseline for a metric, if any.
func (m *ScoreDriftMonitor) Baseline(metric string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.baseline[metric]
	return v, ok
}

// Reset clears baselines and windows (model swap).
func (m *ScoreDriftMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = make(map[string]float64)
	m.recent = make(map[string][]float64)
}
