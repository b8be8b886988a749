// Package redpanda publishes pipeline lifecycle events to a Redpanda/Kafka
// bus. Publishing is fire-and-forget: delivery failures are logged and
// counted, never propagated, so the pipeline does not block on the bus. An
// empty broker list swaps in the no-op publisher.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// Topic suffixes. The configured prefix is prepended at construction so one
// cluster can host several environments.
const (
	TopicTrialsUpserted = "trials.upserted"
	TopicTrialsMerged   = "trials.merged"
	TopicReportsDaily   = "reports.daily"
)

// Envelope is the wire frame shared by every topic.
type Envelope struct {
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type trialUpsertedEvent struct {
	TrialKey    string             `json:"trial_key"`
	Registry    string             `json:"registry"`
	RegistryID  string             `json:"registry_id"`
	Status      domain.TrialStatus `json:"status"`
	Phase       domain.TrialPhase  `json:"phase"`
	ContentHash string             `json:"content_hash"`
	Changed     bool               `json:"changed"`
}

type trialsMergedEvent struct {
	MasterKey  string    `json:"master_key"`
	MemberKeys []string  `json:"member_keys"`
	Title      string    `json:"title,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type reportPublishedEvent struct {
	Date             string                      `json:"date"`
	JobsByStatus     map[domain.JobStatus]int64  `json:"jobs_by_status,omitempty"`
	JobsByType       map[domain.JobType]int64    `json:"jobs_by_type,omitempty"`
	TrialsByRegistry map[string]int64            `json:"trials_by_registry,omitempty"`
	DupsByVerdict    map[domain.DupVerdict]int64 `json:"dups_by_verdict,omitempty"`
	AlertsFired      int64                       `json:"alerts_fired"`
	OpenAlerts       int64                       `json:"open_alerts"`
	QueueDepth       int64                       `json:"queue_depth"`
	Workers          int                         `json:"workers"`
}

// Publisher implements domain.EventPublisher over franz-go.
type Publisher struct {
	client *kgo.Client
	prefix string
}

// New builds the bus publisher and ensures the topics exist. With no brokers
// configured it returns Noop so callers never nil-check.
func New(ctx context.Context, cfg config.Config) (domain.EventPublisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		slog.Info("event bus disabled, no brokers configured")
		return Noop{}, nil
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		// acks=all keeps the idempotent producer on; events must not
		// duplicate on broker retries.
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=events.new: %w", err)
	}

	p := &Publisher{client: client, prefix: cfg.KafkaTopicPrefix}
	for _, suffix := range []string{TopicTrialsUpserted, TopicTrialsMerged, TopicReportsDaily} {
		if err := ensureTopic(ctx, client, p.topic(suffix), int32(cfg.KafkaPartitions), int16(cfg.KafkaReplication)); err != nil {
			slog.Warn("ensure topic failed, continuing",
				slog.String("topic", p.topic(suffix)),
				slog.Any("error", err))
		}
	}
	slog.Info("event bus publisher ready",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("prefix", cfg.KafkaTopicPrefix))
	return p, nil
}

func (p *Publisher) topic(suffix string) string {
	if p.prefix == "" {
		return suffix
	}
	return p.prefix + "." + suffix
}

// TrialUpserted implements domain.EventPublisher.
func (p *Publisher) TrialUpserted(ctx domain.Context, t *domain.Trial, changed bool) {
	p.publish(ctx, TopicTrialsUpserted, t.TrialKey, trialUpsertedEvent{
		TrialKey:    t.TrialKey,
		Registry:    t.Registry,
		RegistryID:  t.RegistryID,
		Status:      t.Status,
		Phase:       t.Phase,
		ContentHash: t.ContentHash,
		Changed:     changed,
	})
}

// TrialsMerged implements domain.EventPublisher.
func (p *Publisher) TrialsMerged(ctx domain.Context, m *domain.TrialMaster) {
	p.publish(ctx, TopicTrialsMerged, m.MasterKey, trialsMergedEvent{
		MasterKey:  m.MasterKey,
		MemberKeys: m.MemberKeys,
		Title:      m.Merged.Title,
		UpdatedAt:  m.UpdatedAt,
	})
}

// ReportPublished implements domain.EventPublisher.
func (p *Publisher) ReportPublished(ctx domain.Context, r *domain.DailyReport) {
	date := r.Date.Format("2006-01-02")
	p.publish(ctx, TopicReportsDaily, date, reportPublishedEvent{
		Date:             date,
		JobsByStatus:     r.JobsByStatus,
		JobsByType:       r.JobsByType,
		TrialsByRegistry: r.TrialsByRegistry,
		DupsByVerdict:    r.DupsByVerdict,
		AlertsFired:      r.AlertsFired,
		OpenAlerts:       r.OpenAlerts,
		QueueDepth:       r.QueueDepth,
		Workers:          r.Workers,
	})
}

func (p *Publisher) publish(ctx domain.Context, suffix, key string, payload any) {
	topic := p.topic(suffix)
	rec, err := newRecord(topic, key, payload)
	if err != nil {
		observability.EventsPublishedTotal.WithLabelValues(suffix, "error").Inc()
		slog.Error("event marshal failed",
			slog.String("topic", topic),
			slog.String("key", key),
			slog.Any("error", err))
		return
	}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			observability.EventsPublishedTotal.WithLabelValues(suffix, "error").Inc()
			slog.Error("event publish failed",
				slog.String("topic", topic),
				slog.String("key", key),
				slog.Any("error", err))
			return
		}
		observability.EventsPublishedTotal.WithLabelValues(suffix, "ok").Inc()
	})
}

// newRecord wraps a payload in the envelope frame. Key doubles as the Kafka
// record key so per-trial ordering holds within a partition.
func newRecord(topic, key string, payload any) (*kgo.Record, error) {
	b, err := json.Marshal(Envelope{Key: key, At: time.Now().UTC(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("op=events.marshal: %w", err)
	}
	return &kgo.Record{Topic: topic, Key: []byte(key), Value: b}, nil
}

// Close flushes buffered records and releases the client. The flush is
// bounded so shutdown cannot hang on a dead broker.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("event flush on close", slog.Any("error", err))
	}
	p.client.Close()
	return nil
}

// Noop satisfies domain.EventPublisher when the bus is disabled.
type Noop struct{}

// TrialUpserted implements domain.EventPublisher.
func (Noop) TrialUpserted(domain.Context, *domain.Trial, bool) {}

// TrialsMerged implements domain.EventPublisher.
func (Noop) TrialsMerged(domain.Context, *domain.TrialMaster) {}

// ReportPublished implements domain.EventPublisher.
func (Noop) ReportPublished(domain.Context, *domain.DailyReport) {}

// Close implements domain.EventPublisher.
func (Noop) Close() error { return nil }
