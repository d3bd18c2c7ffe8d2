// Package kafka carries the advisory job signal between the API and the
// workers. The signal only wakes sleeping lease loops; the job store stays
// authoritative, so lost or duplicated records cost nothing but latency.
package kafka

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// TopicJobSignals is the topic announcing newly enqueued jobs.
const TopicJobSignals = "job-signals"

// SignalPayload is the record body on TopicJobSignals.
type SignalPayload struct {
	JobID       string `json:"jobId"`
	ProviderKey string `json:"providerKey"`
}

// Signaler implements domain.JobSignal on a Kafka producer.
type Signaler struct {
	client *kgo.Client
}

// NewSignaler constructs a Signaler and ensures the topic exists.
func NewSignaler(brokers []string) (*Signaler, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.new_signaler: no seed brokers provided")
	}
	tracer := kotel.NewTracer()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.new_signaler: %w", err)
	}
	if err := ensureTopic(client, TopicJobSignals, 1, 1); err != nil {
		slog.Warn("job signal topic setup failed, it may already exist",
			slog.String("topic", TopicJobSignals), slog.Any("error", err))
	}
	return &Signaler{client: client}, nil
}

// Announce publishes a wake-up for jobID. Failures are returned but callers
// treat them as advisory and never roll back the enqueue.
func (s *Signaler) Announce(ctx domain.Context, jobID, providerKey string) error {
	b, err := json.Marshal(SignalPayload{JobID: jobID, ProviderKey: providerKey})
	if err != nil {
		return fmt.Errorf("op=kafka.announce: %w", err)
	}
	record := &kgo.Record{
		Topic: TopicJobSignals,
		Key:   []byte(jobID),
		Value: b,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.announce: %w", err)
	}
	return nil
}

// Ping verifies broker connectivity; used by readiness probes.
func (s *Signaler) Ping(ctx domain.Context) error {
	return s.client.Ping(ctx)
}

// Close closes the underlying client.
func (s *Signaler) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
