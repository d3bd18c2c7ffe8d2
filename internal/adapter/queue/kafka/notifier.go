package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// Notifier consumes job signals and forwards them to a wake channel drained
// by the worker pool. The channel is small and sends never block: if the
// workers are already awake, dropping a signal is free.
type Notifier struct {
	client *kgo.Client
	wake   chan SignalPayload
}

// NewNotifier constructs a Notifier in the given consumer group.
func NewNotifier(brokers []string, group string) (*Notifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.new_notifier: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(TopicJobSignals),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.new_notifier: %w", err)
	}
	return &Notifier{client: client, wake: make(chan SignalPayload, 16)}, nil
}

// Wake returns the channel carrying received signals.
func (n *Notifier) Wake() <-chan SignalPayload { return n.wake }

// Run polls until ctx is cancelled. Malformed records are logged and skipped.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		fetches := n.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Warn("job signal fetch error", slog.String("topic", topic),
				slog.Int("partition", int(partition)), slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			var p SignalPayload
			if err := json.Unmarshal(rec.Value, &p); err != nil {
				slog.Warn("malformed job signal", slog.Any("error", err))
				return
			}
			select {
			case n.wake <- p:
			default:
			}
		})
	}
}

// Close closes the underlying client.
func (n *Notifier) Close() error {
	if n.client != nil {
		n.client.Close()
	}
	return nil
}

var _ domain.JobSignal = (*Signaler)(nil)
