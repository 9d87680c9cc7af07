package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solenrich/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing enriched transactions to NATS.
type Publisher interface {
	// PublishEnriched publishes a single event to JetStream on the
	// subject "enriched.{type}.{fee_payer}".
	PublishEnriched(ctx context.Context, event *EnrichedEvent) error

	// PublishEnrichedBatch publishes multiple events. Individual failures
	// are logged and skipped; the error reports how many failed.
	PublishEnrichedBatch(ctx context.Context, events []*EnrichedEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes enriched transactions to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for enriched transactions.
	StreamName = "ENRICHED"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + ".>"

	// StreamRetention is how long messages are retained (7 days by default).
	StreamRetention = 7 * 24 * time.Hour
)

// Connect dials NATS with the reconnect policy shared by publishers and subscribers.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists. m may be nil.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := Connect(natsURL, "solenrich-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Enriched Solana transactions",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishEnriched publishes a single enriched transaction. The signature is
// used as the JetStream message id so redeliveries inside the duplicate
// window are dropped by the server.
func (p *JetStreamPublisher) PublishEnriched(ctx context.Context, event *EnrichedEvent) error {
	start := time.Now()
	subject := event.Subject()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal enriched event: %w", err)
	}

	var opts []jetstream.PublishOpt
	if event.Signature != "" {
		opts = append(opts, jetstream.WithMsgID(event.Signature))
	}

	_, err = p.js.Publish(ctx, subject, data, opts...)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordNATSPublish(string(event.Type), status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish enriched transaction: %w", err)
	}

	p.logger.Debug("published enriched transaction",
		"subject", subject,
		"signature", event.Signature,
		"type", event.Type,
	)

	return nil
}

// PublishEnrichedBatch publishes multiple events.
func (p *JetStreamPublisher) PublishEnrichedBatch(ctx context.Context, events []*EnrichedEvent) error {
	if len(events) == 0 {
		return nil
	}

	failed := 0
	for _, event := range events {
		if err := p.PublishEnriched(ctx, event); err != nil {
			p.logger.Error("failed to publish enriched transaction in batch",
				"signature", event.Signature,
				"type", event.Type,
				"error", err,
			)
			failed++
			continue
		}
	}

	p.logger.Debug("published enriched batch",
		"count", len(events),
		"failed", failed,
	)

	if failed > 0 {
		return fmt.Errorf("failed to publish %d of %d events", failed, len(events))
	}
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
