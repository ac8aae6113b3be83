package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"curator/internal/broker"
	"curator/internal/constants"
	"curator/internal/logger"
	"curator/pkg/models"
)

// Notifier publishes block-application outcomes for downstream audit
// consumers. Publishing is best-effort and never fails an apply run.
type Notifier interface {
	PublishOutcome(ctx context.Context, event models.ApplyOutcomeEvent)
}

type KafkaNotifier struct {
	producer broker.Producer
	topic    string
	logger   logger.Logger
}

func NewKafkaNotifier(producer broker.Producer, topic string, log logger.Logger) *KafkaNotifier {
	if topic == "" {
		topic = constants.DefaultApplicationsTopic
	}
	return &KafkaNotifier{producer: producer, topic: topic, logger: log}
}

func (n *KafkaNotifier) PublishOutcome(ctx context.Context, event models.ApplyOutcomeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.ErrorwCtx(ctx, "Failed to marshal apply outcome event",
			"application_id", event.ApplicationID,
			"error", err,
		)
		return
	}

	envelope := models.MessageEnvelope{
		ID:        uuid.New().String(),
		Type:      "apply_outcome",
		Timestamp: time.Now(),
		Payload:   payload,
	}

	if err := n.producer.Publish(ctx, n.topic, envelope); err != nil {
		n.logger.ErrorwCtx(ctx, "Failed to publish apply outcome event",
			"application_id", event.ApplicationID,
			"topic", n.topic,
			"error", err,
		)
	}
}

type nopNotifier struct{}

func (nopNotifier) PublishOutcome(context.Context, models.ApplyOutcomeEvent) {}

func NopNotifier() Notifier {
	return nopNotifier{}
}
