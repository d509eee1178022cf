package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stepup-service/internal/bucketing"
	"stepup-service/internal/client"
	"stepup-service/internal/models"
	"stepup-service/internal/util"
)

// Publisher writes security events to the events topic. Publishing is
// fire-and-forget from the caller's point of view: auth decisions never
// wait on Kafka, so callers log a returned error and move on.
type Publisher struct {
	producer  *client.KafkaProducer
	bucketing *bucketing.BucketingManager
	topic     string
	timeout   time.Duration
}

func NewPublisher(producer *client.KafkaProducer, bm *bucketing.BucketingManager, topic string) *Publisher {
	return &Publisher{
		producer:  producer,
		bucketing: bm,
		topic:     topic,
		timeout:   3 * time.Second,
	}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, event *models.SecurityEvent) error {
	event.EventID = uuid.New().String()
	event.EventType = eventType
	event.CreatedAt = time.Now().UTC()
	event.EventBucket = p.bucketing.GetEventBucket(event.UserID)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Key by user so one user's events stay ordered within a partition.
	err = p.producer.ProduceMessage(ctx, p.topic, []byte(event.UserID), payload, map[string]string{
		"event_type": eventType,
	})
	if err != nil {
		return fmt.Errorf("failed to publish security event: %w", err)
	}

	util.Debug("Security event published",
		zap.String("event_id", event.EventID),
		zap.String("event_type", eventType),
		zap.String("user_id", event.UserID))

	return nil
}
