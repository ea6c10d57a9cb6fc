package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Lifecycle event names
const (
	CampaignStarted = "campaign.started"
	CampaignPaused  = "campaign.paused"
	CampaignStopped = "campaign.stopped"
)

// Channel the webhook/notification system subscribes to.
const Channel = "coldreach:campaign-events"

// Emitter publishes lifecycle events. Emission is fire-and-forget: a failed
// publish must never fail the lifecycle operation that triggered it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload map[string]interface{})
}

// RedisEmitter publishes events to a redis channel for the external
// webhook/notification consumers.
type RedisEmitter struct {
	client *redis.Client
	logger *logrus.Entry
}

func NewRedisEmitter(client *redis.Client) *RedisEmitter {
	return &RedisEmitter{
		client: client,
		logger: logrus.WithField("component", "events"),
	}
}

func (e *RedisEmitter) Emit(ctx context.Context, event string, payload map[string]interface{}) {
	body := map[string]interface{}{
		"event":      event,
		"emitted_at": time.Now().UTC().Format(time.RFC3339),
		"payload":    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		e.logger.WithError(err).WithField("event", event).Error("failed to encode event")
		return
	}
	if err := e.client.Publish(ctx, Channel, data).Err(); err != nil {
		e.logger.WithError(err).WithField("event", event).Warn("failed to publish event")
	}
}

// NopEmitter drops events; used when redis is not configured and in tests.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, string, map[string]interface{}) {}
