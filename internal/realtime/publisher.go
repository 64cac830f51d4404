// Package realtime fans committed queue changes out to other screens over
// redis pub/sub. Delivery to browsers happens in a separate service.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"qms/journey-service/internal/journey"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "queue.changes"

type Event struct {
	Type string         `json:"type"`
	Data journey.Change `json:"data"`
}

type Publisher struct {
	client  redis.Cmdable
	channel string
}

func NewPublisher(client redis.Cmdable, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// ChannelFor scopes the channel to one structure so subscribers only receive
// their own clinic's changes.
func (p *Publisher) ChannelFor(structureID string) string {
	if structureID == "" {
		return p.channel
	}
	return p.channel + ":" + structureID
}

func (p *Publisher) PublishChange(ctx context.Context, change journey.Change) error {
	payload, err := json.Marshal(Event{Type: "queue." + change.Action, Data: change})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := p.client.Publish(ctx, p.ChannelFor(change.StructureID), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}
