package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the event bus named by cfg.Type: "channel" or "nats".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// DefaultRequestTimeout bounds a Request whose context has no deadline.
const DefaultRequestTimeout = 30 * time.Second

// MetadataReplyTo carries the reply topic of a Request.
const MetadataReplyTo = "reply_to"

// ErrNoReplyTopic is returned by Reply for a message that was published
// rather than requested.
var ErrNoReplyTopic = errors.New("message carries no reply topic")

// Reply answers a message received through Request.
func Reply(ctx context.Context, b domain.EventBus, req *domain.Message, payload []byte) error {
	to := req.Metadata[MetadataReplyTo]
	if to == "" {
		return fmt.Errorf("%w: %s", ErrNoReplyTopic, req.ID)
	}
	return b.Publish(ctx, to, payload)
}

func newMessage(topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}
