package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Bus publishes raw frame payloads on per-session topics.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	client *redis.Client
	group  string
}

// NewBus builds a Redis Streams bus when s.Enabled and an in-memory bus
// otherwise.
func NewBus(s Settings) (*Bus, error) {
	if !s.Enabled {
		return NewInMemoryBus(), nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis address is required when redis is enabled")
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}

	log.Info().Str("component", "bus").Str("addr", s.Addr).Str("group", s.Group).Msg("using redis streams frame bus")
	return &Bus{pub: pub, sub: sub, client: client, group: s.Group}, nil
}

// NewInMemoryBus returns a bus backed by a Watermill go channel. Publish waits
// for subscribers to ack so frames of one topic keep their order.
func NewInMemoryBus() *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(log.Logger))
	return &Bus{pub: ch, sub: ch}
}

func (b *Bus) Publish(topic string, payload []byte) error {
	if b == nil || b.pub == nil {
		return errors.New("frame bus is not initialized")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish on %s", topic)
	}
	return nil
}

// Subscribe returns the message channel of topic. The channel closes when ctx
// is done.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b == nil || b.sub == nil {
		return nil, errors.New("frame bus is not initialized")
	}
	if b.client != nil && b.group != "" {
		if err := EnsureGroupAtTail(ctx, b.client, topic, b.group); err != nil {
			return nil, err
		}
	}
	ch, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to %s", topic)
	}
	return ch, nil
}

// Relay subscribes to topic and calls fn with each payload from a background
// goroutine until ctx is done. The subscription is live when Relay returns;
// the returned channel closes once the goroutine exits. Messages are acked
// after fn returns.
func (b *Bus) Relay(ctx context.Context, topic string, fn func([]byte)) (<-chan struct{}, error) {
	ch, err := b.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
				msg.Ack()
			}
		}
	}()
	return done, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var errs []string
	if err := b.pub.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close frame bus: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if it
// doesn't exist, so a new subscriber does not replay old frames.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: the group already exists.
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Debug().Str("component", "bus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
