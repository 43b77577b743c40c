package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/attend/internal/models"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeFrames starts consuming frame tasks from the FRAMES stream.
// workerCount goroutines process messages concurrently; all frames of one
// stream go to the same goroutine, so its tracker sees them in order.
func (c *Consumer) ConsumeFrames(ctx context.Context, consumerName string, handler MessageHandler, workerCount int) error {
	stream, err := c.js.Stream(ctx, FramesStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", FramesStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
		FilterSubject: FramesSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	workerCount = max(workerCount, 1)
	shards := make([]chan jetstream.Msg, workerCount)
	for i := range shards {
		shards[i] = make(chan jetstream.Msg, 2)
	}

	go func() {
		defer func() {
			for _, ch := range shards {
				close(ch)
			}
		}()
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch frames error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case shards[Shard(msg.Subject(), workerCount)] <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i, ch := range shards {
		go func() {
			for msg := range ch {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process frame error", "worker", i, "error", err, "subject", msg.Subject())
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}()
	}

	slog.Info("frame consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// Shard maps a subject onto one of n workers.
func Shard(subject string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(subject) % uint64(n))
}

// ConsumeDecisions starts consuming decisions (the API persists and
// broadcasts them).
func (c *Consumer) ConsumeDecisions(ctx context.Context, consumerName string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, DecisionsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", DecisionsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: DecisionsSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process decision error", "error", err)
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("decision consumer started", "consumer", consumerName)
	return nil
}

// SubscribeControl delivers tracker control commands to handler. Malformed
// messages are logged and dropped.
func (c *Consumer) SubscribeControl(handler func(models.ControlMessage)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(ControlSubject, func(m *nats.Msg) {
		msg, err := DecodeControl(m.Data)
		if err != nil {
			slog.Warn("drop control message", "error", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ControlSubject, err)
	}
	return sub, nil
}

// DecodeControl parses and checks a control message.
func DecodeControl(data []byte) (models.ControlMessage, error) {
	var msg models.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal control message: %w", err)
	}
	if msg.StreamID == "" {
		return msg, fmt.Errorf("control message without stream id")
	}
	switch msg.Action {
	case models.ControlReset, models.ControlDrop:
	default:
		return msg, fmt.Errorf("unknown control action %q", msg.Action)
	}
	return msg, nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
