package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/geoos/geoarchive/internal/logger"
)

// Handler reacts to one event. A returned error leaves the message
// uncommitted so it is delivered again.
type Handler func(ctx context.Context, ev Event) error

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer follows the events topic in a consumer group, so instances
// sharing one data folder learn about archive changes made by their peers.
type Consumer struct {
	cfg    ConsumerConfig
	handle Handler
	logger *slog.Logger
}

func NewConsumer(cfg ConsumerConfig, handle Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cfg: cfg, handle: handle, logger: logger}
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.handle == nil {
		return errors.New("events: consumer without handler")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("events: create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	ctx = logger.WithComponent(ctx, "events_consumer")
	c.logger.InfoContext(ctx, "events consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)
	h := &groupHandler{process: c.ProcessOne}
	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, h); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "events consumer error", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
		}
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "events consumer stopped")
			return nil
		}
	}
}

// ProcessOne decodes and handles one message. Undecodable messages are
// logged and skipped.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.WarnContext(ctx, "events: undecodable message skipped",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := c.handle(logger.WithDataSet(ctx, ev.DataSet), ev); err != nil {
		return fmt.Errorf("handle %s event: %w", ev.Kind, err)
	}
	return nil
}

type groupHandler struct {
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a message only after it was handled.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return fmt.Errorf("process failed (topic=%s, part=%d, off=%d): %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
		}
	}
}
