package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// DefaultTopic receives notifications when KafkaConfig.Topic is empty.
const DefaultTopic = "billing.notifications"

// MessageWriter is the part of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaNotifier.
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// Writer overrides the writer built from Brokers (used in tests)
	Writer MessageWriter

	Logger subsync.Logger
}

// Message is the JSON document published for every notification.
type Message struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	UserID         string    `json:"user_id,omitempty"`
	CustomerID     string    `json:"customer_id,omitempty"`
	Email          string    `json:"email,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	PlanID         string    `json:"plan_id,omitempty"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	Reason         string    `json:"reason,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// KafkaNotifier publishes notifications to a Kafka topic for the mailer to consume.
// Messages are keyed by user (customer when the user is unknown) so a consumer sees
// one customer's messages in order.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
	logger subsync.Logger
	now    func() time.Time
}

// NewKafkaNotifier creates a KafkaNotifier.
func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	writer := cfg.Writer
	if writer == nil {
		if len(cfg.Brokers) == 0 {
			return nil, errors.New("kafka: brokers are not configured")
		}
		writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	return &KafkaNotifier{writer: writer, topic: topic, logger: logger, now: time.Now}, nil
}

// SendSuccess implements subsync.Notifier.
func (k *KafkaNotifier) SendSuccess(ctx context.Context, n subsync.Notification) error {
	return k.publish(ctx, n)
}

// SendFailure implements subsync.Notifier.
func (k *KafkaNotifier) SendFailure(ctx context.Context, n subsync.Notification) error {
	return k.publish(ctx, n)
}

func (k *KafkaNotifier) publish(ctx context.Context, n subsync.Notification) error {
	msg := Message{
		ID:             uuid.NewString(),
		Kind:           n.Kind,
		UserID:         n.UserID,
		CustomerID:     n.CustomerID,
		Email:          n.Email,
		SubscriptionID: n.SubscriptionID,
		PlanID:         n.PlanID,
		EventID:        n.EventID,
		EventType:      n.EventType,
		Reason:         n.Reason,
		SentAt:         k.now().UTC(),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("kafka: marshal notification: %w", err)
	}

	key := n.UserID
	if key == "" {
		key = n.CustomerID
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  msg.SentAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		return fmt.Errorf("kafka: write message: %w", err)
	}

	k.logger.Debug("notification published",
		subsync.Field{Key: "topic", Value: k.topic},
		subsync.Field{Key: "kind", Value: n.Kind},
		subsync.Field{Key: "message_id", Value: msg.ID},
	)
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}
