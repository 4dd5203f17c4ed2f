package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

var ErrInvalidNotification = errors.New("notify: user id and kind required")

// Dispatcher hands notifications to the push pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

func prepare(n Notification, now time.Time) (Notification, error) {
	if n.UserID == "" || n.Kind == "" {
		return Notification{}, ErrInvalidNotification
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now.UTC()
	}
	return n, nil
}

// KafkaDispatcher publishes notifications to a Kafka topic keyed by user id,
// so one user's notifications stay ordered within a partition.
type KafkaDispatcher struct {
	w     *kafka.Writer
	log   *slog.Logger
	clock func() time.Time
}

func NewKafkaDispatcher(brokers []string, topic string, log *slog.Logger) *KafkaDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaDispatcher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		log:   log,
		clock: time.Now,
	}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, n Notification) error {
	n, err := prepare(n, d.clock())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	})
}

func (d *KafkaDispatcher) Close() error { return d.w.Close() }

// LogDispatcher only logs. Used when no Kafka brokers are configured.
type LogDispatcher struct {
	Log *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, n Notification) error {
	n, err := prepare(n, time.Now())
	if err != nil {
		return err
	}
	l := d.Log
	if l == nil {
		l = slog.Default()
	}
	l.Info("push notification", "user_id", n.UserID, "kind", n.Kind, "title", n.Title)
	return nil
}

// MemoryDispatcher records notifications; useful for tests.
type MemoryDispatcher struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

func (d *MemoryDispatcher) Dispatch(ctx context.Context, n Notification) error {
	n, err := prepare(n, time.Now())
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *MemoryDispatcher) Sent() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.sent))
	copy(out, d.sent)
	return out
}

// SentTo filters recorded notifications by user and kind.
func (d *MemoryDispatcher) SentTo(userID string, kind Kind) []Notification {
	var out []Notification
	for _, n := range d.Sent() {
		if n.UserID == userID && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
