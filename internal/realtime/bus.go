package realtime

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus carries encoded envelopes for a user to whichever node holds that
// user's sockets. Every node delivers what it receives to its local sockets.
type Bus interface {
	Publish(userID string, frame []byte) error
	Subscribe(deliver func(userID string, frame []byte)) (unsubscribe func(), err error)
}

const defaultSubjectPrefix = "calls.user"

// NATSBus maps each user to the subject "<prefix>.<userID>".
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	log    *slog.Logger
}

// DialNATS connects with reconnect-forever settings.
func DialNATS(url, name string, log *slog.Logger) (*NATSBus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewNATSBus(nc, defaultSubjectPrefix, log), nil
}

func NewNATSBus(nc *nats.Conn, prefix string, log *slog.Logger) *NATSBus {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSBus{nc: nc, prefix: prefix, log: log}
}

func (b *NATSBus) subject(userID string) string { return b.prefix + "." + userID }

func (b *NATSBus) userFromSubject(subject string) (string, bool) {
	uid, ok := strings.CutPrefix(subject, b.prefix+".")
	return uid, ok && uid != ""
}

func (b *NATSBus) Publish(userID string, frame []byte) error {
	if userID == "" || strings.ContainsAny(userID, ".*> ") {
		return errors.New("realtime: invalid user id for subject")
	}
	return b.nc.Publish(b.subject(userID), frame)
}

func (b *NATSBus) Subscribe(deliver func(userID string, frame []byte)) (func(), error) {
	sub, err := b.nc.Subscribe(b.prefix+".*", func(m *nats.Msg) {
		uid, ok := b.userFromSubject(m.Subject)
		if !ok {
			return
		}
		deliver(uid, m.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warn("nats unsubscribe failed", "err", err)
		}
	}, nil
}

// Close drains pending messages before closing the connection.
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}
