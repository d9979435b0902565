package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is followed by the handler id, so a handler's devices subscribe to one subject.
const SubjectPrefix = "showing.notify."

type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// ConnectNATS dials the server and logs connection state changes.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats: %w", err)
	}
	return conn, nil
}

type natsConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher relays outbox messages to NATS. Offers staged by OutboxSink go out on
// showing.notify.<handlerId>; every other topic is published as is.
type NATSPublisher struct {
	conn natsConn
}

func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	if conn == nil {
		return &NATSPublisher{}
	}
	return &NATSPublisher{conn: conn}
}

func (p *NATSPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.conn == nil {
		return fmt.Errorf("notify: nats not connected")
	}
	subject, err := Subject(topic, payload)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("notify: publish %s: %w", subject, err)
	}
	return nil
}

// Subject maps an outbox topic and payload to the NATS subject it is delivered on.
func Subject(topic string, payload []byte) (string, error) {
	if topic != TopicNotify {
		return topic, nil
	}
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return "", fmt.Errorf("notify: decode offer: %w", err)
	}
	if n.HandlerID == "" {
		return "", fmt.Errorf("notify: offer without handler id")
	}
	return SubjectPrefix + n.HandlerID, nil
}
