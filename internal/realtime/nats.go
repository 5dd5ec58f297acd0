package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL           string
	Token         string
	SubjectPrefix string
}

// NATS is a Transport over NATS core pub/sub, for handles spread across
// several daemons.
type NATS struct {
	notifier
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// ConnectNATS dials the server and keeps reconnecting forever in the
// background once connected.
func ConnectNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "convsync.conversation."
	}
	n := &NATS{prefix: prefix, logger: logger}
	opts := []nats.Option{
		nats.Name("convsyncd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
			n.notify(Disconnected)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			n.notify(Connected)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
			n.notify(Disconnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n.conn = nc
	return n, nil
}

// Subscribe listens on the conversation's subject. NATS restores the
// subscription by itself after a reconnect.
func (n *NATS) Subscribe(ctx context.Context, topic string, fn Handler) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := n.conn.Subscribe(n.prefix+topic, func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// Publish sends data on the conversation's subject. It fails while
// disconnected instead of buffering.
func (n *NATS) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return n.conn.Publish(n.prefix+topic, data)
}

// IsConnected returns true if connected to NATS.
func (n *NATS) IsConnected() bool {
	return n.conn != nil && n.conn.IsConnected()
}

// Close closes the NATS connection.
func (n *NATS) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}
