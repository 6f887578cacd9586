package services

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSRelay fans signals out over a core NATS subject.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
}

func NewNATSRelay(conn *nats.Conn) *NATSRelay {
	return &NATSRelay{conn: conn, subject: relayChannel}
}

func (r *NATSRelay) Publish(ctx context.Context, msg RelayMessage) error {
	data, err := encodeRelayMessage(msg)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (r *NATSRelay) Subscribe(ctx context.Context, handler func(RelayMessage)) error {
	sub, err := r.conn.Subscribe(r.subject, func(m *nats.Msg) {
		msg, err := decodeRelayMessage(m.Data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed relay message")
			return
		}
		handler(msg)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			log.Warn().Err(err).Msg("nats relay unsubscribe failed")
		}
	}()

	log.Info().Str("subject", r.subject).Msg("subscribed to nats relay")
	return nil
}

func (r *NATSRelay) Close() error {
	if err := r.conn.Drain(); err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
