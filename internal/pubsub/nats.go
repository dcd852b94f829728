package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultSubject is the NATS subject profile changes are published on.
const DefaultSubject = "luck.users.changed"

// ErrClosed is returned when publishing to or subscribing on a closed feed.
var ErrClosed = errors.New("feed closed")

// NATS is a Feed backed by a core NATS subject.
type NATS struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// NewNATS connects to the NATS server at url.
func NewNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("test-your-luck"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSFromConn(nc, subject, true), nil
}

func newNATSFromConn(nc *nats.Conn, subject string, owned bool) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{nc: nc, subject: subject, owned: owned}
}

// Publish sends event and waits for the server to acknowledge the flush.
func (n *NATS) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

// Subscribe delivers decoded events on the NATS client goroutine.
// Undecodable payloads are reported through onError.
func (n *NATS) Subscribe(onEvent func(Event), onError func(error)) (func(), error) {
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to unmarshal event: %w", err))
			}
			return
		}
		onEvent(event)
	})
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}

	// Make sure the server registered the interest before returning.
	if err := n.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) &&
			!errors.Is(err, nats.ErrBadSubscription) {
			log.Debug().Err(err).Str("subject", n.subject).Msg("Failed to unsubscribe")
		}
	}, nil
}

// Close drains the connection if this feed owns it.
func (n *NATS) Close() {
	if n.owned && n.nc != nil && !n.nc.IsClosed() {
		if err := n.nc.Drain(); err != nil {
			n.nc.Close()
		}
	}
}

// Embedded runs an in-process NATS server with a NATS feed connected to it.
type Embedded struct {
	*NATS
	server *server.Server
}

// NewEmbedded starts an in-process NATS server on a random port.
func NewEmbedded(subject string) (*Embedded, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	ns.SetLogger(natsLogger{}, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("test-your-luck-embedded"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	log.Info().Str("url", ns.ClientURL()).Msg("Embedded NATS server started")

	return &Embedded{NATS: newNATSFromConn(nc, subject, true), server: ns}, nil
}

// ClientURL returns the embedded server's client URL.
func (e *Embedded) ClientURL() string {
	return e.server.ClientURL()
}

// Close closes the client connection and shuts the server down.
func (e *Embedded) Close() {
	e.nc.Close()
	e.server.Shutdown()
	e.server.WaitForShutdown()
	log.Info().Msg("Embedded NATS server shut down")
}

// natsLogger routes embedded server logs to zerolog.
type natsLogger struct{}

func (natsLogger) Noticef(format string, v ...any) { log.Info().Msgf("[NATS] "+format, v...) }
func (natsLogger) Warnf(format string, v ...any)   { log.Warn().Msgf("[NATS] "+format, v...) }
func (natsLogger) Fatalf(format string, v ...any)  { log.Error().Msgf("[NATS] "+format, v...) }
func (natsLogger) Errorf(format string, v ...any)  { log.Error().Msgf("[NATS] "+format, v...) }
func (natsLogger) Debugf(format string, v ...any)  { log.Debug().Msgf("[NATS] "+format, v...) }
func (natsLogger) Tracef(format string, v ...any)  { log.Trace().Msgf("[NATS] "+format, v...) }
