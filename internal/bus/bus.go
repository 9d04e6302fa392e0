// Package bus ships stop events from the transactional outbox to NATS.
// Subjects follow stop.<event_type>.<tenant>.<symbol>; the in-memory
// publisher stands in when NATS is disabled and fans out to in-process
// subscribers.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher ships one serialized event to a subject. Implementations must
// be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close()
}

// NATSPublisher publishes over a NATS connection with automatic reconnect.
type NATSPublisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to the NATS server. The name shows up in
// server-side monitoring.
func NewNATSPublisher(url, name string, logger zerolog.Logger) (*NATSPublisher, error) {
	log := logger.With().Str("component", "nats_publisher").Logger()
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", url).Msg("nats connected")
	return &NATSPublisher{conn: conn, logger: log}, nil
}

// Publish sends the payload. NATS buffers during reconnects; an error here
// means the outbox row stays unpublished and is retried.
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	return p.conn.Publish(subject, payload)
}

// HealthCheck reports the connection state for the ops endpoint.
func (p *NATSPublisher) HealthCheck(_ context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats not connected (status %s)", p.conn.Status())
	}
	return nil
}

// Close flushes pending messages and drops the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("nats drain failed")
		p.conn.Close()
	}
}

// Message is one published event as seen by in-process subscribers.
type Message struct {
	Subject string
	Payload []byte
}

// MemoryPublisher keeps messages in memory and fans them out to prefix
// subscribers. It backs tests and NATS-disabled deployments.
type MemoryPublisher struct {
	mu   sync.RWMutex
	msgs []Message
	subs map[string][]func(Message)
}

var _ Publisher = (*MemoryPublisher)(nil)

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{subs: make(map[string][]func(Message))}
}

// Publish records the message and invokes matching subscribers inline.
func (p *MemoryPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	msg := Message{Subject: subject, Payload: payload}

	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	var handlers []func(Message)
	for prefix, subs := range p.subs {
		if strings.HasPrefix(subject, prefix) {
			handlers = append(handlers, subs...)
		}
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe registers a handler for every subject starting with prefix.
// An empty prefix receives everything.
func (p *MemoryPublisher) Subscribe(prefix string, handler func(Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[prefix] = append(p.subs[prefix], handler)
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// Close is a no-op for the in-memory publisher.
func (p *MemoryPublisher) Close() {}
