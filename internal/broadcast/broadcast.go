package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Event names published by the engine.
const (
	EventProbeCompleted  = "probe.completed"
	EventBuildSucceeded  = "build.succeeded"
	EventBuildEscalated  = "build.escalated"
	EventFixApplied      = "fix.applied"
	EventMonitorRepaired = "monitor.repaired"
	EventDeployCompleted = "deploy.completed"
)

// Publisher notifies external subscribers of remediation events. Publish is
// fire-and-forget; delivery failures never reach the caller.
type Publisher interface {
	Publish(event string, payload any)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(string, any) {}

// envelope is the wire format of a published event.
type envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NATSPublisher publishes events as JSON on <prefix>.<event>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("remedy-engine"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("broadcast: disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("broadcast: reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.owned = true
	return p, nil
}

// NewNATSPublisher publishes on an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event string) string {
	if p.prefix == "" {
		return event
	}
	return p.prefix + "." + event
}

func (p *NATSPublisher) Publish(event string, payload any) {
	data, err := json.Marshal(envelope{Event: event, Timestamp: time.Now().UTC(), Payload: payload})
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("broadcast: encoding event failed")
		return
	}
	if err := p.nc.Publish(p.Subject(event), data); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("broadcast: publish failed")
	}
}

// Close drains the connection when the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}
