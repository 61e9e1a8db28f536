// Package messaging provides a NATS client wrapper for publishing presence
// and match lifecycle events to external consumers (dashboards and other
// services). It handles connection lifecycle and subject conventions.
package messaging

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns published by the match server.
const (
	SubjectPresenceUpdate = "presence.update" // + .<user_id>
	SubjectMatchCreated   = "match.created"
	SubjectMatchEnded     = "match.ended"
)

// NATSClient wraps the NATS connection with helper methods for publishing.
type NATSClient struct {
	conn *nats.Conn
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "matchserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{conn: nc}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishPresenceUpdate publishes a presence change for a user.
func (c *NATSClient) PublishPresenceUpdate(userID string, data []byte) error {
	return c.Publish(SubjectPresenceUpdate+"."+userID, data)
}

// PublishMatchCreated publishes a match creation event.
func (c *NATSClient) PublishMatchCreated(data []byte) error {
	return c.Publish(SubjectMatchCreated, data)
}

// PublishMatchEnded publishes a match termination event.
func (c *NATSClient) PublishMatchEnded(data []byte) error {
	return c.Publish(SubjectMatchEnded, data)
}

// Close drains and closes the NATS connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
