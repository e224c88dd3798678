package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is an inbound publish. Payload is a private copy that the handler
// may retain.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives inbound messages on the transport's delivery goroutine.
// It must not block.
type Handler func(Message)

// Session is one broker connection. Implementations must not reconnect on
// their own: the Manager owns the retry policy.
type Session interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topics []string, qos byte, h Handler) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Disconnect()
	IsConnected() bool
}

// SessionFactory builds a Session. onLost must be called from the transport
// when the connection drops without Disconnect having been called.
type SessionFactory func(cfg Config, onLost func(error)) Session

// Config describes the broker endpoint and the reconnect policy.
type Config struct {
	BrokerURL      string
	Username       string
	Password       string
	ClientID       string
	Topics         []string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "fieldwatch-" + uuid.NewString()[:8]
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 300 * time.Second
	}
}

func (c Config) validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker: url is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("broker: at least one topic is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("broker: qos %d out of range", c.QoS)
	}
	return nil
}
