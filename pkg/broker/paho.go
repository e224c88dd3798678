package broker

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// pahoSession adapts an eclipse/paho client to Session. Auto-reconnect and
// connect-retry are disabled; reconnects are driven by the Manager.
type pahoSession struct {
	client mqtt.Client
}

// NewPahoSession is the production SessionFactory.
func NewPahoSession(cfg Config, onLost func(error)) Session {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			onLost(err)
		})
	return &pahoSession{client: mqtt.NewClient(opts)}
}

// Connect waits for CONNACK. If ctx ends first the handshake is aborted so
// a late CONNACK cannot leave an open client without subscriptions.
func (s *pahoSession) Connect(ctx context.Context) error {
	if err := wait(ctx, s.client.Connect()); err != nil {
		if ctx.Err() != nil {
			s.client.Disconnect(0)
		}
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Subscribe registers h for every topic in a single SUBSCRIBE packet. The
// payload is copied before h runs because paho may reuse the buffer.
func (s *pahoSession) Subscribe(ctx context.Context, topics []string, qos byte, h Handler) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	cb := func(_ mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		data := make([]byte, len(payload))
		copy(data, payload)
		h(Message{Topic: msg.Topic(), Payload: data})
	}
	if err := wait(ctx, s.client.SubscribeMultiple(filters, cb)); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	return nil
}

func (s *pahoSession) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := wait(ctx, s.client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (s *pahoSession) Disconnect() {
	if s.client.IsConnectionOpen() {
		// 250 ms quiesce lets in-flight QoS 1 acks go out.
		s.client.Disconnect(250)
	}
}

func (s *pahoSession) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
