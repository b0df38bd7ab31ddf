// Package mqtt adapts an MQTT broker connection to session.Transport,
// demonstrating that the engine's duplex channel is a port: any carrier
// that can move a text frame and a binary frame in each direction can
// stand in for a WebSocket.
//
// A session speaks one logical duplex channel over two topic pairs: the
// configured inbound/outbound topics carry text (envelope) frames, and
// their "/bin" children carry binary frames, since MQTT has no frame-type
// bit of its own.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/statesync/internal/config"
	"github.com/nugget/statesync/internal/session"
)

// Adapter implements session.Transport over a pair of MQTT topics.
type Adapter struct {
	cfg    config.MQTTConfig
	logger *slog.Logger

	cm     *autopaho.ConnectionManager
	inbox  chan session.Frame
	closed chan struct{}
}

// Dial connects to the broker named in cfg, subscribes to the inbound
// topics, and returns an Adapter ready for Session.Attach. It blocks
// until the initial connection (or ctx's deadline) completes.
func Dial(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("mqtt: adapter requires enabled, broker_url, inbound_topic, and outbound_topic")
	}

	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt: parse broker url: %w", err)
	}

	a := &Adapter{
		cfg:    cfg,
		logger: logger,
		inbox:  make(chan session.Frame, 64),
		closed: make(chan struct{}),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "statesyncd"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqtt connected to broker", "broker", cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: cfg.InboundTopic, QoS: 1},
					{Topic: binTopic(cfg.InboundTopic), QoS: 1},
				},
			}); err != nil {
				a.logger.Error("mqtt subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			a.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	a.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		a.deliver(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, fmt.Errorf("mqtt: await connection: %w", err)
	}

	return a, nil
}

func binTopic(topic string) string { return topic + "/bin" }

func (a *Adapter) deliver(topic string, payload []byte) {
	var frame session.Frame
	switch topic {
	case a.cfg.InboundTopic:
		frame = session.Frame{Kind: session.FrameText, Text: string(payload)}
	case binTopic(a.cfg.InboundTopic):
		frame = session.Frame{Kind: session.FrameBinary, Binary: payload}
	default:
		return
	}
	select {
	case a.inbox <- frame:
	default:
		a.logger.Warn("mqtt inbox full, dropping frame", "topic", topic)
	}
}

// Receive blocks until the next frame arrives on the inbound topics,
// ctx is cancelled, or the adapter is closed.
func (a *Adapter) Receive(ctx context.Context) (session.Frame, error) {
	select {
	case f := <-a.inbox:
		return f, nil
	case <-a.closed:
		return session.Frame{}, fmt.Errorf("mqtt: adapter closed")
	case <-ctx.Done():
		return session.Frame{}, ctx.Err()
	}
}

func (a *Adapter) SendText(ctx context.Context, data string) error {
	_, err := a.cm.Publish(ctx, &paho.Publish{
		Topic:   a.cfg.OutboundTopic,
		Payload: []byte(data),
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("mqtt: publish text: %w", err)
	}
	return nil
}

func (a *Adapter) SendBinary(ctx context.Context, data []byte) error {
	_, err := a.cm.Publish(ctx, &paho.Publish{
		Topic:   binTopic(a.cfg.OutboundTopic),
		Payload: data,
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("mqtt: publish binary: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		return nil
	default:
		close(a.closed)
	}
	return a.cm.Disconnect(context.Background())
}
