package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"lightsout/internal/domain"
	"lightsout/internal/pkg/config"
)

const publishTimeout = 5 * time.Second

// Ingester accepts decoded telemetry
type Ingester interface {
	Ingest(envelope *domain.TelemetryEnvelope) error
}

// Bridge subscribes to node state topics and publishes commands
type Bridge struct {
	cfg      config.MQTTConfig
	ingester Ingester
	client   paho.Client
}

func NewBridge(cfg config.MQTTConfig, ingester Ingester) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		ingester: ingester,
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c paho.Client) {
		log.Printf("Connected to MQTT broker %s", cfg.BrokerURL)
		if token := c.Subscribe(cfg.Topic, byte(cfg.QoS), b.handleMessage); token.Wait() && token.Error() != nil {
			log.Printf("MQTT subscribe error: %v", token.Error())
		} else {
			log.Printf("Subscribed to %s (QoS %d)", cfg.Topic, cfg.QoS)
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	}

	b.client = paho.NewClient(opts)
	return b
}

// Connect retries with exponential backoff until connected or ctx is done
func (b *Bridge) Connect(ctx context.Context, start, max time.Duration) error {
	backoff := start
	for {
		token := b.client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if token.Error() == nil {
			return nil
		}
		log.Printf("MQTT connect error: %v; retrying in %s", token.Error(), backoff)

		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Publish sends a payload on topic; it implements domain.MessagePublisher
func (b *Bridge) Publish(topic string, payload []byte) error {
	if !b.client.IsConnectionOpen() {
		return fmt.Errorf("%w: mqtt not connected", domain.ErrTransportUnavailable)
	}

	token := b.client.Publish(topic, byte(b.cfg.QoS), false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: mqtt publish timed out", domain.ErrTransportUnavailable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (b *Bridge) Disconnect() {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

func (b *Bridge) handleMessage(_ paho.Client, msg paho.Message) {
	payload := msg.Payload()
	envelope, err := Envelope(msg.Topic(), payload, b.cfg.NodeIDLevel)
	if err != nil {
		log.Printf("Dropping MQTT message on %s: %v | payload: %s", msg.Topic(), err, config.Truncate(payload, 256))
		return
	}

	if err := b.ingester.Ingest(envelope); err != nil {
		log.Printf("Failed to ingest MQTT message on %s: %v", msg.Topic(), err)
	}
}

// Envelope maps a broker message onto telemetry. The node id is the topic
// segment at level; JSON objects become the data map and anything else is
// kept as {"state": text}.
func Envelope(topic string, payload []byte, level int) (*domain.TelemetryEnvelope, error) {
	parts := strings.Split(topic, "/")
	if level < 0 || level >= len(parts) || parts[level] == "" {
		return nil, fmt.Errorf("%w: no node id at level %d of %q", domain.ErrMalformedPayload, level, topic)
	}

	envelope := &domain.TelemetryEnvelope{
		NodeID:    parts[level],
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	trimmed := bytes.TrimSpace(payload)
	var data map[string]any
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &data) == nil {
		envelope.Data = data
	} else {
		envelope.Data = map[string]any{"state": string(trimmed)}
	}

	return envelope, nil
}
