// Package broker adapts the ingestion core to an MQTT broker over the
// Eclipse Paho client: it owns the component-wildcard subscriptions,
// strips the component segment off inbound topics, and exposes the
// publish capability the property-set path and the device command
// channel use.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/glowbound/fleetcore/internal/config"
	"github.com/glowbound/fleetcore/pkg/ingest"
)

// Sink receives inbound messages with the component segment already
// stripped off the topic.
type Sink interface {
	HandleMessage(ctx context.Context, componentID, topic string, payload []byte)
}

// Broker is the transport adapter. Subscriptions are re-established on
// every (re)connect by the Paho connect callback.
type Broker struct {
	client paho.Client
	sink   Sink
	qos    byte

	connectTimeout time.Duration
}

func New(cfg config.MQTTConfig, sink Sink) *Broker {
	b := &Broker{
		sink:           sink,
		qos:            byte(cfg.QoS),
		connectTimeout: cfg.ConnectTimeout,
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8])).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})

	b.client = paho.NewClient(opts)
	return b
}

// Connect dials the broker and waits for the first connection, bounded
// by the configured connect timeout or ctx, whichever ends first.
func (b *Broker) Connect(ctx context.Context) error {
	token := b.client.Connect()
	if err := b.wait(ctx, token, b.connectTimeout); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// onConnect (re)subscribes the component-wildcard templates. Paho
// calls it on every successful connection, so subscriptions survive
// reconnects.
func (b *Broker) onConnect(c paho.Client) {
	filters := make(map[string]byte, len(ingest.SubscriptionTopics()))
	for _, t := range ingest.SubscriptionTopics() {
		filters[t] = b.qos
	}
	token := c.SubscribeMultiple(filters, b.handleInbound)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Msg("mqtt subscribe failed")
			return
		}
		log.Info().Int("topics", len(filters)).Msg("mqtt subscriptions established")
	}()
}

func (b *Broker) handleInbound(_ paho.Client, msg paho.Message) {
	componentID, rest, ok := splitComponentTopic(msg.Topic())
	if !ok {
		log.Warn().Str("topic", msg.Topic()).Msg("inbound topic without component segment")
		return
	}
	b.sink.HandleMessage(context.Background(), componentID, rest, msg.Payload())
}

// Publish sends payload on topic at the adapter's QoS. It satisfies
// dispatch.PublishFunc.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, b.qos, false, payload)
	if err := b.wait(ctx, token, b.connectTimeout); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// SendDeviceCommand publishes raw bytes on a component's command
// channel.
func (b *Broker) SendDeviceCommand(ctx context.Context, componentID string, payload []byte) error {
	return b.Publish(ctx, componentID+"/device/command", payload)
}

// Connected reports broker connectivity, for the readiness probe.
func (b *Broker) Connected() bool {
	return b.client.IsConnectionOpen()
}

// Close disconnects after flushing in-flight messages.
func (b *Broker) Close() {
	b.client.Disconnect(250)
}

func (b *Broker) wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if !token.WaitTimeout(timeout) {
		return context.DeadlineExceeded
	}
	return token.Error()
}

// splitComponentTopic peels the leading componentId segment off an
// absolute topic.
func splitComponentTopic(topic string) (componentID, rest string, ok bool) {
	componentID, rest, ok = strings.Cut(topic, "/")
	if !ok || componentID == "" || rest == "" {
		return "", "", false
	}
	return componentID, rest, true
}
