// Package publish pushes fresh realtime snapshots to an MQTT broker as
// retained messages.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bher20/sungrowbridge/internal/bridge"
)

const publishTimeout = 5 * time.Second

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// client is the part of pahomqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes snapshots to <prefix>/realtime and the flat Loxone
// view to <prefix>/loxone.
type MQTTPublisher struct {
	client client
	prefix string
	logger zerolog.Logger
}

// Connect dials the broker and returns a publisher. The broker's last will
// marks <prefix>/status offline.
func Connect(cfg Config, logger zerolog.Logger) (*MQTTPublisher, error) {
	p := &MQTTPublisher{
		prefix: cfg.TopicPrefix,
		logger: logger.With().Str("component", "mqtt").Logger(),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(p.topic("status"), "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			p.logger.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
			c.Publish(p.topic("status"), 1, true, "online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.logger.Warn().Err(err).Msg("MQTT connection lost")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	p.client = c
	return p, nil
}

func (p *MQTTPublisher) topic(name string) string {
	return p.prefix + "/" + name
}

// Publish sends rt and its Loxone view. Both messages are attempted; the
// first error is returned.
func (p *MQTTPublisher) Publish(ctx context.Context, rt bridge.Realtime) error {
	full, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("encode realtime: %w", err)
	}
	flat, err := json.Marshal(bridge.FlattenLoxone(rt))
	if err != nil {
		return fmt.Errorf("encode loxone view: %w", err)
	}

	return errors.Join(
		p.send(ctx, p.topic("realtime"), full),
		p.send(ctx, p.topic("loxone"), flat),
	)
}

func (p *MQTTPublisher) send(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, true, payload)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("published")
	return nil
}

// Close marks the bridge offline and disconnects.
func (p *MQTTPublisher) Close() {
	token := p.client.Publish(p.topic("status"), 1, true, "offline")
	token.WaitTimeout(time.Second)
	p.client.Disconnect(1000)
	p.logger.Info().Msg("MQTT publisher stopped")
}
