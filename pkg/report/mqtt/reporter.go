// Package mqtt publishes measurement samples as JSON telemetry.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/commatea/pzem-bridge/pkg/config"
	"github.com/commatea/pzem-bridge/pkg/core"
	"github.com/commatea/pzem-bridge/pkg/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Common errors.
var (
	ErrNotConnected   = errors.New("not connected")
	ErrConnectTimeout = errors.New("connect timeout")
)

// Reporter publishes every sample it receives to one topic.
type Reporter struct {
	config config.MQTTConfig
	client mqtt.Client
	log    *logger.Logger
}

// New creates a reporter from configuration.
func New(cfg config.MQTTConfig, log *logger.Logger) *Reporter {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("pzemd-%d", time.Now().Unix())
	}
	if cfg.Topic == "" {
		cfg.Topic = "pzem/reading"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Global()
	}
	return &Reporter{config: cfg, log: log}
}

// Connect establishes the broker session.
func (r *Reporter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(r.config.Broker).
		SetClientID(r.config.ClientID).
		SetConnectTimeout(r.config.ConnectTimeout).
		SetAutoReconnect(true)

	if r.config.Username != "" {
		opts.SetUsername(r.config.Username)
		opts.SetPassword(r.config.Password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		r.log.Warn("mqtt connection lost", "err", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		r.log.Info("mqtt connected", "broker", r.config.Broker)
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return err
		}
	case <-time.After(r.config.ConnectTimeout):
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	r.client = client
	return nil
}

// Publish sends one sample to the configured topic.
func (r *Reporter) Publish(sample core.Sample) error {
	if r.client == nil || !r.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(sample)
	if err != nil {
		return err
	}

	token := r.client.Publish(r.config.Topic, byte(r.config.QOS), false, payload)
	token.Wait()
	return token.Error()
}

// Run consumes samples until the channel closes or ctx is cancelled.
// Publish failures are logged, not fatal; telemetry is best effort.
func (r *Reporter) Run(ctx context.Context, samples <-chan core.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			if err := r.Publish(sample); err != nil {
				r.log.Warn("publish sample", "err", err)
			}
		}
	}
}

// Close tears down the broker session.
func (r *Reporter) Close() {
	if r.client != nil && r.client.IsConnected() {
		r.client.Disconnect(250)
	}
}
