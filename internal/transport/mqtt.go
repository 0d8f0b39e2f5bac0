// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/hub"
)

// MQTTSender publishes hub messages on an MQTT topic with QoS 1. MQTT 3.1.1
// has no message properties, so the content type is implied by the topic.
type MQTTSender struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

// NewMQTTSender connects to the broker in cfg.URL.
func NewMQTTSender(ctx context.Context, cfg Config, logger *slog.Logger) (*MQTTSender, error) {
	broker := cfg.URL
	broker = strings.Replace(broker, "mqtts://", "ssl://", 1)
	broker = strings.Replace(broker, "mqtt://", "tcp://", 1)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.Timeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("mqtt connected", "broker", broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	s := &MQTTSender{
		client: mqtt.NewClient(opts),
		topic:  strings.ReplaceAll(cfg.Topic, ".", "/"),
		logger: logger,
	}

	err := connectWithRetry(ctx, "mqtt", cfg.ConnectRetry, logger, func() error {
		token := s.client.Connect()
		if !token.WaitTimeout(cfg.Timeout) {
			return errors.New("mqtt connect timed out")
		}
		return token.Error()
	})
	if err != nil {
		return nil, opcpublisher.WrapFatal(err, "transport.mqtt", "Connect")
	}
	return s, nil
}

// Send publishes env and waits for the broker acknowledgement or ctx.
func (s *MQTTSender) Send(ctx context.Context, env *hub.Envelope) error {
	token := s.client.Publish(s.topic, 1, false, env.Body)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return opcpublisher.WrapTransient(ctx.Err(), "transport.mqtt", "Send")
	}
	if err := token.Error(); err != nil {
		return opcpublisher.WrapTransient(err, "transport.mqtt", "Send")
	}
	return nil
}

// Close disconnects after giving in-flight publishes a moment to finish.
func (s *MQTTSender) Close() error {
	s.client.Disconnect(250)
	return nil
}
