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

// Package transport provides the hub senders the telemetry pipeline
// delivers batches through.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/hub"
)

// Config selects and configures a hub transport. The scheme of URL picks
// the transport: http and https post to a REST endpoint, nats publishes on
// a subject, mqtt, tcp, ssl and ws publish on an MQTT topic, redis appends
// to a stream and stdout writes every message as a line.
type Config struct {
	URL string
	// Topic is the NATS subject, the MQTT topic or the Redis stream.
	Topic    string
	ClientID string
	Username string
	Password string
	Headers  map[string]string
	Timeout  time.Duration
	// ConnectRetry bounds how long the initial connection is retried.
	ConnectRetry time.Duration
}

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "opcpublisher.telemetry"

// New creates the sender selected by cfg.URL.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (hub.Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "opcpublisher"
	}

	if cfg.URL == "" || cfg.URL == "stdout" {
		return NewLogSender(nil), nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, opcpublisher.WrapFatal(err, "transport", "New")
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPSender(cfg), nil
	case "nats", "tls":
		return NewNATSSender(ctx, cfg, logger)
	case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		return NewMQTTSender(ctx, cfg, logger)
	case "redis", "rediss":
		return NewRedisSender(ctx, cfg, logger)
	default:
		return nil, opcpublisher.WrapFatal(
			fmt.Errorf("unsupported hub url scheme %q", u.Scheme), "transport", "New")
	}
}
