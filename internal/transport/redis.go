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
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/hub"
)

// streamMaxLen caps the Redis stream, trimmed approximately.
const streamMaxLen = 100000

// RedisSender appends hub messages to a Redis stream.
type RedisSender struct {
	client *redis.Client
	stream string
}

// NewRedisSender connects to the Redis server in cfg.URL.
func NewRedisSender(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisSender, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, opcpublisher.WrapFatal(err, "transport.redis", "ParseURL")
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	opts.ClientName = cfg.ClientID
	opts.WriteTimeout = cfg.Timeout

	s := &RedisSender{
		client: redis.NewClient(opts),
		stream: cfg.Topic,
	}
	err = connectWithRetry(ctx, "redis", cfg.ConnectRetry, logger, func() error {
		return s.client.Ping(ctx).Err()
	})
	if err != nil {
		_ = s.client.Close()
		return nil, opcpublisher.WrapFatal(err, "transport.redis", "Connect")
	}
	return s, nil
}

// Send adds env as one stream entry.
func (s *RedisSender) Send(ctx context.Context, env *hub.Envelope) error {
	values := map[string]interface{}{
		"id":               env.ID,
		"content_type":     env.ContentType,
		"content_encoding": env.ContentEncoding,
		"records":          env.Records,
		"body":             env.Body,
	}
	if env.Compression != "" {
		values["compression"] = env.Compression
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return opcpublisher.WrapTransient(err, "transport.redis", "Send")
	}
	return nil
}

// Close closes the client.
func (s *RedisSender) Close() error {
	return s.client.Close()
}
