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

	"github.com/nats-io/nats.go"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/hub"
)

// NATSSender publishes hub messages on a NATS subject. Message metadata
// travels in NATS headers.
type NATSSender struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSSender connects to the NATS server in cfg.URL.
func NewNATSSender(ctx context.Context, cfg Config, logger *slog.Logger) (*NATSSender, error) {
	s := &NATSSender{subject: cfg.Topic, logger: logger}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	err := connectWithRetry(ctx, "nats", cfg.ConnectRetry, logger, func() error {
		conn, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return err
		}
		s.conn = conn
		return nil
	})
	if err != nil {
		return nil, opcpublisher.WrapFatal(err, "transport.nats", "Connect")
	}
	return s, nil
}

// Send publishes env and waits until the server acknowledged the flush.
func (s *NATSSender) Send(ctx context.Context, env *hub.Envelope) error {
	msg := nats.NewMsg(s.subject)
	msg.Data = env.Body
	msg.Header.Set("Content-Type", env.ContentType)
	msg.Header.Set("Content-Charset", env.ContentEncoding)
	msg.Header.Set(nats.MsgIdHdr, env.ID)
	if env.Compression != "" {
		msg.Header.Set("Content-Encoding", env.Compression)
	}

	if err := s.conn.PublishMsg(msg); err != nil {
		return opcpublisher.WrapTransient(err, "transport.nats", "Send")
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return opcpublisher.WrapTransient(err, "transport.nats", "Send")
	}
	return nil
}

// Close drains the connection.
func (s *NATSSender) Close() error {
	return s.conn.Drain()
}
