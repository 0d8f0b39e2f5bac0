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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/hub"
)

// HTTPSender posts every hub message to a REST endpoint.
type HTTPSender struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPSender creates an HTTP sender.
func NewHTTPSender(cfg Config) *HTTPSender {
	return &HTTPSender{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Send posts env. Any non 2xx response is an error.
func (s *HTTPSender) Send(ctx context.Context, env *hub.Envelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(env.Body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", env.ContentType+"; charset="+env.ContentEncoding)
	req.Header.Set("Message-Id", env.ID)
	req.Header.Set("User-Agent", opcpublisher.UserAgent())
	if env.Compression != "" {
		req.Header.Set("Content-Encoding", env.Compression)
	}
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return opcpublisher.WrapTransient(err, "transport.http", "Send")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return opcpublisher.WrapTransient(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status), "transport.http", "Send")
	}
	return nil
}

// Close releases idle connections.
func (s *HTTPSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
