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

package nodeconfig

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/session"
)

// DefaultMinWriteInterval bounds how often the file is rewritten.
const DefaultMinWriteInterval = time.Second

// Writer rewrites the published nodes file whenever the registry reports
// a configuration change. Bursts of changes are coalesced into one write.
type Writer struct {
	path    string
	reg     *session.Registry
	limiter *rate.Limiter
	logger  *slog.Logger

	Writes   opcpublisher.Counter
	Failures opcpublisher.Counter
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithMinWriteInterval sets the minimum time between two writes.
func WithMinWriteInterval(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d <= 0 {
			w.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		w.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// NewWriter creates a Writer persisting reg to path.
func NewWriter(path string, reg *session.Registry, opts ...WriterOption) *Writer {
	w := &Writer{
		path:    path,
		reg:     reg,
		limiter: rate.NewLimiter(rate.Every(DefaultMinWriteInterval), 1),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run writes the file after every change until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.reg.Changed():
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		// Changes that arrived while waiting are part of this write.
		select {
		case <-w.reg.Changed():
		default:
		}

		if err := w.Flush(ctx); err != nil {
			w.logger.Error("failed to update published nodes file", "path", w.path, "error", err)
		}
	}
}

// Flush writes the current registry configuration.
func (w *Writer) Flush(ctx context.Context) error {
	snap, err := w.reg.Snapshot(ctx)
	if err != nil {
		w.Failures.Inc()
		return err
	}
	if err := Write(w.path, FromSnapshot(snap)); err != nil {
		w.Failures.Inc()
		return err
	}
	w.Writes.Inc()
	w.logger.Debug("published nodes file updated", "path", w.path, "endpoints", len(snap), "version", w.reg.Version())
	return nil
}
