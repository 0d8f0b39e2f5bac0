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

package hub

import (
	"log/slog"
	"time"
)

// Pipeline defaults.
const (
	MaxMessageSize       = 256 * 1024
	DefaultMessageSize   = MaxMessageSize
	DefaultSendInterval  = 10 * time.Second
	DefaultSendTimeout   = 30 * time.Second
	DefaultQueueCapacity = 8192
)

// Option is a functional option for configuring the Pipeline.
type Option func(*pipelineOptions)

type pipelineOptions struct {
	sendInterval    time.Duration
	messageSize     int
	sendTimeout     time.Duration
	queueCapacity   int
	shapeInCallback bool
	compression     Compression
	metrics         *Metrics
	logger          *slog.Logger
}

func defaultOptions() *pipelineOptions {
	return &pipelineOptions{
		sendInterval:  DefaultSendInterval,
		messageSize:   DefaultMessageSize,
		sendTimeout:   DefaultSendTimeout,
		queueCapacity: DefaultQueueCapacity,
		compression:   CompressionNone,
		logger:        slog.Default(),
	}
}

// WithSendInterval sets how long records are batched before a send. Zero
// disables time based batching.
func WithSendInterval(d time.Duration) Option {
	return func(o *pipelineOptions) {
		o.sendInterval = d
	}
}

// WithMessageSize sets the maximum size of a batched hub message in bytes.
// Zero disables size based batching. Values above MaxMessageSize are capped.
func WithMessageSize(size int) Option {
	return func(o *pipelineOptions) {
		if size > MaxMessageSize {
			size = MaxMessageSize
		}
		o.messageSize = size
	}
}

// WithSendTimeout bounds a single send, including the final flush on shutdown.
func WithSendTimeout(d time.Duration) Option {
	return func(o *pipelineOptions) {
		o.sendTimeout = d
	}
}

// WithQueueCapacity sets how many notifications may wait for the consumer.
func WithQueueCapacity(n int) Option {
	return func(o *pipelineOptions) {
		o.queueCapacity = n
	}
}

// WithShapeInCallback shapes messages when they are enqueued instead of
// when the consumer dequeues them.
func WithShapeInCallback(enable bool) Option {
	return func(o *pipelineOptions) {
		o.shapeInCallback = enable
	}
}

// WithCompression sets the codec applied to message bodies.
func WithCompression(c Compression) Option {
	return func(o *pipelineOptions) {
		o.compression = c
	}
}

// WithMetrics shares a metrics instance with the pipeline.
func WithMetrics(m *Metrics) Option {
	return func(o *pipelineOptions) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *pipelineOptions) {
		o.logger = logger
	}
}
