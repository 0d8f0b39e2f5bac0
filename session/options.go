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

package session

import (
	"log/slog"
	"time"

	"github.com/edgeo-scada/opcpublisher"
)

// Default values.
const (
	DefaultConnectTimeout     = 10 * time.Second
	DefaultBackoffMax         = 5
	DefaultKeepAliveInterval  = 2 * time.Second
	DefaultKeepAliveThreshold = 5
	DefaultReconcileInterval  = 10 * time.Second
	DefaultOperationTimeout   = 10 * time.Second
	DefaultSamplingInterval   = time.Second
	DefaultPublishingInterval = 0
	DefaultQueueSize          = 0
	MaxHeartbeatInterval      = 24 * time.Hour
)

// DefaultSuppressedStatusCodes are the notification statuses dropped
// unless configured otherwise.
var DefaultSuppressedStatusCodes = []opcpublisher.StatusCode{
	opcpublisher.StatusBadNoCommunication,
	opcpublisher.StatusBadWaitingForInitialData,
}

// Option is a functional option for configuring the Registry and the
// sessions it creates.
type Option func(*options)

type options struct {
	// Connection settings
	connectTimeout     time.Duration
	backoffMax         int
	keepAliveInterval  time.Duration
	keepAliveThreshold int
	operationTimeout   time.Duration

	// Reconciliation
	reconcileInterval time.Duration

	// Item defaults
	samplingInterval   time.Duration
	publishingInterval time.Duration
	skipFirst          bool
	fetchDisplayName   bool
	suppressed         map[opcpublisher.StatusCode]struct{}

	dialer    Dialer
	publisher Publisher
	metrics   *Metrics
	logger    *slog.Logger
}

func defaultOptions() *options {
	o := &options{
		connectTimeout:     DefaultConnectTimeout,
		backoffMax:         DefaultBackoffMax,
		keepAliveInterval:  DefaultKeepAliveInterval,
		keepAliveThreshold: DefaultKeepAliveThreshold,
		operationTimeout:   DefaultOperationTimeout,
		reconcileInterval:  DefaultReconcileInterval,
		samplingInterval:   DefaultSamplingInterval,
		publishingInterval: DefaultPublishingInterval,
		dialer:             &GopcuaDialer{},
		logger:             slog.Default(),
	}
	WithSuppressedStatusCodes(DefaultSuppressedStatusCodes...)(o)
	return o
}

// WithConnectTimeout sets the timeout of a first connection attempt.
// Consecutive failures scale it linearly up to the backoff maximum.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithBackoffMax caps the connect timeout multiplier.
func WithBackoffMax(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.backoffMax = n
	}
}

// WithKeepAlive sets the keep-alive probe interval and the number of
// consecutive misses after which a session is disconnected.
func WithKeepAlive(interval time.Duration, threshold int) Option {
	return func(o *options) {
		o.keepAliveInterval = interval
		if threshold < 1 {
			threshold = 1
		}
		o.keepAliveThreshold = threshold
	}
}

// WithOperationTimeout bounds every protocol call made while reconciling.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		o.operationTimeout = d
	}
}

// WithReconcileInterval sets how often every session is reconciled.
func WithReconcileInterval(d time.Duration) Option {
	return func(o *options) {
		o.reconcileInterval = d
	}
}

// WithDefaultSamplingInterval sets the sampling interval of nodes that do
// not request one.
func WithDefaultSamplingInterval(d time.Duration) Option {
	return func(o *options) {
		o.samplingInterval = d
	}
}

// WithDefaultPublishingInterval sets the publishing interval of nodes that
// do not request one. Zero lets the server choose.
func WithDefaultPublishingInterval(d time.Duration) Option {
	return func(o *options) {
		o.publishingInterval = d
	}
}

// WithSkipFirst sets whether the first notification of nodes without an
// explicit setting is dropped.
func WithSkipFirst(skip bool) Option {
	return func(o *options) {
		o.skipFirst = skip
	}
}

// WithFetchDisplayName reads the DisplayName attribute of nodes configured
// without a display name.
func WithFetchDisplayName(enable bool) Option {
	return func(o *options) {
		o.fetchDisplayName = enable
	}
}

// WithSuppressedStatusCodes replaces the list of notification statuses
// that are dropped.
func WithSuppressedStatusCodes(codes ...opcpublisher.StatusCode) Option {
	return func(o *options) {
		o.suppressed = make(map[opcpublisher.StatusCode]struct{}, len(codes))
		for _, c := range codes {
			o.suppressed[c] = struct{}{}
		}
	}
}

// WithDialer sets the client factory.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithPublisher sets where notifications are delivered.
func WithPublisher(p Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithMetrics shares a metrics instance with the registry.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
