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

package diagnostics

import (
	"context"
	"log/slog"
	"time"
)

// Reporter logs a summary of the publisher at a fixed interval.
type Reporter struct {
	src      *Source
	interval time.Duration
	logger   *slog.Logger
}

// NewReporter creates a Reporter. A zero interval disables reporting.
func NewReporter(src *Source, interval time.Duration, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{src: src, interval: interval, logger: logger}
}

// Run logs until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	info := r.src.Snapshot(ctx)
	r.logger.Info("publisher diagnostics",
		slog.Group("sessions",
			"configured", info.NumberOfOpcSessionsConfigured,
			"connected", info.NumberOfOpcSessionsConnected,
		),
		slog.Group("subscriptions",
			"configured", info.NumberOfOpcSubscriptionsConfigured,
			"connected", info.NumberOfOpcSubscriptionsConnected,
		),
		slog.Group("items",
			"configured", info.NumberOfOpcMonitoredItemsConfigured,
			"monitored", info.NumberOfOpcMonitoredItemsMonitored,
			"to_remove", info.NumberOfOpcMonitoredItemsToRemove,
		),
		slog.Group("queue",
			"length", info.MonitoredItemsQueueCount,
			"capacity", info.MonitoredItemsQueueCapacity,
			"enqueued", info.EnqueueCount,
			"enqueue_failures", info.EnqueueFailureCount,
		),
		slog.Group("hub",
			"sent", info.SentMessages,
			"bytes", info.SentBytes,
			"failed", info.FailedMessages,
			"too_large", info.TooLargeCount,
			"missed_intervals", info.MissedSendIntervalCount,
		),
	)
	if info.EnqueueFailureCount > 0 {
		r.logger.Warn("notifications were dropped, the queue is too small or the hub too slow",
			"dropped", info.EnqueueFailureCount)
	}
}
