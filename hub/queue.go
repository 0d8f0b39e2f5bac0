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
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgeo-scada/opcpublisher/telemetry"
)

// MinQueueCapacity is the smallest queue the CLI accepts.
const MinQueueCapacity = 1024

// Queue is a bounded multi-producer single-consumer queue of notification
// messages. Enqueue never blocks.
type Queue struct {
	items   chan telemetry.Message
	metrics *Metrics
	logger  *slog.Logger
	dropLog rate.Sometimes
}

// NewQueue creates a queue holding up to capacity messages.
func NewQueue(capacity int, metrics *Metrics, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = MinQueueCapacity
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:   make(chan telemetry.Message, capacity),
		metrics: metrics,
		logger:  logger,
		dropLog: rate.Sometimes{First: 1, Every: 10000},
	}
}

// Enqueue adds m to the queue. When the queue is full the message is
// dropped, the failure counter is incremented and false is returned.
func (q *Queue) Enqueue(m telemetry.Message) bool {
	select {
	case q.items <- m:
		q.metrics.Enqueued.Inc()
		return true
	default:
		failures := q.metrics.EnqueueFailures.Value() + 1
		q.metrics.EnqueueFailures.Inc()
		q.dropLog.Do(func() {
			q.logger.Warn("telemetry queue full, dropping notifications",
				"capacity", cap(q.items),
				"dropped", failures,
			)
		})
		return false
	}
}

// TryDequeue returns the next message without waiting.
func (q *Queue) TryDequeue() (telemetry.Message, bool) {
	select {
	case m := <-q.items:
		return m, true
	default:
		return telemetry.Message{}, false
	}
}

// Dequeue waits for the next message until deadline passes or ctx is done.
// A zero deadline waits without a time limit. Once ctx is done Dequeue no
// longer waits and only returns messages that are already queued.
func (q *Queue) Dequeue(ctx context.Context, deadline time.Time) (telemetry.Message, bool) {
	if ctx.Err() != nil {
		return q.TryDequeue()
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return q.TryDequeue()
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case m := <-q.items:
		return m, true
	case <-timeout:
		return q.TryDequeue()
	case <-ctx.Done():
		return q.TryDequeue()
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}
