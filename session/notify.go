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
	"sync"
	"time"

	"github.com/edgeo-scada/opcpublisher/telemetry"
)

// Publisher receives the notifications of all sessions. Enqueue must not
// block; it returns false when the notification was dropped.
type Publisher interface {
	Enqueue(m telemetry.Message) bool
}

type discardPublisher struct{}

func (discardPublisher) Enqueue(telemetry.Message) bool { return true }

// binding connects one live monitored item to the publisher. The client
// library calls deliver on its own goroutine, so a binding never touches
// session state and carries everything it needs.
type binding struct {
	template  telemetry.Message
	heartbeat time.Duration
	skipFirst bool
	publisher Publisher
	metrics   *Metrics
	opts      *options

	mu      sync.Mutex
	skipped bool
	last    telemetry.Message
	hasLast bool
	timer   *time.Timer
	closed  bool
}

func (b *binding) deliver(n Notification) {
	b.metrics.Notifications.Inc()
	if _, ok := b.opts.suppressed[n.Status]; ok {
		b.metrics.SuppressedNotifs.Inc()
		return
	}

	msg := b.template
	if n.HasValue {
		if err := msg.EncodeValue(n.Value); err != nil {
			b.opts.logger.Warn("failed to encode notification value",
				"endpoint", msg.EndpointURL,
				"node", msg.NodeID,
				"error", err,
			)
		}
	}
	if !n.SourceTimestamp.IsZero() {
		msg.SetSourceTimestamp(n.SourceTimestamp)
	}
	code := uint32(n.Status)
	msg.StatusCode = &code
	msg.Status = n.Status.String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.skipFirst && !b.skipped {
		b.skipped = true
		b.mu.Unlock()
		b.metrics.SkippedNotifs.Inc()
		return
	}
	if b.heartbeat > 0 {
		b.last = msg.Clone()
		b.hasLast = true
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timer = time.AfterFunc(b.heartbeat, b.beat)
	}
	b.mu.Unlock()

	b.publish(msg)
}

// beat re-sends the last value with its timestamp advanced by the
// heartbeat interval.
func (b *binding) beat() {
	b.mu.Lock()
	if b.closed || !b.hasLast {
		b.mu.Unlock()
		return
	}
	b.last.AdvanceSourceTimestamp(b.heartbeat)
	msg := b.last.Clone()
	b.timer = time.AfterFunc(b.heartbeat, b.beat)
	b.mu.Unlock()

	b.metrics.Heartbeats.Inc()
	b.publish(msg)
}

func (b *binding) publish(msg telemetry.Message) {
	if !b.publisher.Enqueue(msg) {
		b.metrics.DroppedNotifications.Inc()
	}
}

func (b *binding) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
