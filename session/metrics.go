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
	"github.com/edgeo-scada/opcpublisher"
)

// Metrics holds counters of the session engine.
type Metrics struct {
	ConnectAttempts      opcpublisher.Counter
	ConnectFailures      opcpublisher.Counter
	Disconnects          opcpublisher.Counter
	KeepAliveMisses      opcpublisher.Counter
	MonitorFailures      opcpublisher.Counter
	Notifications        opcpublisher.Counter
	SuppressedNotifs     opcpublisher.Counter
	SkippedNotifs        opcpublisher.Counter
	Heartbeats           opcpublisher.Counter
	DroppedNotifications opcpublisher.Counter
	ConnectLatency       *opcpublisher.LatencyHistogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectLatency: opcpublisher.NewLatencyHistogram(),
	}
}

// Collect returns all metrics as a map.
func (m *Metrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"connect_attempts":         m.ConnectAttempts.Value(),
		"connect_failures":         m.ConnectFailures.Value(),
		"disconnects":              m.Disconnects.Value(),
		"keepalive_misses":         m.KeepAliveMisses.Value(),
		"monitor_failures":         m.MonitorFailures.Value(),
		"notifications":            m.Notifications.Value(),
		"suppressed_notifications": m.SuppressedNotifs.Value(),
		"skipped_notifications":    m.SkippedNotifs.Value(),
		"heartbeats":               m.Heartbeats.Value(),
		"dropped_notifications":    m.DroppedNotifications.Value(),
		"connect_latency":          m.ConnectLatency.Stats(),
	}
}
