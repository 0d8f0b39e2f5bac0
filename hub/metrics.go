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
	"github.com/edgeo-scada/opcpublisher"
)

// Metrics holds the counters of the telemetry pipeline. All counters are
// monotonic and safe to read while the pipeline runs.
type Metrics struct {
	Enqueued           opcpublisher.Counter
	EnqueueFailures    opcpublisher.Counter
	Events             opcpublisher.Counter
	Sent               opcpublisher.Counter
	Failed             opcpublisher.Counter
	TooLarge           opcpublisher.Counter
	MissedSendInterval opcpublisher.Counter
	SentBytes          opcpublisher.Counter
	SentLast           opcpublisher.Timestamp
	SendLatency        *opcpublisher.LatencyHistogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		SendLatency: opcpublisher.NewLatencyHistogram(),
	}
}

// Collect returns all metrics as a map.
func (m *Metrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"enqueued":             m.Enqueued.Value(),
		"enqueue_failures":     m.EnqueueFailures.Value(),
		"events":               m.Events.Value(),
		"sent_messages":        m.Sent.Value(),
		"failed_messages":      m.Failed.Value(),
		"too_large":            m.TooLarge.Value(),
		"missed_send_interval": m.MissedSendInterval.Value(),
		"sent_bytes":           m.SentBytes.Value(),
		"send_latency":         m.SendLatency.Stats(),
	}
	if last := m.SentLast.Get(); !last.IsZero() {
		result["sent_last"] = last
	}
	return result
}
