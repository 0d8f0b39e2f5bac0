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

// Package diagnostics summarizes the state of the publisher for logs,
// the management API and Prometheus.
package diagnostics

import (
	"context"
	"time"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/hub"
	"github.com/edgeo-scada/opcpublisher/session"
)

// Info is a point in time summary of the publisher.
type Info struct {
	PublisherStartTime time.Time `json:"PublisherStartTime"`
	Version            string    `json:"Version"`
	NodeConfigVersion  uint32    `json:"NodeConfigVersion"`

	NumberOfOpcSessionsConfigured       int `json:"NumberOfOpcSessionsConfigured"`
	NumberOfOpcSessionsConnected        int `json:"NumberOfOpcSessionsConnected"`
	NumberOfOpcSubscriptionsConfigured  int `json:"NumberOfOpcSubscriptionsConfigured"`
	NumberOfOpcSubscriptionsConnected   int `json:"NumberOfOpcSubscriptionsConnected"`
	NumberOfOpcMonitoredItemsConfigured int `json:"NumberOfOpcMonitoredItemsConfigured"`
	NumberOfOpcMonitoredItemsMonitored  int `json:"NumberOfOpcMonitoredItemsMonitored"`
	NumberOfOpcMonitoredItemsToRemove   int `json:"NumberOfOpcMonitoredItemsToRemove"`
	MonitoredItemsQueueCapacity         int `json:"MonitoredItemsQueueCapacity"`
	MonitoredItemsQueueCount            int `json:"MonitoredItemsQueueCount"`

	EnqueueCount            int64     `json:"EnqueueCount"`
	EnqueueFailureCount     int64     `json:"EnqueueFailureCount"`
	NumberOfEvents          int64     `json:"NumberOfEvents"`
	SentMessages            int64     `json:"SentMessages"`
	SentBytes               int64     `json:"SentBytes"`
	SentLastTime            time.Time `json:"SentLastTime"`
	FailedMessages          int64     `json:"FailedMessages"`
	TooLargeCount           int64     `json:"TooLargeCount"`
	MissedSendIntervalCount int64     `json:"MissedSendIntervalCount"`

	Sessions map[string]interface{} `json:"Sessions"`
	Hub      map[string]interface{} `json:"Hub,omitempty"`
}

// Source gathers Info from the running components.
type Source struct {
	reg   *session.Registry
	pipe  *hub.Pipeline
	start time.Time
}

// NewSource creates a Source. pipe may be nil.
func NewSource(reg *session.Registry, pipe *hub.Pipeline) *Source {
	return &Source{reg: reg, pipe: pipe, start: time.Now()}
}

// Snapshot returns the current Info.
func (s *Source) Snapshot(ctx context.Context) Info {
	info := Info{
		PublisherStartTime: s.start,
		Version:            opcpublisher.Version,
		NodeConfigVersion:  s.reg.Version(),
		Sessions:           s.reg.Metrics().Collect(),
	}

	for _, si := range s.reg.Infos(ctx) {
		connected := si.State == opcpublisher.StateConnected
		info.NumberOfOpcSessionsConfigured++
		info.NumberOfOpcSubscriptionsConfigured += si.Subscriptions
		if connected {
			info.NumberOfOpcSessionsConnected++
			info.NumberOfOpcSubscriptionsConnected += si.Subscriptions
		}
		for state, n := range si.Items {
			switch state {
			case session.ItemRemovalRequested:
				info.NumberOfOpcMonitoredItemsToRemove += n
				continue
			case session.ItemMonitored:
				info.NumberOfOpcMonitoredItemsMonitored += n
			}
			info.NumberOfOpcMonitoredItemsConfigured += n
		}
	}

	if s.pipe != nil {
		m := s.pipe.Metrics()
		info.MonitoredItemsQueueCapacity = s.pipe.Queue().Cap()
		info.MonitoredItemsQueueCount = s.pipe.Queue().Len()
		info.EnqueueCount = m.Enqueued.Value()
		info.EnqueueFailureCount = m.EnqueueFailures.Value()
		info.NumberOfEvents = m.Events.Value()
		info.SentMessages = m.Sent.Value()
		info.SentBytes = m.SentBytes.Value()
		info.SentLastTime = m.SentLast.Get()
		info.FailedMessages = m.Failed.Value()
		info.TooLargeCount = m.TooLarge.Value()
		info.MissedSendIntervalCount = m.MissedSendInterval.Value()
		info.Hub = m.Collect()
	}
	return info
}
