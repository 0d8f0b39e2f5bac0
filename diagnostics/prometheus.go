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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "opcpublisher"

// scrapeTimeout bounds the session locks taken while collecting.
const scrapeTimeout = 2 * time.Second

// Exporter exposes a Source as Prometheus metrics. Values are read on
// every scrape.
type Exporter struct {
	src *Source

	sessions      *prometheus.Desc
	subscriptions *prometheus.Desc
	items         *prometheus.Desc
	queueLength   *prometheus.Desc
	queueCapacity *prometheus.Desc
	configVersion *prometheus.Desc
	counters      []counterDesc
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(Info) int64
}

// NewExporter creates an Exporter for src.
func NewExporter(src *Source) *Exporter {
	counter := func(name, help string, value func(Info) int64) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			value: value,
		}
	}

	return &Exporter{
		src: src,
		sessions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "sessions"),
			"Configured OPC UA sessions by connection state.", []string{"state"}, nil),
		subscriptions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "subscriptions"),
			"Configured OPC UA subscriptions by connection state.", []string{"state"}, nil),
		items: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "monitored_items"),
			"Configured monitored items by state.", []string{"state"}, nil),
		queueLength: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "length"),
			"Notifications waiting to be sent.", nil, nil),
		queueCapacity: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "capacity"),
			"Capacity of the notification queue.", nil, nil),
		configVersion: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "node_config_version"),
			"Current node configuration version.", nil, nil),
		counters: []counterDesc{
			counter("enqueued_total", "Notifications enqueued.", func(i Info) int64 { return i.EnqueueCount }),
			counter("enqueue_failures_total", "Notifications dropped because the queue was full.", func(i Info) int64 { return i.EnqueueFailureCount }),
			counter("events_total", "Notifications shaped for sending.", func(i Info) int64 { return i.NumberOfEvents }),
			counter("sent_messages_total", "Hub messages sent.", func(i Info) int64 { return i.SentMessages }),
			counter("sent_bytes_total", "Hub message bytes sent.", func(i Info) int64 { return i.SentBytes }),
			counter("failed_messages_total", "Hub messages that failed to send.", func(i Info) int64 { return i.FailedMessages }),
			counter("too_large_total", "Notifications dropped for exceeding the hub message size.", func(i Info) int64 { return i.TooLargeCount }),
			counter("missed_send_interval_total", "Send intervals that were missed.", func(i Info) int64 { return i.MissedSendIntervalCount }),
		},
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.sessions
	ch <- e.subscriptions
	ch <- e.items
	ch <- e.queueLength
	ch <- e.queueCapacity
	ch <- e.configVersion
	for _, c := range e.counters {
		ch <- c.desc
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	info := e.src.Snapshot(ctx)

	gauge := func(desc *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), labels...)
	}
	gauge(e.sessions, info.NumberOfOpcSessionsConnected, "connected")
	gauge(e.sessions, info.NumberOfOpcSessionsConfigured-info.NumberOfOpcSessionsConnected, "disconnected")
	gauge(e.subscriptions, info.NumberOfOpcSubscriptionsConnected, "connected")
	gauge(e.subscriptions, info.NumberOfOpcSubscriptionsConfigured-info.NumberOfOpcSubscriptionsConnected, "disconnected")
	gauge(e.items, info.NumberOfOpcMonitoredItemsMonitored, "monitored")
	gauge(e.items, info.NumberOfOpcMonitoredItemsConfigured-info.NumberOfOpcMonitoredItemsMonitored, "unmonitored")
	gauge(e.items, info.NumberOfOpcMonitoredItemsToRemove, "removal_requested")
	gauge(e.queueLength, info.MonitoredItemsQueueCount)
	gauge(e.queueCapacity, info.MonitoredItemsQueueCapacity)
	gauge(e.configVersion, int(info.NodeConfigVersion))

	for _, c := range e.counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.value(info)))
	}
}

// NewRegistry returns a Prometheus registry with the exporter of src and
// the Go runtime and process collectors.
func NewRegistry(src *Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewExporter(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
