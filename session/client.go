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
	"context"
	"time"

	"github.com/edgeo-scada/opcpublisher"
)

// Client is the part of an OPC UA client library a Session drives. One
// Client serves one connection; a new one is dialed for every reconnect.
type Client interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// NamespaceArray returns the server namespace table.
	NamespaceArray(ctx context.Context) ([]string, error)
	// MinSamplingInterval returns the fastest sampling the server supports.
	MinSamplingInterval(ctx context.Context) (time.Duration, error)
	// ApplicationURI returns the application URI of the server.
	ApplicationURI(ctx context.Context) (string, error)
	// ReadDisplayName reads the DisplayName attribute of node.
	ReadDisplayName(ctx context.Context, node opcpublisher.NodeRef) (string, error)
	// KeepAlive probes the server and returns an error when the server did
	// not answer or does not report itself running.
	KeepAlive(ctx context.Context) error

	// Subscribe creates a subscription. handler is called for every data
	// change notification of the subscription's monitored items.
	Subscribe(ctx context.Context, interval time.Duration, handler NotificationHandler) (ProtocolSubscription, error)
}

// ProtocolSubscription is a live server side subscription.
type ProtocolSubscription interface {
	ID() uint32
	RevisedInterval() time.Duration
	Monitor(ctx context.Context, req MonitorRequest) (uint32, error)
	Unmonitor(ctx context.Context, ids ...uint32) error
	Cancel(ctx context.Context) error
}

// MonitorRequest describes one monitored item to create. Node must be in
// namespace index form.
type MonitorRequest struct {
	Node             opcpublisher.NodeRef
	ClientHandle     uint32
	SamplingInterval time.Duration
	QueueSize        uint32
	DiscardOldest    bool
}

// Notification is a data change of one monitored item.
type Notification struct {
	ClientHandle    uint32
	Value           interface{}
	HasValue        bool
	Status          opcpublisher.StatusCode
	SourceTimestamp time.Time
}

// NotificationHandler receives notifications. It runs on the client
// library's delivery path and must not block.
type NotificationHandler func(Notification)

// Auth is the identity a session connects with.
type Auth struct {
	Mode       opcpublisher.AuthMode
	Credential opcpublisher.Credential
}

// Dialer creates unconnected clients for an endpoint.
type Dialer interface {
	Dial(endpoint opcpublisher.Endpoint, auth Auth) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(endpoint opcpublisher.Endpoint, auth Auth) (Client, error)

// Dial calls f.
func (f DialerFunc) Dial(endpoint opcpublisher.Endpoint, auth Auth) (Client, error) {
	return f(endpoint, auth)
}
