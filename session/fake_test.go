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
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/telemetry"
)

const testEndpoint = "opc.tcp://plc1:4840"

var testNamespaces = []string{"http://opcfoundation.org/UA/", "urn:other", "urn:test"}

// fakeServer stands in for an OPC UA server. Every dialed client shares it.
type fakeServer struct {
	mu          sync.Mutex
	namespaces  []string
	minSampling time.Duration

	connectErr   error
	connectBlock chan struct{}
	keepAliveErr error
	monitorErr   error

	dials    []Auth
	connects int
	closes   int

	nextSub  uint32
	nextItem uint32
	subs     map[uint32]*fakeSub
	requests []MonitorRequest
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		namespaces: testNamespaces,
		subs:       make(map[uint32]*fakeSub),
	}
}

func (f *fakeServer) Dial(_ opcpublisher.Endpoint, auth Auth) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, auth)
	return &fakeClient{srv: f}, nil
}

func (f *fakeServer) set(fn func(f *fakeServer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeServer) counts() (connects, closes, subs, items int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		items += len(s.items)
	}
	return f.connects, f.closes, len(f.subs), items
}

func (f *fakeServer) lastDial() Auth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[len(f.dials)-1]
}

func (f *fakeServer) lastRequest() MonitorRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

// notify delivers a data change for node to the subscription monitoring it.
func (f *fakeServer) notify(t *testing.T, node string, value interface{}, status opcpublisher.StatusCode, ts time.Time) {
	t.Helper()
	ref, err := opcpublisher.ParseNodeRef(node)
	require.NoError(t, err)

	f.mu.Lock()
	var (
		handler NotificationHandler
		handle  uint32
	)
	for _, s := range f.subs {
		for _, req := range s.items {
			if req.Node == ref {
				handler, handle = s.handler, req.ClientHandle
			}
		}
	}
	f.mu.Unlock()

	require.NotNil(t, handler, "node %s is not monitored", node)
	handler(Notification{
		ClientHandle:    handle,
		Value:           value,
		HasValue:        value != nil,
		Status:          status,
		SourceTimestamp: ts,
	})
}

type fakeClient struct {
	srv *fakeServer
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.srv.mu.Lock()
	block := c.srv.connectBlock
	c.srv.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.connects++
	return c.srv.connectErr
}

func (c *fakeClient) Close(context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.closes++
	return nil
}

func (c *fakeClient) NamespaceArray(context.Context) ([]string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return append([]string(nil), c.srv.namespaces...), nil
}

func (c *fakeClient) MinSamplingInterval(context.Context) (time.Duration, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.srv.minSampling, nil
}

func (c *fakeClient) ApplicationURI(context.Context) (string, error) {
	return "urn:fake:server", nil
}

func (c *fakeClient) ReadDisplayName(_ context.Context, node opcpublisher.NodeRef) (string, error) {
	return "DN " + node.String(), nil
}

func (c *fakeClient) KeepAlive(context.Context) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.srv.keepAliveErr
}

func (c *fakeClient) Subscribe(_ context.Context, interval time.Duration, handler NotificationHandler) (ProtocolSubscription, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.nextSub++
	s := &fakeSub{
		srv:      c.srv,
		id:       c.srv.nextSub,
		interval: interval,
		handler:  handler,
		items:    make(map[uint32]MonitorRequest),
	}
	c.srv.subs[s.id] = s
	return s, nil
}

type fakeSub struct {
	srv      *fakeServer
	id       uint32
	interval time.Duration
	handler  NotificationHandler
	items    map[uint32]MonitorRequest
}

func (s *fakeSub) ID() uint32 { return s.id }

func (s *fakeSub) RevisedInterval() time.Duration {
	if s.interval == 0 {
		return 250 * time.Millisecond
	}
	return s.interval
}

func (s *fakeSub) Monitor(_ context.Context, req MonitorRequest) (uint32, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	if s.srv.monitorErr != nil {
		return 0, s.srv.monitorErr
	}
	s.srv.nextItem++
	s.items[s.srv.nextItem] = req
	s.srv.requests = append(s.srv.requests, req)
	return s.srv.nextItem, nil
}

func (s *fakeSub) Unmonitor(_ context.Context, ids ...uint32) error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.items[id]; !ok {
			return fmt.Errorf("unknown monitored item %d", id)
		}
		delete(s.items, id)
	}
	return nil
}

func (s *fakeSub) Cancel(context.Context) error {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	delete(s.srv.subs, s.id)
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []telemetry.Message
}

func (p *recordingPublisher) Enqueue(m telemetry.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return true
}

func (p *recordingPublisher) messages() []telemetry.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telemetry.Message(nil), p.msgs...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	srv *fakeServer
	pub *recordingPublisher
	reg *Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{srv: newFakeServer(), pub: &recordingPublisher{}}
	base := []Option{
		WithDialer(f.srv),
		WithPublisher(f.pub),
		WithLogger(discardLogger()),
		WithKeepAlive(time.Hour, 3),
		WithConnectTimeout(time.Second),
		WithOperationTimeout(time.Second),
	}
	reg, err := NewRegistry(append(base, opts...)...)
	require.NoError(t, err)
	f.reg = reg
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return f
}

func (f *fixture) add(t *testing.T, node string, publishing time.Duration) bool {
	t.Helper()
	ref, err := opcpublisher.ParseNodeRef(node)
	require.NoError(t, err)
	cfg := f.reg.NewItemConfig(ref, node)
	cfg.PublishingInterval = publishing
	added, err := f.reg.AddItem(context.Background(), opcpublisher.Endpoint{URL: testEndpoint}, nil, cfg)
	require.NoError(t, err)
	return added
}

func (f *fixture) session(t *testing.T) *Session {
	t.Helper()
	s, ok := f.reg.Session(testEndpoint)
	require.True(t, ok)
	return s
}

func (f *fixture) states(t *testing.T) map[string]ItemState {
	t.Helper()
	items, err := f.session(t).Items(context.Background())
	require.NoError(t, err)
	out := make(map[string]ItemState, len(items))
	for _, it := range items {
		out[it.OriginalID] = it.State
	}
	return out
}

// liveClient returns the client of a connected session.
func liveClient(t *testing.T, s *Session) Client {
	t.Helper()
	require.NoError(t, s.lock(context.Background()))
	defer s.unlock()
	require.NotNil(t, s.client)
	return s.client
}
