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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/opcpublisher"
)

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.add(t, "ns=2;s=A", time.Second))
	require.True(t, f.add(t, "ns=2;s=B", time.Second))
	require.True(t, f.add(t, "ns=2;s=C", 5*time.Second))

	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	connects, _, subs, items := f.srv.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 2, subs)
	assert.Equal(t, 3, items)
	for node, state := range f.states(t) {
		assert.Equal(t, ItemMonitored, state, node)
	}

	version := f.reg.Version()
	changed, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, version, f.reg.Version())

	connects2, _, subs2, items2 := f.srv.counts()
	assert.Equal(t, connects, connects2)
	assert.Equal(t, subs, subs2)
	assert.Equal(t, items, items2)
}

func TestAddItemSuppressesDuplicates(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.add(t, "ns=2;s=A", time.Second))
	assert.False(t, f.add(t, "ns=2;s=A", time.Second))
	assert.False(t, f.add(t, "ns=2;s=A", 5*time.Second), "duplicates are found across subscriptions")
	assert.Len(t, f.states(t), 1)

	_, err := f.session(t).Reconcile(context.Background())
	require.NoError(t, err)

	// With the namespace table known both forms address the same node.
	assert.False(t, f.add(t, "nsu=urn:test;s=A", time.Second))
	assert.True(t, f.add(t, "nsu=urn:other;s=A", time.Second))
}

func TestAddItemGroupsByPublishingInterval(t *testing.T) {
	f := newFixture(t)
	version := f.reg.Version()

	f.add(t, "i=1", time.Second)
	afterFirst := f.reg.Version()
	assert.Greater(t, afterFirst, version)

	f.add(t, "i=2", time.Second)
	f.add(t, "i=3", 2*time.Second)

	s := f.session(t)
	require.NoError(t, s.lock(context.Background()))
	require.Len(t, s.subscriptions, 2)
	assert.Len(t, s.subscriptions[0].items, 2)
	assert.Equal(t, time.Second, s.subscriptions[0].RequestedInterval())
	assert.Len(t, s.subscriptions[1].items, 1)
	s.unlock()
}

func TestURIFormItemsWaitForNamespaces(t *testing.T) {
	f := newFixture(t)

	f.add(t, "nsu=urn:test;s=A", time.Second)
	f.add(t, "nsu=urn:missing;s=B", time.Second)
	assert.Equal(t, ItemNamespaceUpdatePending, f.states(t)["nsu=urn:test;s=A"])

	_, err := f.session(t).Reconcile(context.Background())
	require.NoError(t, err)

	states := f.states(t)
	assert.Equal(t, ItemMonitored, states["nsu=urn:test;s=A"])
	assert.Equal(t, ItemNamespaceUpdatePending, states["nsu=urn:missing;s=B"])

	req := f.srv.lastRequest()
	assert.Equal(t, "ns=2;s=A", req.Node.String())
}

func TestRemovalIsAsynchronous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "ns=2;s=A", time.Second)
	f.add(t, "ns=2;s=B", time.Second)
	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	node, _ := opcpublisher.ParseNodeRef("ns=2;s=A")
	found, err := f.reg.RemoveItem(ctx, testEndpoint, node)
	require.NoError(t, err)
	assert.True(t, found)

	nodes, err := f.reg.Nodes(ctx, testEndpoint)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.Equal(t, ItemRemovalRequested, f.states(t)["ns=2;s=A"])

	// A tagged item no longer counts as monitoring its node.
	found, err = f.reg.RemoveItem(ctx, testEndpoint, node)
	require.NoError(t, err)
	assert.False(t, found)

	version := f.reg.Version()
	changed, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Greater(t, f.reg.Version(), version)

	nodes, err = f.reg.Nodes(ctx, testEndpoint)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "ns=2;s=B", nodes[0].OriginalID)

	_, _, subs, items := f.srv.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, items)
}

func TestRemovalWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.set(func(s *fakeServer) { s.connectErr = errors.New("connection refused") })

	f.add(t, "ns=2;s=A", time.Second)
	f.add(t, "ns=2;s=B", time.Second)
	s := f.session(t)

	node, _ := opcpublisher.ParseNodeRef("ns=2;s=A")
	found, err := f.reg.RemoveItem(ctx, testEndpoint, node)
	require.NoError(t, err)
	require.True(t, found)

	_, err = s.Reconcile(ctx)
	require.NoError(t, err)

	states := f.states(t)
	assert.Len(t, states, 1)
	assert.Equal(t, ItemUnmonitored, states["ns=2;s=B"])
}

func TestConnectTimeoutBackoff(t *testing.T) {
	f := newFixture(t, WithConnectTimeout(2*time.Second), WithBackoffMax(4))
	f.add(t, "i=1", 0)
	s := f.session(t)

	limit := 8 * time.Second
	prev := time.Duration(0)
	for failures := 0; failures < 10; failures++ {
		d := s.connectTimeout(failures)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, limit)
		prev = d
	}
	assert.Equal(t, 2*time.Second, s.connectTimeout(0))
	assert.Equal(t, 6*time.Second, s.connectTimeout(2))
	assert.Equal(t, limit, s.connectTimeout(3))
	assert.Equal(t, limit, s.connectTimeout(100))
}

func TestConnectFailuresAreCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.set(func(s *fakeServer) { s.connectErr = opcpublisher.StatusBadTimeout })

	f.add(t, "i=1", 0)
	s := f.session(t)
	for i := 1; i <= 3; i++ {
		_, err := s.Reconcile(ctx)
		require.NoError(t, err)
		info, err := s.Info(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, info.Failures)
		assert.Equal(t, opcpublisher.StateDisconnected, info.State)
	}

	f.srv.set(func(s *fakeServer) { s.connectErr = nil })
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)
	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Failures)
	assert.Equal(t, opcpublisher.StateConnected, info.State)
	assert.EqualValues(t, 3, f.reg.Metrics().ConnectFailures.Value())
}

func TestKeepAliveThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "ns=2;s=A", time.Second)
	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)
	client := liveClient(t, s)
	probeErr := opcpublisher.StatusBadTimeout

	// threshold is 3
	assert.True(t, s.handleKeepAlive(client, probeErr))
	assert.True(t, s.handleKeepAlive(client, probeErr))
	assert.True(t, s.handleKeepAlive(client, nil))
	assert.EqualValues(t, 0, s.missedKeepAlives.Load())

	assert.True(t, s.handleKeepAlive(client, probeErr))
	assert.True(t, s.handleKeepAlive(client, probeErr))
	assert.False(t, s.handleKeepAlive(client, probeErr))

	assert.Eventually(t, func() bool {
		info, err := s.Info(ctx)
		return err == nil && info.State == opcpublisher.StateDisconnected
	}, time.Second, 5*time.Millisecond)

	// A late disconnect for the same client is a no-op.
	s.disconnect(ctx, client)
	assert.EqualValues(t, 1, f.reg.Metrics().Disconnects.Value())
	_, closes, subs, _ := f.srv.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, subs)

	// Disconnect is not removal.
	assert.Equal(t, ItemUnmonitored, f.states(t)["ns=2;s=A"])

	_, err = s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ItemMonitored, f.states(t)["ns=2;s=A"])
}

func TestKeepAliveLoopDisconnects(t *testing.T) {
	f := newFixture(t, WithKeepAlive(5*time.Millisecond, 2))
	ctx := context.Background()

	f.add(t, "i=1", 0)
	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	f.srv.set(func(s *fakeServer) { s.keepAliveErr = opcpublisher.StatusBadServerHalted })
	assert.Eventually(t, func() bool {
		return f.reg.Metrics().Disconnects.Value() == 1
	}, 2*time.Second, 5*time.Millisecond)

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, opcpublisher.StateDisconnected, info.State)
}

func TestKeepAliveDisconnectWaitsForBusySession(t *testing.T) {
	f := newFixture(t, WithKeepAlive(5*time.Millisecond, 2), WithOperationTimeout(50*time.Millisecond))
	ctx := context.Background()

	f.add(t, "i=1", 0)
	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	// A long running step holds the lock well past the operation timeout.
	require.NoError(t, s.lock(ctx))
	f.srv.set(func(s *fakeServer) { s.keepAliveErr = opcpublisher.StatusBadServerHalted })
	time.Sleep(300 * time.Millisecond)
	s.unlock()

	assert.Eventually(t, func() bool {
		info, err := s.Info(ctx)
		return err == nil && info.State == opcpublisher.StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, f.reg.Metrics().Disconnects.Value())
}

func TestConnectCancelledDuringDialCanReconnect(t *testing.T) {
	f := newFixture(t)
	f.add(t, "i=1", 0)
	s := f.session(t)

	block := make(chan struct{})
	f.srv.set(func(s *fakeServer) { s.connectBlock = block })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Reconcile(ctx)
	require.Error(t, err)

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, opcpublisher.StateDisconnected, info.State)

	close(block)
	_, err = s.Reconcile(context.Background())
	require.NoError(t, err)

	info, err = s.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, opcpublisher.StateConnected, info.State)
	connects, _, _, _ := f.srv.counts()
	assert.Equal(t, 1, connects)
}

func TestShutdownMakesLockFailFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "i=1", 0)
	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}

	_, err = s.AddItem(ctx, ItemConfig{})
	assert.ErrorIs(t, err, opcpublisher.ErrShuttingDown)
	_, err = s.Reconcile(ctx)
	assert.ErrorIs(t, err, opcpublisher.ErrShuttingDown)
	assert.False(t, s.tryLock())

	_, _, subs, _ := f.srv.counts()
	assert.Equal(t, 0, subs)
}

func TestLockHonoursContext(t *testing.T) {
	f := newFixture(t)
	f.add(t, "i=1", 0)
	s := f.session(t)

	require.NoError(t, s.lock(context.Background()))
	defer s.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.lock(ctx), context.DeadlineExceeded)
	assert.False(t, s.tryLock())
}

func TestSetAuthReconnects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "ns=2;s=A", time.Second)
	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	auth := Auth{
		Mode:       opcpublisher.AuthUsernamePassword,
		Credential: opcpublisher.Credential{Username: "operator", Password: "secret"},
	}
	changed, err := s.SetAuth(ctx, auth)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ItemUnmonitored, f.states(t)["ns=2;s=A"])

	changed, err = s.SetAuth(ctx, auth)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth, f.srv.lastDial())
	assert.Equal(t, ItemMonitored, f.states(t)["ns=2;s=A"])
}

func TestSessionInvalidDisconnects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.set(func(s *fakeServer) { s.monitorErr = opcpublisher.StatusBadSessionIdInvalid })

	f.add(t, "ns=2;s=A", time.Second)
	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, opcpublisher.StateDisconnected, info.State)
	assert.Equal(t, ItemUnmonitored, f.states(t)["ns=2;s=A"])

	f.srv.set(func(s *fakeServer) { s.monitorErr = nil })
	_, err = s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ItemMonitored, f.states(t)["ns=2;s=A"])
}

func TestMonitorFailureKeepsItemUnmonitored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.set(func(s *fakeServer) { s.monitorErr = opcpublisher.StatusBadNodeIdUnknown })

	f.add(t, "ns=2;s=A", time.Second)
	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, opcpublisher.StateConnected, info.State)
	assert.Equal(t, ItemUnmonitored, f.states(t)["ns=2;s=A"])
	assert.EqualValues(t, 1, f.reg.Metrics().MonitorFailures.Value())
}

func TestSamplingClampedToServerMinimum(t *testing.T) {
	f := newFixture(t)
	f.srv.set(func(s *fakeServer) { s.minSampling = 500 * time.Millisecond })

	ref, _ := opcpublisher.ParseNodeRef("ns=2;s=A")
	cfg := f.reg.NewItemConfig(ref, "")
	cfg.SamplingInterval = 100 * time.Millisecond
	_, err := f.reg.AddItem(context.Background(), opcpublisher.Endpoint{URL: testEndpoint}, nil, cfg)
	require.NoError(t, err)

	_, err = f.session(t).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, f.srv.lastRequest().SamplingInterval)
}

func TestFetchDisplayName(t *testing.T) {
	f := newFixture(t, WithFetchDisplayName(true))
	ctx := context.Background()

	f.add(t, "ns=2;s=A", time.Second)
	_, err := f.session(t).Reconcile(ctx)
	require.NoError(t, err)

	nodes, err := f.reg.Nodes(ctx, testEndpoint)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "DN ns=2;s=A", nodes[0].DisplayName)
}
