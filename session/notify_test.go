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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/opcpublisher"
)

func TestNotificationBecomesMessage(t *testing.T) {
	f := newFixture(t)
	f.add(t, "ns=2;s=Line1.Temperature", time.Second)
	_, err := f.session(t).Reconcile(context.Background())
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.srv.notify(t, "ns=2;s=Line1.Temperature", 21.5, opcpublisher.StatusGood, ts)

	msgs := f.pub.messages()
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, testEndpoint, m.EndpointURL)
	assert.Equal(t, "ns=2;s=Line1.Temperature", m.NodeID)
	assert.Equal(t, "nsu=urn:test;s=Line1.Temperature", m.ExpandedNodeID)
	assert.Equal(t, "urn:fake:server", m.ApplicationURI)
	assert.Equal(t, "21.5", m.Value)
	assert.False(t, m.PreserveValueQuotes)
	assert.Equal(t, "2024-05-01T12:00:00.0000000Z", m.SourceTimestamp)
	require.NotNil(t, m.StatusCode)
	assert.EqualValues(t, 0, *m.StatusCode)
	assert.False(t, m.Shaped)
}

func TestSuppressedStatusCodesAreDropped(t *testing.T) {
	f := newFixture(t)
	f.add(t, "ns=2;s=A", time.Second)
	_, err := f.session(t).Reconcile(context.Background())
	require.NoError(t, err)

	now := time.Now()
	f.srv.notify(t, "ns=2;s=A", nil, opcpublisher.StatusBadNoCommunication, now)
	f.srv.notify(t, "ns=2;s=A", nil, opcpublisher.StatusBadWaitingForInitialData, now)
	f.srv.notify(t, "ns=2;s=A", 1, opcpublisher.StatusUncertainLastUsableValue, now)

	msgs := f.pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, opcpublisher.StatusUncertainLastUsableValue.String(), msgs[0].Status)
	assert.EqualValues(t, 2, f.reg.Metrics().SuppressedNotifs.Value())
}

func TestCustomSuppressedStatusCodes(t *testing.T) {
	f := newFixture(t, WithSuppressedStatusCodes(opcpublisher.StatusBadSensorFailure))
	f.add(t, "ns=2;s=A", time.Second)
	_, err := f.session(t).Reconcile(context.Background())
	require.NoError(t, err)

	now := time.Now()
	f.srv.notify(t, "ns=2;s=A", nil, opcpublisher.StatusBadSensorFailure, now)
	f.srv.notify(t, "ns=2;s=A", nil, opcpublisher.StatusBadNoCommunication, now)
	assert.Len(t, f.pub.messages(), 1)
}

func TestSkipFirst(t *testing.T) {
	f := newFixture(t, WithSkipFirst(true))
	f.add(t, "ns=2;s=A", time.Second)
	_, err := f.session(t).Reconcile(context.Background())
	require.NoError(t, err)

	now := time.Now()
	f.srv.notify(t, "ns=2;s=A", 1, opcpublisher.StatusGood, now)
	f.srv.notify(t, "ns=2;s=A", 2, opcpublisher.StatusGood, now)

	msgs := f.pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "2", msgs[0].Value)
	assert.EqualValues(t, 1, f.reg.Metrics().SkippedNotifs.Value())
}

func TestHeartbeatRepeatsLastValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref, _ := opcpublisher.ParseNodeRef("ns=2;s=A")
	cfg := f.reg.NewItemConfig(ref, "")
	cfg.HeartbeatInterval = 20 * time.Millisecond
	_, err := f.reg.AddItem(ctx, opcpublisher.Endpoint{URL: testEndpoint}, nil, cfg)
	require.NoError(t, err)
	s := f.session(t)
	_, err = s.Reconcile(ctx)
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.srv.notify(t, "ns=2;s=A", "on", opcpublisher.StatusGood, ts)

	assert.Eventually(t, func() bool {
		return len(f.pub.messages()) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	msgs := f.pub.messages()
	assert.Equal(t, "on", msgs[1].Value)
	assert.True(t, msgs[1].PreserveValueQuotes)
	assert.Equal(t, "2024-05-01T12:00:00.0200000Z", msgs[1].SourceTimestamp)
	assert.Equal(t, "2024-05-01T12:00:00.0400000Z", msgs[2].SourceTimestamp)
	assert.Positive(t, f.reg.Metrics().Heartbeats.Value())

	// Removing the item stops the heartbeat.
	_, err = f.reg.RemoveItem(ctx, testEndpoint, ref)
	require.NoError(t, err)
	_, err = s.Reconcile(ctx)
	require.NoError(t, err)

	stopped := len(f.pub.messages())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, len(f.pub.messages()))
}

func TestNotificationAfterRemovalIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "ns=2;s=A", time.Second)
	f.add(t, "ns=2;s=B", time.Second)
	s := f.session(t)
	_, err := s.Reconcile(ctx)
	require.NoError(t, err)

	f.srv.mu.Lock()
	var handler NotificationHandler
	var handle uint32
	for _, sub := range f.srv.subs {
		handler = sub.handler
		for _, req := range sub.items {
			if req.Node.String() == "ns=2;s=A" {
				handle = req.ClientHandle
			}
		}
	}
	f.srv.mu.Unlock()
	require.NotZero(t, handle)

	ref, _ := opcpublisher.ParseNodeRef("ns=2;s=A")
	_, err = f.reg.RemoveItem(ctx, testEndpoint, ref)
	require.NoError(t, err)
	_, err = s.Reconcile(ctx)
	require.NoError(t, err)

	handler(Notification{ClientHandle: handle, Value: 1, HasValue: true})
	assert.Empty(t, f.pub.messages())
}
