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

package management

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/nodeconfig"
	"github.com/edgeo-scada/opcpublisher/session"
)

const plc1 = "opc.tcp://plc1:4840"

// memServer accepts every connection, subscription and monitored item.
type memServer struct {
	next atomic.Uint32
}

func (m *memServer) Dial(opcpublisher.Endpoint, session.Auth) (session.Client, error) {
	return &memClient{srv: m}, nil
}

type memClient struct {
	srv *memServer
}

func (c *memClient) Connect(context.Context) error { return nil }
func (c *memClient) Close(context.Context) error   { return nil }
func (c *memClient) NamespaceArray(context.Context) ([]string, error) {
	return []string{"http://opcfoundation.org/UA/", "urn:plc1", "urn:plc1:data"}, nil
}
func (c *memClient) MinSamplingInterval(context.Context) (time.Duration, error) { return 0, nil }
func (c *memClient) ApplicationURI(context.Context) (string, error)             { return "urn:plc1", nil }
func (c *memClient) ReadDisplayName(context.Context, opcpublisher.NodeRef) (string, error) {
	return "", nil
}
func (c *memClient) KeepAlive(context.Context) error { return nil }
func (c *memClient) Subscribe(_ context.Context, interval time.Duration, _ session.NotificationHandler) (session.ProtocolSubscription, error) {
	return &memSub{srv: c.srv, id: c.srv.next.Add(1), interval: interval}, nil
}

type memSub struct {
	srv      *memServer
	id       uint32
	interval time.Duration
}

func (s *memSub) ID() uint32 { return s.id }
func (s *memSub) RevisedInterval() time.Duration {
	if s.interval == 0 {
		return time.Second
	}
	return s.interval
}
func (s *memSub) Monitor(context.Context, session.MonitorRequest) (uint32, error) {
	return s.srv.next.Add(1), nil
}
func (s *memSub) Unmonitor(context.Context, ...uint32) error { return nil }
func (s *memSub) Cancel(context.Context) error               { return nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T, opts ...Option) (*Service, *session.Registry) {
	t.Helper()
	reg, err := session.NewRegistry(
		session.WithDialer(&memServer{}),
		session.WithLogger(discard()),
		session.WithKeepAlive(time.Hour, 3),
		session.WithOperationTimeout(time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return NewService(reg, append([]Option{WithLogger(discard())}, opts...)...), reg
}

func nodes(ids ...string) []nodeconfig.Node {
	out := make([]nodeconfig.Node, len(ids))
	for i, id := range ids {
		out[i] = nodeconfig.Node{ID: id}
	}
	return out
}

func numbered(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("ns=2;i=%d", i+1)
	}
	return ids
}

func listIDs(t *testing.T, svc *Service, endpoint string) []string {
	t.Helper()
	resp, res := svc.GetConfiguredNodesOnEndpoint(context.Background(), NodesRequest{EndpointURL: endpoint})
	require.Equal(t, http.StatusOK, res.Code, res.Messages)
	var ids []string
	for _, n := range resp.OpcNodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestPublishAddsOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	res := svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes("ns=2;s=Temp", "nsu=urn:plc1:data;s=Level")})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, FullyApplied, res.Outcome)
	assert.Equal(t, []string{"'ns=2;s=Temp': added", "'nsu=urn:plc1:data;s=Level': added"}, res.Messages)

	res = svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes("ns=2;s=Temp")})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, []string{"'ns=2;s=Temp': already monitored"}, res.Messages)

	assert.Equal(t, []string{"ns=2;s=Temp", "nsu=urn:plc1:data;s=Level"}, listIDs(t, svc, plc1))
}

func TestPublishRejectsBadInput(t *testing.T) {
	svc, reg := newService(t)
	ctx := context.Background()

	res := svc.Publish(ctx, PublishRequest{EndpointURL: "plc1", OpcNodes: nodes("i=85")})
	assert.Equal(t, http.StatusNotAcceptable, res.Code)
	assert.Equal(t, NothingApplied, res.Outcome)
	require.Len(t, res.Messages, 1)
	assert.Contains(t, res.Messages[0], "while parsing EndpointUrl 'plc1'")
	assert.Empty(t, reg.Endpoints())

	res = svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes("ns=2;s=Temp", "ns=x;i=1")})
	assert.Equal(t, http.StatusNotAcceptable, res.Code)
	assert.Equal(t, PartiallyApplied, res.Outcome)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "'ns=2;s=Temp': added", res.Messages[0])
	assert.True(t, strings.HasSuffix(res.Messages[1], "while formatting node 'ns=x;i=1'!"))

	res = svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcAuthenticationMode: "UsernamePassword", OpcNodes: nodes("i=85")})
	assert.Equal(t, http.StatusNotAcceptable, res.Code)
	assert.Equal(t, NothingApplied, res.Outcome)
}

func TestPublishDuringShutdown(t *testing.T) {
	svc, reg := newService(t)
	require.NoError(t, reg.Shutdown(context.Background()))

	res := svc.Publish(context.Background(), PublishRequest{EndpointURL: plc1, OpcNodes: nodes("i=85")})
	assert.Equal(t, http.StatusGone, res.Code)
	assert.Equal(t, []string{"Publisher is in shutdown"}, res.Messages)
}

func TestUnpublishIsAsynchronous(t *testing.T) {
	svc, reg := newService(t)
	ctx := context.Background()

	require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes("ns=2;s=A", "ns=2;s=B")}).OK())
	reg.Reconcile(ctx)

	res := svc.Unpublish(ctx, UnpublishRequest{EndpointURL: plc1, OpcNodes: nodes("ns=2;s=A", "ns=2;s=Missing")})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, FullyApplied, res.Outcome)
	assert.Equal(t, []string{"Id 'ns=2;s=A': tagged for removal", "Id 'ns=2;s=Missing': was not configured"}, res.Messages)

	assert.Equal(t, []string{"ns=2;s=A", "ns=2;s=B"}, listIDs(t, svc, plc1))
	reg.Reconcile(ctx)
	assert.Equal(t, []string{"ns=2;s=B"}, listIDs(t, svc, plc1))
}

func TestUnpublishUnknownEndpoint(t *testing.T) {
	svc, _ := newService(t)

	res := svc.Unpublish(context.Background(), UnpublishRequest{EndpointURL: plc1, OpcNodes: nodes("i=85")})
	assert.Equal(t, http.StatusGone, res.Code)
	assert.Equal(t, []string{"Session for endpoint 'opc.tcp://plc1:4840' not found."}, res.Messages)
}

func TestUnpublishWithoutNodesRemovesEndpoint(t *testing.T) {
	svc, reg := newService(t)
	ctx := context.Background()

	require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes("ns=2;s=A", "ns=2;s=B")}).OK())

	res := svc.Unpublish(ctx, UnpublishRequest{EndpointURL: plc1})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, []string{"All monitored items on endpoint 'opc.tcp://plc1:4840' tagged for removal"}, res.Messages)

	reg.Reconcile(ctx)
	resp, res := svc.GetConfiguredNodesOnEndpoint(ctx, NodesRequest{EndpointURL: plc1})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Empty(t, resp.OpcNodes)
	assert.Equal(t, []string{"There are no nodes configured for endpoint 'opc.tcp://plc1:4840'"}, res.Messages)
}

func TestUnpublishAll(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	res := svc.UnpublishAll(ctx, UnpublishAllRequest{EndpointURL: plc1})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, NothingApplied, res.Outcome)
	assert.Equal(t, []string{"All monitored items in all subscriptions on endpoint 'opc.tcp://plc1:4840' tagged for removal"}, res.Messages)

	require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes("i=85")}).OK())
	require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: "opc.tcp://plc2:4840", OpcNodes: nodes("i=85")}).OK())

	res = svc.UnpublishAll(ctx, UnpublishAllRequest{})
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, FullyApplied, res.Outcome)
	assert.Equal(t, []string{"All monitored items in all subscriptions tagged for removal"}, res.Messages)
}

func TestNodesPaginationWalksEverything(t *testing.T) {
	svc, _ := newService(t, WithMaxPayload(400))
	ctx := context.Background()

	ids := numbered(25)
	require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes(ids...)}).OK())

	var got []string
	var token *Token
	pages := 0
	for {
		resp, res := svc.GetConfiguredNodesOnEndpoint(ctx, NodesRequest{EndpointURL: plc1, ContinuationToken: token})
		require.Equal(t, http.StatusOK, res.Code, res.Messages)
		pages++
		for _, n := range resp.OpcNodes {
			got = append(got, n.ID)
		}
		if resp.ContinuationToken == nil {
			break
		}
		token = resp.ContinuationToken
		require.Less(t, pages, 25)
	}
	assert.Greater(t, pages, 1)
	assert.Equal(t, ids, got)
}

func TestContinuationTokenInvalidatedByChange(t *testing.T) {
	svc, _ := newService(t, WithMaxPayload(400))
	ctx := context.Background()

	require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes(numbered(10)...)}).OK())

	resp, res := svc.GetConfiguredNodesOnEndpoint(ctx, NodesRequest{EndpointURL: plc1})
	require.True(t, res.OK())
	require.NotNil(t, resp.ContinuationToken)

	require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes("ns=2;s=Late")}).OK())

	resp, res = svc.GetConfiguredNodesOnEndpoint(ctx, NodesRequest{EndpointURL: plc1, ContinuationToken: resp.ContinuationToken})
	assert.Nil(t, resp)
	assert.Equal(t, http.StatusGone, res.Code)
	require.Len(t, res.Messages, 1)
	assert.True(t, strings.HasPrefix(res.Messages[0], "The node configuration has changed between calls."))
}

func TestEndpointsPagination(t *testing.T) {
	svc, _ := newService(t, WithMaxPayload(120))
	ctx := context.Background()

	var want []string
	for i := 1; i <= 6; i++ {
		url := fmt.Sprintf("opc.tcp://plc%d:4840", i)
		want = append(want, url)
		require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: url, OpcNodes: nodes("i=85")}).OK())
	}

	var got []string
	var token *Token
	for {
		resp, res := svc.GetConfiguredEndpoints(ctx, EndpointsRequest{ContinuationToken: token})
		require.Equal(t, http.StatusOK, res.Code, res.Messages)
		for _, ep := range resp.Endpoints {
			got = append(got, ep.EndpointURL)
		}
		if resp.ContinuationToken == nil {
			break
		}
		token = resp.ContinuationToken
	}
	assert.Equal(t, want, got)
}

func TestTokenIndexOutOfRange(t *testing.T) {
	svc, reg := newService(t)
	ctx := context.Background()
	require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes("i=85")}).OK())

	token := NewToken(reg.Version(), 7)
	_, res := svc.GetConfiguredEndpoints(ctx, EndpointsRequest{ContinuationToken: &token})
	assert.Equal(t, http.StatusNotAcceptable, res.Code)
}

func TestEntryTooLargeForAnyPage(t *testing.T) {
	svc, _ := newService(t, WithMaxPayload(60))
	ctx := context.Background()
	require.True(t, svc.Publish(ctx, PublishRequest{EndpointURL: plc1, OpcNodes: nodes("ns=2;s=" + strings.Repeat("x", 80))}).OK())

	resp, res := svc.GetConfiguredNodesOnEndpoint(ctx, NodesRequest{EndpointURL: plc1})
	assert.Nil(t, resp)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.Code)
}

func TestExit(t *testing.T) {
	svc, _ := newService(t)
	res := svc.Exit(ExitRequest{})
	assert.Equal(t, http.StatusNotImplemented, res.Code)

	var delays []time.Duration
	svc, _ = newService(t, WithExitFunc(func(d time.Duration) { delays = append(delays, d) }))

	one, thirty := 1, 30
	assert.True(t, svc.Exit(ExitRequest{}).OK())
	assert.True(t, svc.Exit(ExitRequest{SecondsTillExit: &one}).OK())
	res = svc.Exit(ExitRequest{SecondsTillExit: &thirty})
	assert.Equal(t, []string{"Module will exit now..."}, res.Messages)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 30 * time.Second}, delays)
}

func TestGetInfo(t *testing.T) {
	svc, _ := newService(t)
	info := svc.GetInfo()
	assert.Equal(t, opcpublisher.Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}
