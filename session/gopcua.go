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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/edgeo-scada/opcpublisher"
)

// Well known nodes of the Server object.
const (
	nodeServerArray             = "i=2254"
	nodeServerState             = "i=2259"
	nodeMinSupportedSampleRate  = "i=2272"
	serverStateRunning          = 0
	defaultSecurityPolicy       = "Basic256Sha256"
	defaultSecurityMode         = "SignAndEncrypt"
	notificationChannelCapacity = 256
)

// GopcuaDialer dials sessions with the gopcua client library.
type GopcuaDialer struct {
	// SecurityPolicy and SecurityMode apply to endpoints that use security.
	SecurityPolicy  string
	SecurityMode    string
	CertificateFile string
	PrivateKeyFile  string
	SessionTimeout  time.Duration
	RequestTimeout  time.Duration
	Logger          *slog.Logger
}

// Dial creates an unconnected gopcua client for endpoint.
func (d *GopcuaDialer) Dial(endpoint opcpublisher.Endpoint, auth Auth) (Client, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []opcua.Option{
		opcua.AutoReconnect(false),
	}
	if d.RequestTimeout > 0 {
		opts = append(opts, opcua.RequestTimeout(d.RequestTimeout))
	}
	if d.SessionTimeout > 0 {
		opts = append(opts, opcua.SessionTimeout(d.SessionTimeout))
	}

	if endpoint.UseSecurity {
		policy, mode := d.SecurityPolicy, d.SecurityMode
		if policy == "" {
			policy = defaultSecurityPolicy
		}
		if mode == "" {
			mode = defaultSecurityMode
		}
		opts = append(opts,
			opcua.SecurityPolicy(policy),
			opcua.SecurityModeString(mode),
		)
	} else {
		opts = append(opts,
			opcua.SecurityMode(ua.MessageSecurityModeNone),
			opcua.SecurityPolicy(ua.SecurityPolicyURINone),
		)
	}
	if d.CertificateFile != "" && d.PrivateKeyFile != "" {
		opts = append(opts,
			opcua.CertificateFile(d.CertificateFile),
			opcua.PrivateKeyFile(d.PrivateKeyFile),
		)
	}

	switch auth.Mode {
	case opcpublisher.AuthUsernamePassword:
		opts = append(opts, opcua.AuthUsername(auth.Credential.Username, auth.Credential.Password))
	default:
		opts = append(opts, opcua.AuthAnonymous())
	}

	c, err := opcua.NewClient(endpoint.URL, opts...)
	if err != nil {
		return nil, opcpublisher.WrapInvalid(err, "session", "Dial")
	}
	return &gopcuaClient{c: c, logger: logger.With("endpoint", endpoint.URL)}, nil
}

type gopcuaClient struct {
	c      *opcua.Client
	logger *slog.Logger
}

func (g *gopcuaClient) Connect(ctx context.Context) error {
	return statusError("Connect", g.c.Connect(ctx))
}

func (g *gopcuaClient) Close(ctx context.Context) error {
	return g.c.Close(ctx)
}

func (g *gopcuaClient) NamespaceArray(ctx context.Context) ([]string, error) {
	ns, err := g.c.NamespaceArray(ctx)
	return ns, statusError("NamespaceArray", err)
}

func (g *gopcuaClient) MinSamplingInterval(ctx context.Context) (time.Duration, error) {
	v, err := g.readValue(ctx, nodeMinSupportedSampleRate, ua.AttributeIDValue)
	if err != nil {
		return 0, err
	}
	ms, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected MinSupportedSampleRate type %T", v)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

func (g *gopcuaClient) ApplicationURI(ctx context.Context) (string, error) {
	v, err := g.readValue(ctx, nodeServerArray, ua.AttributeIDValue)
	if err != nil {
		return "", err
	}
	uris, ok := v.([]string)
	if !ok || len(uris) == 0 {
		return "", fmt.Errorf("unexpected ServerArray value %v", v)
	}
	return uris[0], nil
}

func (g *gopcuaClient) ReadDisplayName(ctx context.Context, node opcpublisher.NodeRef) (string, error) {
	v, err := g.readValue(ctx, node.String(), ua.AttributeIDDisplayName)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case *ua.LocalizedText:
		return t.Text, nil
	case string:
		return t, nil
	default:
		return "", fmt.Errorf("unexpected DisplayName type %T", v)
	}
}

func (g *gopcuaClient) KeepAlive(ctx context.Context) error {
	v, err := g.readValue(ctx, nodeServerState, ua.AttributeIDValue)
	if err != nil {
		return err
	}
	if state, ok := v.(int32); ok && state != serverStateRunning {
		return &opcpublisher.OPCUAError{
			Op:         "KeepAlive",
			StatusCode: opcpublisher.StatusBadServerHalted,
			Message:    fmt.Sprintf("server state %d", state),
		}
	}
	return nil
}

func (g *gopcuaClient) readValue(ctx context.Context, id string, attr ua.AttributeID) (interface{}, error) {
	nid, err := ua.ParseNodeID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", opcpublisher.ErrInvalidNodeID, err)
	}
	resp, err := g.c.Read(ctx, &ua.ReadRequest{
		NodesToRead:        []*ua.ReadValueID{{NodeID: nid, AttributeID: attr}},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		return nil, statusError("Read", err)
	}
	if resp == nil || len(resp.Results) == 0 || resp.Results[0] == nil {
		return nil, errors.New("empty read response")
	}
	result := resp.Results[0]
	if result.Status != ua.StatusOK {
		return nil, statusError("Read", result.Status)
	}
	if result.Value == nil {
		return nil, nil
	}
	return result.Value.Value(), nil
}

func (g *gopcuaClient) Subscribe(ctx context.Context, interval time.Duration, handler NotificationHandler) (ProtocolSubscription, error) {
	notifs := make(chan *opcua.PublishNotificationData, notificationChannelCapacity)
	sub, err := g.c.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: interval}, notifs)
	if err != nil {
		return nil, statusError("Subscribe", err)
	}

	s := &gopcuaSubscription{
		sub:    sub,
		notifs: notifs,
		done:   make(chan struct{}),
		logger: g.logger,
	}
	go s.pump(handler)
	return s, nil
}

type gopcuaSubscription struct {
	sub    *opcua.Subscription
	notifs chan *opcua.PublishNotificationData
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (s *gopcuaSubscription) ID() uint32 {
	return s.sub.SubscriptionID
}

func (s *gopcuaSubscription) RevisedInterval() time.Duration {
	return s.sub.RevisedPublishingInterval
}

func (s *gopcuaSubscription) pump(handler NotificationHandler) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.notifs:
			if msg == nil {
				continue
			}
			if msg.Error != nil {
				s.logger.Warn("subscription notification error",
					"subscription", s.sub.SubscriptionID,
					"error", msg.Error,
				)
				continue
			}
			dcn, ok := msg.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range dcn.MonitoredItems {
				if item == nil || item.Value == nil {
					continue
				}
				n := Notification{
					ClientHandle:    item.ClientHandle,
					Status:          opcpublisher.StatusCode(item.Value.Status),
					SourceTimestamp: item.Value.SourceTimestamp,
				}
				if item.Value.Value != nil {
					n.Value = item.Value.Value.Value()
					n.HasValue = true
				}
				handler(n)
			}
		}
	}
}

func (s *gopcuaSubscription) Monitor(ctx context.Context, req MonitorRequest) (uint32, error) {
	nid, err := ua.ParseNodeID(req.Node.String())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", opcpublisher.ErrInvalidNodeID, err)
	}

	create := &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:       nid,
			AttributeID:  ua.AttributeIDValue,
			DataEncoding: &ua.QualifiedName{},
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     req.ClientHandle,
			DiscardOldest:    req.DiscardOldest,
			QueueSize:        req.QueueSize,
			SamplingInterval: float64(req.SamplingInterval) / float64(time.Millisecond),
		},
	}
	resp, err := s.sub.Monitor(ctx, ua.TimestampsToReturnBoth, create)
	if err != nil {
		return 0, statusError("Monitor", err)
	}
	if resp == nil || len(resp.Results) == 0 {
		return 0, errors.New("empty monitor response")
	}
	result := resp.Results[0]
	if result.StatusCode != ua.StatusOK {
		return 0, statusError("Monitor", result.StatusCode)
	}
	return result.MonitoredItemID, nil
}

func (s *gopcuaSubscription) Unmonitor(ctx context.Context, ids ...uint32) error {
	_, err := s.sub.Unmonitor(ctx, ids...)
	return statusError("Unmonitor", err)
}

func (s *gopcuaSubscription) Cancel(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })
	return statusError("Cancel", s.sub.Cancel(ctx))
}

// statusError converts gopcua status codes into OPCUAError so callers can
// classify them without importing the library.
func statusError(op string, err error) error {
	if err == nil {
		return nil
	}
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		return &opcpublisher.OPCUAError{
			Op:         op,
			StatusCode: opcpublisher.StatusCode(sc),
			Message:    err.Error(),
		}
	}
	return err
}
