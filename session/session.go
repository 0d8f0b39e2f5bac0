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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/opcpublisher"
)

// Session owns the connection to one endpoint and the subscriptions and
// items monitored on it. The desired configuration can be changed at any
// time, connected or not; Reconcile converges the server side towards it.
//
// All mutable state is guarded by a per session lock. Once the session is
// shut down every lock attempt fails with ErrShuttingDown.
type Session struct {
	endpoint opcpublisher.Endpoint
	shared   *shared
	opts     *options
	logger   *slog.Logger

	lockCh       chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
	kick         chan struct{}
	worker       bool // guarded by the registry lock

	// Guarded by lockCh.
	auth           Auth
	state          opcpublisher.ConnectionState
	client         Client
	namespaces     opcpublisher.NamespaceTable
	minSampling    time.Duration
	applicationURI string
	subscriptions  []*Subscription
	failures       int
	stopKeepAlive  context.CancelFunc

	missedKeepAlives atomic.Int32
	handles          sync.Map // client handle -> *binding
	nextHandle       atomic.Uint32
}

// Info is a snapshot of a session for diagnostics.
type Info struct {
	Endpoint         opcpublisher.Endpoint
	Auth             opcpublisher.AuthMode
	State            opcpublisher.ConnectionState
	Subscriptions    int
	Items            map[ItemState]int
	Failures         int
	MissedKeepAlives int
}

func newSession(endpoint opcpublisher.Endpoint, auth Auth, sh *shared) *Session {
	return &Session{
		endpoint: endpoint,
		shared:   sh,
		opts:     sh.opts,
		logger:   sh.opts.logger.With("endpoint", endpoint.URL),
		lockCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		kick:     make(chan struct{}, 1),
		auth:     auth,
		state:    opcpublisher.StateDisconnected,
	}
}

// Endpoint returns the endpoint of the session.
func (s *Session) Endpoint() opcpublisher.Endpoint {
	return s.endpoint
}

// Done is closed once the session has been shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) lock(ctx context.Context) error {
	select {
	case <-s.done:
		return opcpublisher.ErrShuttingDown
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.lockCh <- struct{}{}:
	case <-s.done:
		return opcpublisher.ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
	// Shutdown may have won the race for the lock before this acquisition.
	select {
	case <-s.done:
		<-s.lockCh
		return opcpublisher.ErrShuttingDown
	default:
		return nil
	}
}

func (s *Session) tryLock() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.lockCh <- struct{}{}:
		select {
		case <-s.done:
			<-s.lockCh
			return false
		default:
			return true
		}
	default:
		return false
	}
}

func (s *Session) unlock() {
	<-s.lockCh
}

// trigger asks the session worker for an immediate reconciliation.
func (s *Session) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// connectTimeout returns the timeout of the next connection attempt after
// failures consecutive failures.
func (s *Session) connectTimeout(failures int) time.Duration {
	factor := failures + 1
	if factor > s.opts.backoffMax {
		factor = s.opts.backoffMax
	}
	return s.opts.connectTimeout * time.Duration(factor)
}

// connect establishes the connection if the session is disconnected. The
// lock is not held while the network connect runs.
func (s *Session) connect(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	if s.state != opcpublisher.StateDisconnected {
		s.unlock()
		return nil
	}
	s.state = opcpublisher.StateConnecting
	auth := s.auth
	timeout := s.connectTimeout(s.failures)
	s.unlock()

	s.shared.metrics.ConnectAttempts.Inc()
	s.logger.Info("connecting to endpoint",
		"timeout", timeout,
		"auth", auth.Mode.String(),
		"security", s.endpoint.UseSecurity,
	)

	start := time.Now()
	client, ns, minSampling, appURI, err := s.dial(ctx, auth, timeout)

	// The outcome is committed even when ctx ended during the dial; only
	// shutdown prevents it.
	if lerr := s.lock(context.WithoutCancel(ctx)); lerr != nil {
		if client != nil {
			s.closeClient(client)
		}
		return lerr
	}
	defer s.unlock()

	if err == nil && s.auth != auth {
		err = errors.New("authentication changed while connecting")
	}
	if err != nil {
		if client != nil {
			s.closeClient(client)
		}
		s.failures++
		s.state = opcpublisher.StateDisconnected
		s.shared.metrics.ConnectFailures.Inc()
		s.logger.Warn("failed to connect to endpoint",
			"failures", s.failures,
			"next_timeout", s.connectTimeout(s.failures),
			"error", err,
		)
		return opcpublisher.WrapTransient(err, "session", "Connect")
	}

	s.shared.metrics.ConnectLatency.Observe(time.Since(start))
	s.client = client
	s.namespaces = ns
	s.minSampling = minSampling
	s.applicationURI = appURI
	s.failures = 0
	s.missedKeepAlives.Store(0)
	s.state = opcpublisher.StateConnected

	kctx, cancel := context.WithCancel(context.Background())
	s.stopKeepAlive = cancel
	go s.keepAliveLoop(kctx, client)

	s.logger.Info("connected to endpoint",
		"namespaces", len(ns),
		"min_sampling_interval", minSampling,
	)
	return nil
}

// dial creates and connects a client and fetches the server information the
// session caches.
func (s *Session) dial(ctx context.Context, auth Auth, timeout time.Duration) (Client, opcpublisher.NamespaceTable, time.Duration, string, error) {
	client, err := s.opts.dialer.Dial(s.endpoint, auth)
	if err != nil {
		return nil, nil, 0, "", err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Connect(cctx); err != nil {
		return client, nil, 0, "", err
	}
	ns, err := client.NamespaceArray(cctx)
	if err != nil {
		return client, nil, 0, "", err
	}
	minSampling, err := client.MinSamplingInterval(cctx)
	if err != nil {
		s.logger.Debug("server does not report a minimum sampling interval", "error", err)
		minSampling = 0
	}
	appURI, err := client.ApplicationURI(cctx)
	if err != nil {
		s.logger.Debug("failed to read server application uri", "error", err)
	}
	return client, opcpublisher.NamespaceTable(ns), minSampling, appURI, nil
}

func (s *Session) closeClient(client Client) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.operationTimeout)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		s.logger.Debug("failed to close client", "error", err)
	}
}

// disconnectLocked tears down the live connection. Subscriptions and items
// stay configured; monitored items go back to unmonitored.
func (s *Session) disconnectLocked() {
	if s.stopKeepAlive != nil {
		s.stopKeepAlive()
		s.stopKeepAlive = nil
	}

	if s.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.operationTimeout)
		for _, sub := range s.subscriptions {
			if sub.handle != nil {
				_ = sub.handle.Cancel(ctx)
			}
		}
		cancel()
	}
	for _, sub := range s.subscriptions {
		for _, it := range sub.items {
			if it.clientHandle != 0 {
				s.handles.Delete(it.clientHandle)
			}
		}
		sub.detach()
	}

	if s.client != nil {
		s.closeClient(s.client)
		s.client = nil
		s.shared.metrics.Disconnects.Inc()
	}
	s.missedKeepAlives.Store(0)
	s.state = opcpublisher.StateDisconnected
}

// disconnect tears down the connection if client is still the live one.
func (s *Session) disconnect(ctx context.Context, client Client) {
	if err := s.lock(ctx); err != nil {
		return
	}
	defer s.unlock()
	if s.client != client {
		return
	}
	s.logger.Info("disconnecting from endpoint")
	s.disconnectLocked()
}

// Shutdown disconnects, drops all subscriptions and makes every further
// lock attempt fail. It is safe to call more than once.
func (s *Session) Shutdown(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		if errors.Is(err, opcpublisher.ErrShuttingDown) {
			return nil
		}
		return err
	}
	s.shutdownLocked()
	s.unlock()
	return nil
}

func (s *Session) shutdownLocked() {
	s.disconnectLocked()
	s.subscriptions = nil
	s.shutdownOnce.Do(func() { close(s.done) })
	s.logger.Info("session shut down")
}

// keepAliveLoop probes the server until ctx is cancelled or the keep-alive
// handler gives up on the connection.
func (s *Session) keepAliveLoop(ctx context.Context, client Client) {
	ticker := time.NewTicker(s.opts.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pctx, cancel := context.WithTimeout(ctx, s.opts.keepAliveInterval)
		err := client.KeepAlive(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if !s.handleKeepAlive(client, err) {
			return
		}
	}
}

// handleKeepAlive processes one keep-alive result. It returns false once
// the miss threshold is reached; the disconnect then runs on its own
// goroutine and the caller must stop probing.
func (s *Session) handleKeepAlive(client Client, err error) bool {
	if err != nil {
		missed := int(s.missedKeepAlives.Add(1))
		s.shared.metrics.KeepAliveMisses.Inc()
		s.logger.Warn("keep-alive failed",
			"missed", missed,
			"threshold", s.opts.keepAliveThreshold,
			"error", err,
		)
		if missed >= s.opts.keepAliveThreshold {
			s.logger.Warn("keep-alive threshold reached, scheduling disconnect")
			// Waits for the lock for as long as it takes; shutdown releases it.
			go s.disconnect(context.Background(), client)
			return false
		}
		return true
	}

	if prev := s.missedKeepAlives.Swap(0); prev > 0 {
		s.logger.Info("keep-alive recovered", "missed", prev)
	}
	return true
}

// AddItem adds cfg unless an item already monitors the node. It reports
// whether the item was added.
func (s *Session) AddItem(ctx context.Context, cfg ItemConfig) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock()

	for _, sub := range s.subscriptions {
		for _, it := range sub.items {
			if it.isMonitoring(cfg.Node, s.namespaces) {
				return false, nil
			}
		}
	}

	var target *Subscription
	for _, sub := range s.subscriptions {
		if sub.requested == cfg.PublishingInterval {
			target = sub
			break
		}
	}
	if target == nil {
		target = newSubscription(cfg.PublishingInterval)
		s.subscriptions = append(s.subscriptions, target)
		s.shared.bumpVersion()
	}
	target.items = append(target.items, newItem(cfg))
	s.shared.bumpVersion()

	s.logger.Debug("node added",
		"node", cfg.OriginalID,
		"interval", cfg.PublishingInterval,
	)
	return true, nil
}

// RequestRemoval tags the item monitoring node for removal. It reports
// whether such an item was configured.
func (s *Session) RequestRemoval(ctx context.Context, node opcpublisher.NodeRef) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock()

	found := false
	for _, sub := range s.subscriptions {
		for _, it := range sub.items {
			if it.isMonitoring(node, s.namespaces) {
				it.state = ItemRemovalRequested
				found = true
			}
		}
	}
	return found, nil
}

// RequestRemovalAll tags every item for removal and returns how many were
// tagged.
func (s *Session) RequestRemovalAll(ctx context.Context) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.unlock()

	n := 0
	for _, sub := range s.subscriptions {
		for _, it := range sub.items {
			if it.state != ItemRemovalRequested {
				it.state = ItemRemovalRequested
				n++
			}
		}
	}
	return n, nil
}

// SetAuth changes the session identity. A changed identity drops the
// connection so the next reconciliation reconnects with it.
func (s *Session) SetAuth(ctx context.Context, auth Auth) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock()

	if s.auth == auth {
		return false, nil
	}
	s.auth = auth
	if s.state == opcpublisher.StateConnected {
		s.logger.Info("authentication changed, reconnecting", "auth", auth.Mode.String())
		s.disconnectLocked()
	}
	return true, nil
}

// Auth returns the session identity.
func (s *Session) Auth(ctx context.Context) (Auth, error) {
	if err := s.lock(ctx); err != nil {
		return Auth{}, err
	}
	defer s.unlock()
	return s.auth, nil
}

// Items returns the configured items, including those tagged for removal.
func (s *Session) Items(ctx context.Context) ([]ItemInfo, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	var out []ItemInfo
	for _, sub := range s.subscriptions {
		for _, it := range sub.items {
			out = append(out, it.info(sub))
		}
	}
	return out, nil
}

// Info returns a diagnostic snapshot.
func (s *Session) Info(ctx context.Context) (Info, error) {
	if err := s.lock(ctx); err != nil {
		return Info{}, err
	}
	defer s.unlock()

	info := Info{
		Endpoint:         s.endpoint,
		Auth:             s.auth.Mode,
		State:            s.state,
		Subscriptions:    len(s.subscriptions),
		Items:            make(map[ItemState]int),
		Failures:         s.failures,
		MissedKeepAlives: int(s.missedKeepAlives.Load()),
	}
	for _, sub := range s.subscriptions {
		for _, it := range sub.items {
			info.Items[it.state]++
		}
	}
	return info, nil
}
