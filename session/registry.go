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

// shared is the state every session of a registry refers to.
type shared struct {
	opts      *options
	metrics   *Metrics
	publisher Publisher
	version   atomic.Uint32
}

func (sh *shared) bumpVersion() {
	sh.version.Add(1)
}

// Registry is the set of sessions, keyed by endpoint URL. It is the source
// of truth for what is monitored where.
//
// The registry lock only guards membership. It may be held while trying a
// session lock, never the other way round.
type Registry struct {
	shared *shared
	opts   *options
	logger *slog.Logger

	mu       sync.Mutex
	sessions []*Session
	closed   bool
	runCtx   context.Context
	wg       sync.WaitGroup

	changed chan struct{}
}

// EndpointConfig is the persisted form of one session.
type EndpointConfig struct {
	Endpoint opcpublisher.Endpoint
	Auth     Auth
	Items    []ItemInfo
}

// addAttempts bounds how often AddItem retries when the session it found
// was removed concurrently.
const addAttempts = 3

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) (*Registry, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.dialer == nil {
		return nil, opcpublisher.WrapFatal(errors.New("no dialer configured"), "session", "NewRegistry")
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if o.publisher == nil {
		o.publisher = discardPublisher{}
	}

	return &Registry{
		shared: &shared{
			opts:      o,
			metrics:   o.metrics,
			publisher: o.publisher,
		},
		opts:    o,
		logger:  o.logger,
		changed: make(chan struct{}, 1),
	}, nil
}

// NewItemConfig returns an item configuration for node carrying the
// registry defaults.
func (r *Registry) NewItemConfig(node opcpublisher.NodeRef, originalID string) ItemConfig {
	if originalID == "" {
		originalID = node.String()
	}
	return ItemConfig{
		Node:               node,
		OriginalID:         originalID,
		SamplingInterval:   r.opts.samplingInterval,
		PublishingInterval: r.opts.publishingInterval,
		QueueSize:          DefaultQueueSize,
		DiscardOldest:      true,
	}
}

// Version returns the node configuration version. It changes with every
// structural change of any session.
func (r *Registry) Version() uint32 {
	return r.shared.version.Load()
}

// Changed is signalled after reconciliation changed the configuration.
func (r *Registry) Changed() <-chan struct{} {
	return r.changed
}

// Metrics returns the session engine metrics.
func (r *Registry) Metrics() *Metrics {
	return r.shared.metrics
}

func (r *Registry) signalChanged() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Run starts one reconciliation worker per session and blocks until ctx is
// done. It then shuts every session down.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return opcpublisher.ErrShuttingDown
	}
	r.runCtx = ctx
	for _, s := range r.sessions {
		r.startWorkerLocked(s)
	}
	r.mu.Unlock()

	r.logger.Info("session registry started", "reconcile_interval", r.opts.reconcileInterval)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.operationTimeout)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

func (r *Registry) startWorkerLocked(s *Session) {
	if s.worker || r.runCtx == nil || r.closed {
		return
	}
	s.worker = true
	r.wg.Add(1)
	go r.worker(r.runCtx, s)
}

func (r *Registry) ensureWorker(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startWorkerLocked(s)
}

func (r *Registry) worker(ctx context.Context, s *Session) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.reconcileInterval)
	defer ticker.Stop()

	for {
		r.reconcileSession(ctx, s)

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.kick:
		}
	}
}

// Reconcile runs one reconciliation pass over every session.
func (r *Registry) Reconcile(ctx context.Context) {
	for _, s := range r.Sessions() {
		if ctx.Err() != nil {
			return
		}
		r.reconcileSession(ctx, s)
	}
}

func (r *Registry) reconcileSession(ctx context.Context, s *Session) {
	changed, err := s.Reconcile(ctx)
	if err != nil && !errors.Is(err, opcpublisher.ErrShuttingDown) && ctx.Err() == nil {
		s.logger.Warn("reconciliation failed", "error", err)
	}
	if r.removeIfEmpty(s) {
		changed = true
	}
	if changed {
		r.signalChanged()
	}
}

// removeIfEmpty shuts down and removes s when it has no subscriptions. A
// session busy with its own work is left for the next pass.
func (r *Registry) removeIfEmpty(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.tryLock() {
		return false
	}
	empty := s.isEmptyLocked()
	if empty {
		s.shutdownLocked()
	}
	s.unlock()
	if !empty {
		return false
	}

	for i, other := range r.sessions {
		if other == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	r.shared.bumpVersion()
	r.logger.Info("removed session without subscriptions", "endpoint", s.endpoint.URL)
	return true
}

// Session returns the session of endpointURL.
func (r *Registry) Session(endpointURL string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.findLocked(endpointURL)
	return s, s != nil
}

// Sessions returns all sessions in creation order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// Endpoints returns the endpoints of all sessions in creation order.
func (r *Registry) Endpoints() []opcpublisher.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]opcpublisher.Endpoint, len(r.sessions))
	for i, s := range r.sessions {
		out[i] = s.endpoint
	}
	return out
}

func (r *Registry) findLocked(endpointURL string) *Session {
	key := opcpublisher.Endpoint{URL: endpointURL}.Key()
	for _, s := range r.sessions {
		if s.endpoint.Key() == key {
			return s
		}
	}
	return nil
}

func (r *Registry) findOrCreate(endpoint opcpublisher.Endpoint, auth *Auth) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, opcpublisher.ErrShuttingDown
	}
	if s := r.findLocked(endpoint.URL); s != nil {
		return s, nil
	}

	var a Auth
	if auth != nil {
		a = *auth
	}
	s := newSession(endpoint, a, r.shared)
	r.sessions = append(r.sessions, s)
	r.logger.Info("session created", "endpoint", endpoint.URL, "security", endpoint.UseSecurity)
	return s, nil
}

// Closed reports whether the registry has been shut down.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// AddItem adds cfg to the session of endpoint, creating the session if
// needed. A non-nil auth replaces the session identity. AddItem reports
// whether the item was added; false means the node was already monitored.
func (r *Registry) AddItem(ctx context.Context, endpoint opcpublisher.Endpoint, auth *Auth, cfg ItemConfig) (bool, error) {
	for attempt := 0; attempt < addAttempts; attempt++ {
		s, err := r.findOrCreate(endpoint, auth)
		if err != nil {
			return false, err
		}

		var authChanged, added bool
		if auth != nil {
			authChanged, err = s.SetAuth(ctx, *auth)
		}
		if err == nil {
			added, err = s.AddItem(ctx, cfg)
		}
		if errors.Is(err, opcpublisher.ErrShuttingDown) {
			if r.Closed() {
				return false, err
			}
			continue
		}
		if err != nil {
			// A session created for this call must not stay behind empty.
			if !r.removeIfEmpty(s) {
				r.ensureWorker(s)
			}
			return false, err
		}

		r.ensureWorker(s)
		if added {
			s.trigger()
		}
		if added || authChanged {
			r.signalChanged()
		}
		return added, nil
	}
	return false, opcpublisher.ErrSessionNotFound
}

// RemoveItem tags the item monitoring node on endpointURL for removal. It
// reports whether the node was configured.
func (r *Registry) RemoveItem(ctx context.Context, endpointURL string, node opcpublisher.NodeRef) (bool, error) {
	if r.Closed() {
		return false, opcpublisher.ErrShuttingDown
	}
	s, ok := r.Session(endpointURL)
	if !ok {
		return false, opcpublisher.ErrSessionNotFound
	}
	found, err := s.RequestRemoval(ctx, node)
	if errors.Is(err, opcpublisher.ErrShuttingDown) && !r.Closed() {
		return false, opcpublisher.ErrSessionNotFound
	}
	if found {
		s.trigger()
	}
	return found, err
}

// RemoveAll tags every item of endpointURL, or of all sessions when
// endpointURL is empty, for removal and returns the number tagged.
func (r *Registry) RemoveAll(ctx context.Context, endpointURL string) (int, error) {
	if r.Closed() {
		return 0, opcpublisher.ErrShuttingDown
	}

	var targets []*Session
	if endpointURL == "" {
		targets = r.Sessions()
	} else {
		s, ok := r.Session(endpointURL)
		if !ok {
			return 0, opcpublisher.ErrSessionNotFound
		}
		targets = []*Session{s}
	}

	total := 0
	for _, s := range targets {
		n, err := s.RequestRemovalAll(ctx)
		if errors.Is(err, opcpublisher.ErrShuttingDown) {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
		s.trigger()
	}
	return total, nil
}

// Nodes returns the items configured on endpointURL, including those tagged
// for removal.
func (r *Registry) Nodes(ctx context.Context, endpointURL string) ([]ItemInfo, error) {
	s, ok := r.Session(endpointURL)
	if !ok {
		return nil, opcpublisher.ErrSessionNotFound
	}
	items, err := s.Items(ctx)
	if errors.Is(err, opcpublisher.ErrShuttingDown) && !r.Closed() {
		return nil, opcpublisher.ErrSessionNotFound
	}
	return items, err
}

// Snapshot returns the configuration of every session without the items
// tagged for removal.
func (r *Registry) Snapshot(ctx context.Context) ([]EndpointConfig, error) {
	var out []EndpointConfig
	for _, s := range r.Sessions() {
		auth, err := s.Auth(ctx)
		if errors.Is(err, opcpublisher.ErrShuttingDown) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items, err := s.Items(ctx)
		if errors.Is(err, opcpublisher.ErrShuttingDown) {
			continue
		}
		if err != nil {
			return nil, err
		}

		ec := EndpointConfig{Endpoint: s.endpoint, Auth: auth}
		for _, it := range items {
			if it.State != ItemRemovalRequested {
				ec.Items = append(ec.Items, it)
			}
		}
		if len(ec.Items) > 0 {
			out = append(out, ec)
		}
	}
	return out, nil
}

// Infos returns a diagnostic snapshot of every session.
func (r *Registry) Infos(ctx context.Context) []Info {
	var out []Info
	for _, s := range r.Sessions() {
		info, err := s.Info(ctx)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out
}

// Shutdown shuts every session down and waits for the workers. No session
// can be added afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = nil
	r.mu.Unlock()

	r.logger.Info("shutting down sessions", "count", len(sessions))

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				s.logger.Warn("session shutdown incomplete", "error", err)
			}
		}(s)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
