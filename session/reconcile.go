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

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/telemetry"
)

// Reconcile runs one pass converging the server side state towards the
// configured one:
//
//  1. connect if disconnected
//  2. create missing subscriptions and monitored items
//  3. delete items tagged for removal
//  4. delete subscriptions without items
//
// Every step takes the session lock on its own and does nothing once the
// session is shut down. A pass is idempotent. Reconcile reports whether
// the configuration changed structurally.
func (s *Session) Reconcile(ctx context.Context) (bool, error) {
	if err := s.connect(ctx); err != nil {
		if errors.Is(err, opcpublisher.ErrShuttingDown) || ctx.Err() != nil {
			return false, err
		}
		// Removals still apply while disconnected.
	}

	changed := false
	steps := []func(context.Context) (bool, error){
		s.monitorItems,
		s.removeItems,
		s.removeEmptySubscriptions,
	}
	for _, step := range steps {
		c, err := step(ctx)
		changed = changed || c
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.operationTimeout)
}

// monitorItems creates the live subscriptions and monitored items of a
// connected session.
func (s *Session) monitorItems(ctx context.Context) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock()

	if s.state != opcpublisher.StateConnected {
		return false, nil
	}

	for _, sub := range s.subscriptions {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !s.hasPending(sub) {
			continue
		}

		if sub.handle == nil {
			opCtx, cancel := s.opContext(ctx)
			handle, err := s.client.Subscribe(opCtx, sub.requested, s.dispatch)
			cancel()
			if err != nil {
				if opcpublisher.IsSessionInvalid(err) {
					s.logger.Warn("session invalid while creating subscription, disconnecting", "error", err)
					s.disconnectLocked()
					return false, nil
				}
				s.logger.Warn("failed to create subscription",
					"interval", sub.requested,
					"error", err,
				)
				continue
			}
			sub.handle = handle
			sub.revised = handle.RevisedInterval()
			s.logger.Info("subscription created",
				"subscription", handle.ID(),
				"interval", sub.requested,
				"revised_interval", sub.revised,
			)
		}

		for _, it := range sub.items {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if !s.monitorItem(ctx, sub, it) {
				return false, nil
			}
		}
	}
	return false, nil
}

func (s *Session) hasPending(sub *Subscription) bool {
	for _, it := range sub.items {
		if it.state == ItemUnmonitored || it.state == ItemNamespaceUpdatePending {
			return true
		}
	}
	return false
}

// monitorItem attaches one item. It returns false when the session had to
// be disconnected and the pass must stop.
func (s *Session) monitorItem(ctx context.Context, sub *Subscription, it *Item) bool {
	if it.state == ItemNamespaceUpdatePending {
		if _, err := it.cfg.Node.Resolve(s.namespaces); err != nil {
			s.logger.Warn("namespace of node not known by the server",
				"node", it.cfg.OriginalID,
				"error", err,
			)
			return true
		}
		it.state = ItemUnmonitored
	}
	if it.state != ItemUnmonitored {
		return true
	}

	resolved, err := it.cfg.Node.Resolve(s.namespaces)
	if err != nil {
		s.logger.Warn("failed to resolve node",
			"node", it.cfg.OriginalID,
			"error", err,
		)
		return true
	}

	if s.opts.fetchDisplayName && it.displayName == "" {
		opCtx, cancel := s.opContext(ctx)
		name, err := s.client.ReadDisplayName(opCtx, resolved)
		cancel()
		switch {
		case err == nil:
			it.displayName = name
		case opcpublisher.IsSessionInvalid(err):
			s.logger.Warn("session invalid while reading display name, disconnecting", "error", err)
			s.disconnectLocked()
			return false
		default:
			s.logger.Debug("failed to read display name",
				"node", it.cfg.OriginalID,
				"error", err,
			)
		}
	}

	sampling := it.cfg.SamplingInterval
	if s.minSampling > 0 && sampling < s.minSampling {
		s.logger.Info("sampling interval below server minimum, using minimum",
			"node", it.cfg.OriginalID,
			"requested", sampling,
			"minimum", s.minSampling,
		)
		sampling = s.minSampling
	}

	handle := s.nextHandle.Add(1)
	b := s.newBinding(it, resolved)
	s.handles.Store(handle, b)

	opCtx, cancel := s.opContext(ctx)
	id, err := sub.handle.Monitor(opCtx, MonitorRequest{
		Node:             resolved,
		ClientHandle:     handle,
		SamplingInterval: sampling,
		QueueSize:        it.cfg.QueueSize,
		DiscardOldest:    it.cfg.DiscardOldest,
	})
	cancel()
	if err != nil {
		s.handles.Delete(handle)
		b.close()
		s.shared.metrics.MonitorFailures.Inc()
		if opcpublisher.IsSessionInvalid(err) {
			s.logger.Warn("session invalid while monitoring, disconnecting", "error", err)
			s.disconnectLocked()
			return false
		}
		s.logger.Warn("failed to monitor node",
			"node", it.cfg.OriginalID,
			"error", err,
		)
		return true
	}

	it.clientHandle = handle
	it.monitoredID = id
	it.binding = b
	it.state = ItemMonitored
	s.logger.Debug("node monitored",
		"node", it.cfg.OriginalID,
		"sampling", sampling,
	)
	return true
}

func (s *Session) newBinding(it *Item, resolved opcpublisher.NodeRef) *binding {
	tmpl := telemetry.Message{
		EndpointURL:    s.endpoint.URL,
		NodeID:         it.cfg.OriginalID,
		ApplicationURI: s.applicationURI,
		DisplayName:    it.displayName,
	}
	if it.cfg.Node.Form() == opcpublisher.FormURI {
		tmpl.ExpandedNodeID = it.cfg.Node.String()
	} else if uri, ok := s.namespaces.URI(resolved.Namespace()); ok {
		tmpl.ExpandedNodeID = opcpublisher.NewURIRef(uri, resolved.Identifier()).String()
	}

	skipFirst := it.cfg.SkipFirst || s.opts.skipFirst
	return &binding{
		template:  tmpl,
		heartbeat: it.cfg.HeartbeatInterval,
		skipFirst: skipFirst,
		publisher: s.shared.publisher,
		metrics:   s.shared.metrics,
		opts:      s.opts,
	}
}

// dispatch routes a notification to the binding of its client handle.
func (s *Session) dispatch(n Notification) {
	v, ok := s.handles.Load(n.ClientHandle)
	if !ok {
		return
	}
	v.(*binding).deliver(n)
}

// removeItems deletes the items tagged for removal, on the server when
// connected and from the configuration in any case.
func (s *Session) removeItems(ctx context.Context) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock()

	removed := 0
	for _, sub := range s.subscriptions {
		var ids []uint32
		kept := sub.items[:0]
		for _, it := range sub.items {
			if it.state != ItemRemovalRequested {
				kept = append(kept, it)
				continue
			}
			if it.monitoredID != 0 {
				ids = append(ids, it.monitoredID)
			}
			if it.clientHandle != 0 {
				s.handles.Delete(it.clientHandle)
			}
			it.detach()
			removed++
			s.logger.Debug("node removed", "node", it.cfg.OriginalID)
		}
		for i := len(kept); i < len(sub.items); i++ {
			sub.items[i] = nil
		}
		sub.items = kept

		if len(ids) > 0 && sub.handle != nil && s.state == opcpublisher.StateConnected {
			opCtx, cancel := s.opContext(ctx)
			err := sub.handle.Unmonitor(opCtx, ids...)
			cancel()
			if err != nil {
				s.logger.Warn("failed to delete monitored items",
					"count", len(ids),
					"error", err,
				)
			}
		}
	}

	if removed > 0 {
		s.shared.bumpVersion()
		s.logger.Info("removed tagged nodes", "count", removed)
	}
	return removed > 0, nil
}

// removeEmptySubscriptions deletes subscriptions without items.
func (s *Session) removeEmptySubscriptions(ctx context.Context) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock()

	kept := s.subscriptions[:0]
	removed := 0
	for _, sub := range s.subscriptions {
		if len(sub.items) > 0 {
			kept = append(kept, sub)
			continue
		}
		if sub.handle != nil && s.state == opcpublisher.StateConnected {
			opCtx, cancel := s.opContext(ctx)
			if err := sub.handle.Cancel(opCtx); err != nil {
				s.logger.Debug("failed to delete subscription", "error", err)
			}
			cancel()
		}
		removed++
	}
	for i := len(kept); i < len(s.subscriptions); i++ {
		s.subscriptions[i] = nil
	}
	s.subscriptions = kept

	if removed > 0 {
		s.shared.bumpVersion()
	}
	return removed > 0, nil
}

// isEmptyLocked reports whether the session has no subscriptions left.
func (s *Session) isEmptyLocked() bool {
	return len(s.subscriptions) == 0
}
