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
	"time"

	"github.com/edgeo-scada/opcpublisher"
)

// ItemState is the monitoring state of an Item.
type ItemState int

const (
	// ItemUnmonitored items wait for the next reconciliation to be attached.
	ItemUnmonitored ItemState = iota
	// ItemNamespaceUpdatePending items were configured with a namespace URI
	// and wait for a live session to map it to an index.
	ItemNamespaceUpdatePending
	// ItemMonitored items have a live monitored item on the server.
	ItemMonitored
	// ItemRemovalRequested items are detached and deleted by the next
	// reconciliation.
	ItemRemovalRequested
)

func (s ItemState) String() string {
	switch s {
	case ItemUnmonitored:
		return "Unmonitored"
	case ItemNamespaceUpdatePending:
		return "NamespaceUpdatePending"
	case ItemMonitored:
		return "Monitored"
	case ItemRemovalRequested:
		return "RemovalRequested"
	default:
		return "Unknown"
	}
}

// ItemConfig is the desired configuration of one monitored node.
type ItemConfig struct {
	Node opcpublisher.NodeRef
	// OriginalID is the node id exactly as the caller supplied it.
	OriginalID         string
	DisplayName        string
	SamplingInterval   time.Duration
	PublishingInterval time.Duration
	HeartbeatInterval  time.Duration
	SkipFirst          bool
	QueueSize          uint32
	DiscardOldest      bool
}

// ItemInfo is a snapshot of an Item.
type ItemInfo struct {
	ItemConfig
	State           ItemState
	RevisedInterval time.Duration
}

// Item is one monitored node. It is owned by exactly one Subscription and
// only accessed under the owning Session's lock.
type Item struct {
	cfg         ItemConfig
	state       ItemState
	displayName string

	clientHandle uint32
	monitoredID  uint32
	binding      *binding
}

func newItem(cfg ItemConfig) *Item {
	it := &Item{
		cfg:         cfg,
		state:       ItemUnmonitored,
		displayName: cfg.DisplayName,
	}
	if cfg.Node.Form() == opcpublisher.FormURI {
		it.state = ItemNamespaceUpdatePending
	}
	return it
}

// isMonitoring reports whether the item watches node. Items tagged for
// removal never match.
func (it *Item) isMonitoring(node opcpublisher.NodeRef, table opcpublisher.NamespaceTable) bool {
	if it.state == ItemRemovalRequested {
		return false
	}
	return it.cfg.Node.Matches(node, table)
}

// detach drops the live monitored item. Items tagged for removal keep
// their state.
func (it *Item) detach() {
	if it.binding != nil {
		it.binding.close()
		it.binding = nil
	}
	it.monitoredID = 0
	if it.state == ItemMonitored {
		it.state = ItemUnmonitored
	}
}

func (it *Item) info(sub *Subscription) ItemInfo {
	cfg := it.cfg
	if cfg.DisplayName == "" {
		cfg.DisplayName = it.displayName
	}
	return ItemInfo{
		ItemConfig:      cfg,
		State:           it.state,
		RevisedInterval: sub.revised,
	}
}
