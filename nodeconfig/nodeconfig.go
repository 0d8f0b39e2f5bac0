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

// Package nodeconfig reads and writes the published nodes file, the
// persisted form of the session registry.
package nodeconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/session"
)

// DefaultFile is the name of the published nodes file.
const DefaultFile = "publishednodes.json"

// MaxHeartbeatSeconds bounds the heartbeat interval of a node.
const MaxHeartbeatSeconds = 86400

// Entry is one endpoint of the published nodes file. Entries either list
// OpcNodes or carry a single legacy NodeId.
type Entry struct {
	EndpointURL               string    `json:"EndpointUrl"`
	UseSecurity               *bool     `json:"UseSecurity,omitempty"`
	OpcAuthenticationMode     string    `json:"OpcAuthenticationMode,omitempty"`
	OpcAuthenticationUsername string    `json:"OpcAuthenticationUsername,omitempty"`
	OpcAuthenticationPassword string    `json:"OpcAuthenticationPassword,omitempty"`
	NodeID                    *LegacyID `json:"NodeId,omitempty"`
	OpcNodes                  []Node    `json:"OpcNodes,omitempty"`
}

// LegacyID is the node of an entry in the legacy single node format.
type LegacyID struct {
	Identifier string `json:"Identifier"`
}

// Node is one published node. Intervals are in milliseconds, the
// heartbeat in seconds.
type Node struct {
	ID                    string `json:"Id,omitempty"`
	ExpandedNodeID        string `json:"ExpandedNodeId,omitempty"`
	OpcSamplingInterval   *int   `json:"OpcSamplingInterval,omitempty"`
	OpcPublishingInterval *int   `json:"OpcPublishingInterval,omitempty"`
	DisplayName           string `json:"DisplayName,omitempty"`
	HeartbeatInterval     *int   `json:"HeartbeatInterval,omitempty"`
	SkipFirst             *bool  `json:"SkipFirst,omitempty"`
}

// Identifier returns the node id the node was configured with.
func (n Node) Identifier() string {
	if n.ExpandedNodeID != "" {
		return n.ExpandedNodeID
	}
	return n.ID
}

// ItemConfig converts n into an item configuration with the registry
// defaults for everything n leaves unset.
func (n Node) ItemConfig(reg *session.Registry) (session.ItemConfig, error) {
	id := n.Identifier()
	ref, err := opcpublisher.ParseNodeRef(id)
	if err != nil {
		return session.ItemConfig{}, opcpublisher.WrapInvalid(err, "nodeconfig", "ItemConfig")
	}

	cfg := reg.NewItemConfig(ref, id)
	if n.OpcSamplingInterval != nil {
		if *n.OpcSamplingInterval < 0 {
			return cfg, invalid("node %s: negative sampling interval", id)
		}
		cfg.SamplingInterval = time.Duration(*n.OpcSamplingInterval) * time.Millisecond
	}
	if n.OpcPublishingInterval != nil {
		if *n.OpcPublishingInterval < 0 {
			return cfg, invalid("node %s: negative publishing interval", id)
		}
		cfg.PublishingInterval = time.Duration(*n.OpcPublishingInterval) * time.Millisecond
	}
	if n.HeartbeatInterval != nil {
		hb := *n.HeartbeatInterval
		if hb < 0 || hb > MaxHeartbeatSeconds {
			return cfg, invalid("node %s: heartbeat interval %d outside 0..%d seconds", id, hb, MaxHeartbeatSeconds)
		}
		cfg.HeartbeatInterval = time.Duration(hb) * time.Second
	}
	if n.SkipFirst != nil {
		cfg.SkipFirst = *n.SkipFirst
	}
	cfg.DisplayName = n.DisplayName
	return cfg, nil
}

// FromItem is the inverse of ItemConfig.
func FromItem(info session.ItemInfo) Node {
	n := Node{
		OpcSamplingInterval:   millis(info.SamplingInterval),
		OpcPublishingInterval: millis(info.PublishingInterval),
		DisplayName:           info.ItemConfig.DisplayName,
	}
	if info.Node.Form() == opcpublisher.FormURI {
		n.ExpandedNodeID = info.OriginalID
	} else {
		n.ID = info.OriginalID
	}
	if info.HeartbeatInterval > 0 {
		hb := int(info.HeartbeatInterval / time.Second)
		n.HeartbeatInterval = &hb
	}
	if info.SkipFirst {
		skip := true
		n.SkipFirst = &skip
	}
	return n
}

func millis(d time.Duration) *int {
	ms := int(d / time.Millisecond)
	return &ms
}

// Endpoint returns the endpoint of the entry. UseSecurity defaults to true.
func (e Entry) Endpoint() (opcpublisher.Endpoint, error) {
	if e.EndpointURL == "" {
		return opcpublisher.Endpoint{}, opcpublisher.WrapInvalid(opcpublisher.ErrInvalidEndpoint, "nodeconfig", "Endpoint")
	}
	useSecurity := true
	if e.UseSecurity != nil {
		useSecurity = *e.UseSecurity
	}
	return opcpublisher.Endpoint{URL: e.EndpointURL, UseSecurity: useSecurity}, nil
}

// Auth returns the identity of the entry, or nil when the entry does not
// name one.
func (e Entry) Auth() (*session.Auth, error) {
	if e.OpcAuthenticationMode == "" && e.OpcAuthenticationUsername == "" {
		return nil, nil
	}
	mode, err := opcpublisher.ParseAuthMode(e.OpcAuthenticationMode)
	if err != nil {
		return nil, opcpublisher.WrapInvalid(err, "nodeconfig", "Auth")
	}
	if e.OpcAuthenticationMode == "" {
		mode = opcpublisher.AuthUsernamePassword
	}
	auth := &session.Auth{Mode: mode}
	if mode == opcpublisher.AuthUsernamePassword {
		if e.OpcAuthenticationUsername == "" {
			return nil, invalid("endpoint %s: username required for %s", e.EndpointURL, mode)
		}
		auth.Credential = opcpublisher.Credential{
			Username: e.OpcAuthenticationUsername,
			Password: e.OpcAuthenticationPassword,
		}
	}
	return auth, nil
}

// Nodes returns the nodes of the entry, converting the legacy format.
func (e Entry) Nodes() []Node {
	if e.NodeID != nil {
		return []Node{{ID: e.NodeID.Identifier}}
	}
	return e.OpcNodes
}

// Read parses the published nodes file at path. Comments are allowed. A
// missing file yields no entries.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, opcpublisher.WrapFatal(err, "nodeconfig", "Read")
	}
	var entries []Entry
	if err := json.Unmarshal(jsonc.ToJSON(data), &entries); err != nil {
		return nil, fmt.Errorf("%w: nodeconfig: parse %s: %v", opcpublisher.ErrInvalidConfig, path, err)
	}
	return entries, nil
}

// Seed adds every node of entries to reg and returns how many were added.
// Entries are validated completely before the registry is touched.
func Seed(ctx context.Context, reg *session.Registry, entries []Entry) (int, error) {
	type item struct {
		endpoint opcpublisher.Endpoint
		auth     *session.Auth
		cfg      session.ItemConfig
	}

	var items []item
	for i, e := range entries {
		ep, err := e.Endpoint()
		if err != nil {
			return 0, fmt.Errorf("%w: nodeconfig: entry %d: %v", opcpublisher.ErrInvalidConfig, i, err)
		}
		auth, err := e.Auth()
		if err != nil {
			return 0, fmt.Errorf("%w: nodeconfig: entry %d: %v", opcpublisher.ErrInvalidConfig, i, err)
		}
		for _, n := range e.Nodes() {
			cfg, err := n.ItemConfig(reg)
			if err != nil {
				return 0, fmt.Errorf("%w: nodeconfig: entry %d: %v", opcpublisher.ErrInvalidConfig, i, err)
			}
			items = append(items, item{endpoint: ep, auth: auth, cfg: cfg})
		}
	}

	added := 0
	for _, it := range items {
		ok, err := reg.AddItem(ctx, it.endpoint, it.auth, it.cfg)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// FromSnapshot converts a registry snapshot into file entries.
func FromSnapshot(snap []session.EndpointConfig) []Entry {
	entries := make([]Entry, 0, len(snap))
	for _, ec := range snap {
		useSecurity := ec.Endpoint.UseSecurity
		e := Entry{
			EndpointURL: ec.Endpoint.URL,
			UseSecurity: &useSecurity,
		}
		if ec.Auth.Mode == opcpublisher.AuthUsernamePassword {
			e.OpcAuthenticationMode = ec.Auth.Mode.String()
			e.OpcAuthenticationUsername = ec.Auth.Credential.Username
			e.OpcAuthenticationPassword = ec.Auth.Credential.Password
		}
		for _, it := range ec.Items {
			e.OpcNodes = append(e.OpcNodes, FromItem(it))
		}
		entries = append(entries, e)
	}
	return entries
}

// Write replaces the file at path with entries. The file is written to a
// temporary file first and renamed into place.
func Write(path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// credentials may be in the file
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{opcpublisher.ErrInvalidConfig}, args...)...)
}
