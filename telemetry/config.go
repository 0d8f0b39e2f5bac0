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

package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/opcpublisher"
)

// FieldSettings configures one telemetry field. Nil members inherit.
type FieldSettings struct {
	Publish *bool   `json:"Publish,omitempty" yaml:"Publish,omitempty"`
	Name    *string `json:"Name,omitempty" yaml:"Name,omitempty"`
	Pattern *string `json:"Pattern,omitempty" yaml:"Pattern,omitempty"`
}

// MonitoredItemSettings groups the monitored item fields.
type MonitoredItemSettings struct {
	Flat           *bool          `json:"Flat,omitempty" yaml:"Flat,omitempty"`
	ApplicationURI *FieldSettings `json:"ApplicationUri,omitempty" yaml:"ApplicationUri,omitempty"`
	DisplayName    *FieldSettings `json:"DisplayName,omitempty" yaml:"DisplayName,omitempty"`
}

// ValueSettings groups the data value fields.
type ValueSettings struct {
	Flat            *bool          `json:"Flat,omitempty" yaml:"Flat,omitempty"`
	Value           *FieldSettings `json:"Value,omitempty" yaml:"Value,omitempty"`
	SourceTimestamp *FieldSettings `json:"SourceTimestamp,omitempty" yaml:"SourceTimestamp,omitempty"`
	StatusCode      *FieldSettings `json:"StatusCode,omitempty" yaml:"StatusCode,omitempty"`
	Status          *FieldSettings `json:"Status,omitempty" yaml:"Status,omitempty"`
}

// EndpointSettings is either the defaults block or an endpoint specific block.
type EndpointSettings struct {
	ForEndpointURL string                 `json:"ForEndpointUrl,omitempty" yaml:"ForEndpointUrl,omitempty"`
	EndpointURL    *FieldSettings         `json:"EndpointUrl,omitempty" yaml:"EndpointUrl,omitempty"`
	NodeID         *FieldSettings         `json:"NodeId,omitempty" yaml:"NodeId,omitempty"`
	ExpandedNodeID *FieldSettings         `json:"ExpandedNodeId,omitempty" yaml:"ExpandedNodeId,omitempty"`
	MonitoredItem  *MonitoredItemSettings `json:"MonitoredItem,omitempty" yaml:"MonitoredItem,omitempty"`
	Value          *ValueSettings         `json:"Value,omitempty" yaml:"Value,omitempty"`
}

// File is the telemetry configuration file layout.
type File struct {
	Defaults         *EndpointSettings  `json:"Defaults,omitempty" yaml:"Defaults,omitempty"`
	EndpointSpecific []EndpointSettings `json:"EndpointSpecific,omitempty" yaml:"EndpointSpecific,omitempty"`
}

// Field is a resolved field setting.
type Field struct {
	Publish bool
	Name    string
	Pattern *regexp.Regexp
}

// Apply runs the field pattern over v. On a match the result is the
// concatenation of all capture groups; otherwise v is returned unchanged.
func (f Field) Apply(v string) string {
	if f.Pattern == nil || v == "" {
		return v
	}
	m := f.Pattern.FindStringSubmatch(v)
	if m == nil {
		return v
	}
	var b strings.Builder
	for _, g := range m[1:] {
		b.WriteString(g)
	}
	return b.String()
}

// EndpointConfig is the fully resolved configuration for one endpoint.
type EndpointConfig struct {
	EndpointURL       Field
	NodeID            Field
	ExpandedNodeID    Field
	MonitoredItemFlat bool
	ApplicationURI    Field
	DisplayName       Field
	ValueFlat         bool
	Value             Field
	SourceTimestamp   Field
	StatusCode        Field
	Status            Field
}

// Config resolves telemetry settings per endpoint.
type Config struct {
	defaults  EndpointConfig
	endpoints map[string]EndpointConfig
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }

func field(publish bool, name string) *FieldSettings {
	return &FieldSettings{Publish: boolPtr(publish), Name: strPtr(name)}
}

// DefaultSettings returns the built-in defaults block.
func DefaultSettings() EndpointSettings {
	return EndpointSettings{
		EndpointURL:    field(false, "EndpointUrl"),
		NodeID:         field(true, "NodeId"),
		ExpandedNodeID: field(false, "ExpandedNodeId"),
		MonitoredItem: &MonitoredItemSettings{
			Flat:           boolPtr(true),
			ApplicationURI: field(true, "ApplicationUri"),
			DisplayName:    field(true, "DisplayName"),
		},
		Value: &ValueSettings{
			Flat:            boolPtr(true),
			Value:           field(true, "Value"),
			SourceTimestamp: field(true, "SourceTimestamp"),
			StatusCode:      field(false, "StatusCode"),
			Status:          field(false, "Status"),
		},
	}
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	c, err := NewConfig(File{})
	if err != nil {
		// Built-in defaults carry no patterns and cannot fail.
		panic(err)
	}
	return c
}

// LoadConfig reads a telemetry configuration file. JSON files may contain
// comments; files ending in .yaml or .yml are parsed as YAML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: read %s: %w", path, err)
	}
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: telemetry: parse %s: %v", opcpublisher.ErrInvalidConfig, path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
			return nil, fmt.Errorf("%w: telemetry: parse %s: %v", opcpublisher.ErrInvalidConfig, path, err)
		}
	}
	return NewConfig(f)
}

// NewConfig validates f and resolves every endpoint block against the defaults.
func NewConfig(f File) (*Config, error) {
	base := DefaultSettings()
	if f.Defaults != nil {
		if f.Defaults.ForEndpointURL != "" {
			return nil, fmt.Errorf("%w: telemetry: defaults may not name an endpoint", opcpublisher.ErrInvalidConfig)
		}
		merge(&base, f.Defaults, true)
	}
	defaults, err := resolve(base)
	if err != nil {
		return nil, err
	}

	c := &Config{defaults: defaults, endpoints: make(map[string]EndpointConfig)}
	for i := range f.EndpointSpecific {
		es := &f.EndpointSpecific[i]
		if es.ForEndpointURL == "" {
			return nil, fmt.Errorf("%w: telemetry: endpoint specific block %d has no ForEndpointUrl", opcpublisher.ErrInvalidConfig, i)
		}
		if err := checkEndpointBlock(es); err != nil {
			return nil, err
		}
		key := strings.ToLower(es.ForEndpointURL)
		if _, dup := c.endpoints[key]; dup {
			return nil, fmt.Errorf("%w: telemetry: duplicate configuration for endpoint %s", opcpublisher.ErrInvalidConfig, es.ForEndpointURL)
		}
		settings := base
		merge(&settings, es, false)
		resolved, err := resolve(settings)
		if err != nil {
			return nil, err
		}
		c.endpoints[key] = resolved
	}
	return c, nil
}

// ForEndpoint returns the configuration for url, falling back to the defaults.
func (c *Config) ForEndpoint(url string) EndpointConfig {
	if ec, ok := c.endpoints[strings.ToLower(url)]; ok {
		return ec
	}
	return c.defaults
}

func checkEndpointBlock(es *EndpointSettings) error {
	bad := func(what string) error {
		return fmt.Errorf("%w: telemetry: endpoint %s may not set %s", opcpublisher.ErrInvalidConfig, es.ForEndpointURL, what)
	}
	named := func(fs *FieldSettings) bool { return fs != nil && fs.Name != nil }
	if named(es.EndpointURL) || named(es.NodeID) || named(es.ExpandedNodeID) {
		return bad("Name")
	}
	if mi := es.MonitoredItem; mi != nil {
		if mi.Flat != nil {
			return bad("Flat")
		}
		if named(mi.ApplicationURI) || named(mi.DisplayName) {
			return bad("Name")
		}
	}
	if v := es.Value; v != nil {
		if v.Flat != nil {
			return bad("Flat")
		}
		if named(v.Value) || named(v.SourceTimestamp) || named(v.StatusCode) || named(v.Status) {
			return bad("Name")
		}
	}
	return nil
}

func mergeField(dst **FieldSettings, src *FieldSettings, allowName bool) {
	if src == nil {
		return
	}
	merged := **dst
	if src.Publish != nil {
		merged.Publish = src.Publish
	}
	if src.Pattern != nil {
		merged.Pattern = src.Pattern
	}
	if allowName && src.Name != nil {
		merged.Name = src.Name
	}
	*dst = &merged
}

func merge(dst *EndpointSettings, src *EndpointSettings, defaults bool) {
	mergeField(&dst.EndpointURL, src.EndpointURL, defaults)
	mergeField(&dst.NodeID, src.NodeID, defaults)
	mergeField(&dst.ExpandedNodeID, src.ExpandedNodeID, defaults)
	if mi := src.MonitoredItem; mi != nil {
		m := *dst.MonitoredItem
		if defaults && mi.Flat != nil {
			m.Flat = mi.Flat
		}
		mergeField(&m.ApplicationURI, mi.ApplicationURI, defaults)
		mergeField(&m.DisplayName, mi.DisplayName, defaults)
		dst.MonitoredItem = &m
	}
	if v := src.Value; v != nil {
		m := *dst.Value
		if defaults && v.Flat != nil {
			m.Flat = v.Flat
		}
		mergeField(&m.Value, v.Value, defaults)
		mergeField(&m.SourceTimestamp, v.SourceTimestamp, defaults)
		mergeField(&m.StatusCode, v.StatusCode, defaults)
		mergeField(&m.Status, v.Status, defaults)
		dst.Value = &m
	}
}

func resolveField(fs *FieldSettings) (Field, error) {
	f := Field{Publish: *fs.Publish, Name: *fs.Name}
	if f.Name == "" {
		return Field{}, fmt.Errorf("%w: telemetry: empty field name", opcpublisher.ErrInvalidConfig)
	}
	if fs.Pattern != nil && *fs.Pattern != "" {
		re, err := regexp.Compile(*fs.Pattern)
		if err != nil {
			return Field{}, fmt.Errorf("%w: telemetry: pattern %q for %s: %v", opcpublisher.ErrInvalidConfig, *fs.Pattern, f.Name, err)
		}
		f.Pattern = re
	}
	return f, nil
}

func resolve(s EndpointSettings) (EndpointConfig, error) {
	var ec EndpointConfig
	targets := []struct {
		dst *Field
		src *FieldSettings
	}{
		{&ec.EndpointURL, s.EndpointURL},
		{&ec.NodeID, s.NodeID},
		{&ec.ExpandedNodeID, s.ExpandedNodeID},
		{&ec.ApplicationURI, s.MonitoredItem.ApplicationURI},
		{&ec.DisplayName, s.MonitoredItem.DisplayName},
		{&ec.Value, s.Value.Value},
		{&ec.SourceTimestamp, s.Value.SourceTimestamp},
		{&ec.StatusCode, s.Value.StatusCode},
		{&ec.Status, s.Value.Status},
	}
	for _, t := range targets {
		f, err := resolveField(t.src)
		if err != nil {
			return EndpointConfig{}, err
		}
		*t.dst = f
	}
	ec.MonitoredItemFlat = *s.MonitoredItem.Flat
	ec.ValueFlat = *s.Value.Flat
	return ec, nil
}
