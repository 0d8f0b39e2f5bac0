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
	"bytes"
	"encoding/json"
	"strconv"
)

// Shaper applies the per-endpoint telemetry configuration to messages and
// encodes them as JSON records. A Shaper is safe for concurrent use.
type Shaper struct {
	cfg        *Config
	iotCentral bool
	site       string
}

// ShaperOption configures a Shaper.
type ShaperOption func(*Shaper)

// WithIoTCentral makes records plain {"<display name>": <value>} pairs.
func WithIoTCentral(enabled bool) ShaperOption {
	return func(s *Shaper) {
		s.iotCentral = enabled
	}
}

// WithPublisherSite appends ":<site>" to published application URIs.
func WithPublisherSite(site string) ShaperOption {
	return func(s *Shaper) {
		s.site = site
	}
}

// NewShaper creates a Shaper. A nil cfg uses the built-in defaults.
func NewShaper(cfg *Config, opts ...ShaperOption) *Shaper {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Shaper{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IoTCentral reports whether the shaper produces IoT Central records.
func (s *Shaper) IoTCentral() bool {
	return s.iotCentral
}

// Shape drops the fields the endpoint does not publish and applies the
// configured patterns. Shaping an already shaped message is a no-op.
func (s *Shaper) Shape(m Message) Message {
	if m.Shaped {
		return m
	}
	m.Shaped = true

	if s.iotCentral {
		if m.DisplayName == "" {
			m.DisplayName = m.NodeID
		}
		return Message{
			Shaped:              true,
			EndpointURL:         m.EndpointURL,
			DisplayName:         m.DisplayName,
			Value:               m.Value,
			HasValue:            m.HasValue,
			PreserveValueQuotes: m.PreserveValueQuotes,
		}
	}

	ec := s.cfg.ForEndpoint(m.EndpointURL)
	pick := func(f Field, v string) string {
		if !f.Publish {
			return ""
		}
		return f.Apply(v)
	}

	out := Message{Shaped: true}
	out.EndpointURL = pick(ec.EndpointURL, m.EndpointURL)
	out.NodeID = pick(ec.NodeID, m.NodeID)
	out.ExpandedNodeID = pick(ec.ExpandedNodeID, m.ExpandedNodeID)
	if ec.ApplicationURI.Publish && m.ApplicationURI != "" {
		uri := m.ApplicationURI
		if s.site != "" {
			uri += ":" + s.site
		}
		out.ApplicationURI = ec.ApplicationURI.Apply(uri)
	}
	out.DisplayName = pick(ec.DisplayName, m.DisplayName)
	if ec.Value.Publish && m.HasValue {
		out.Value = ec.Value.Apply(m.Value)
		out.HasValue = true
		out.PreserveValueQuotes = m.PreserveValueQuotes
	}
	out.SourceTimestamp = pick(ec.SourceTimestamp, m.SourceTimestamp)
	if ec.StatusCode.Publish && m.StatusCode != nil {
		sc := *m.StatusCode
		out.StatusCode = &sc
	}
	out.Status = pick(ec.Status, m.Status)
	return out
}

// Encode shapes m if needed and returns its JSON record.
func (s *Shaper) Encode(m Message) ([]byte, error) {
	m = s.Shape(m)
	var buf bytes.Buffer
	if s.iotCentral {
		buf.WriteByte('{')
		if err := writeString(&buf, m.DisplayName); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeValue(&buf, m); err != nil {
			return nil, err
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}

	ec := s.cfg.ForEndpoint(m.EndpointURL)
	w := objectWriter{buf: &buf}
	w.open()
	if m.EndpointURL != "" {
		w.stringField(ec.EndpointURL.Name, m.EndpointURL)
	}
	if m.NodeID != "" {
		w.stringField(ec.NodeID.Name, m.NodeID)
	}
	if m.ExpandedNodeID != "" {
		w.stringField(ec.ExpandedNodeID.Name, m.ExpandedNodeID)
	}

	if m.ApplicationURI != "" || m.DisplayName != "" {
		if !ec.MonitoredItemFlat {
			w.key("MonitoredItem")
			w.open()
		}
		if m.ApplicationURI != "" {
			w.stringField(ec.ApplicationURI.Name, m.ApplicationURI)
		}
		if m.DisplayName != "" {
			w.stringField(ec.DisplayName.Name, m.DisplayName)
		}
		if !ec.MonitoredItemFlat {
			w.close()
		}
	}

	if m.HasValue || m.SourceTimestamp != "" || m.StatusCode != nil || m.Status != "" {
		if !ec.ValueFlat {
			w.key("Value")
			w.open()
		}
		if m.HasValue {
			w.key(ec.Value.Name)
			if w.err == nil {
				w.err = writeValue(&buf, m)
			}
		}
		if m.SourceTimestamp != "" {
			w.stringField(ec.SourceTimestamp.Name, m.SourceTimestamp)
		}
		if m.StatusCode != nil {
			w.key(ec.StatusCode.Name)
			buf.WriteString(strconv.FormatUint(uint64(*m.StatusCode), 10))
		}
		if m.Status != "" {
			w.stringField(ec.Status.Name, m.Status)
		}
		if !ec.ValueFlat {
			w.close()
		}
	}
	w.close()
	if w.err != nil {
		return nil, w.err
	}
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// writeValue writes the value quoted or raw. A raw value that a pattern
// turned into invalid JSON is written quoted instead.
func writeValue(buf *bytes.Buffer, m Message) error {
	if m.PreserveValueQuotes || !json.Valid([]byte(m.Value)) {
		return writeString(buf, m.Value)
	}
	buf.WriteString(m.Value)
	return nil
}

// objectWriter writes JSON objects with caller-controlled key order.
type objectWriter struct {
	buf   *bytes.Buffer
	first []bool
	err   error
}

func (w *objectWriter) open() {
	w.buf.WriteByte('{')
	w.first = append(w.first, true)
}

func (w *objectWriter) close() {
	w.buf.WriteByte('}')
	w.first = w.first[:len(w.first)-1]
	if len(w.first) > 0 {
		w.first[len(w.first)-1] = false
	}
}

func (w *objectWriter) key(k string) {
	top := len(w.first) - 1
	if !w.first[top] {
		w.buf.WriteByte(',')
	}
	w.first[top] = false
	if err := writeString(w.buf, k); err != nil && w.err == nil {
		w.err = err
	}
	w.buf.WriteByte(':')
}

func (w *objectWriter) stringField(k, v string) {
	w.key(k)
	if err := writeString(w.buf, v); err != nil && w.err == nil {
		w.err = err
	}
}
