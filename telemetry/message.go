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

// Package telemetry turns data change notifications into the JSON records
// sent to the hub.
package telemetry

import (
	"encoding/json"
	"time"
)

// TimestampLayout is the source timestamp format written to records.
const TimestampLayout = "2006-01-02T15:04:05.0000000Z07:00"

// Message is one data change notification on its way to the hub.
//
// The notification callback fills every field it knows; the Shaper clears
// the ones the endpoint's telemetry configuration does not publish.
type Message struct {
	EndpointURL    string
	NodeID         string
	ExpandedNodeID string
	ApplicationURI string
	DisplayName    string

	// Value is the encoded value. When PreserveValueQuotes is set the value
	// is a string and is written quoted, otherwise it is a bare JSON literal.
	Value               string
	PreserveValueQuotes bool
	HasValue            bool

	SourceTimestamp string
	StatusCode      *uint32
	Status          string

	// Shaped is set once field selection and patterns were applied.
	Shaped bool
}

// EncodeValue converts a decoded variant value into the Value and
// PreserveValueQuotes fields.
func (m *Message) EncodeValue(v interface{}) error {
	if v == nil {
		m.Value, m.HasValue, m.PreserveValueQuotes = "", false, false
		return nil
	}
	switch t := v.(type) {
	case string:
		m.Value = t
		m.PreserveValueQuotes = true
	case time.Time:
		m.Value = t.UTC().Format(TimestampLayout)
		m.PreserveValueQuotes = true
	case []byte:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		m.Value = string(b[1 : len(b)-1])
		m.PreserveValueQuotes = true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if len(b) >= 2 && b[0] == '"' {
			var s string
			if err := json.Unmarshal(b, &s); err != nil {
				return err
			}
			m.Value = s
			m.PreserveValueQuotes = true
		} else {
			m.Value = string(b)
			m.PreserveValueQuotes = false
		}
	}
	m.HasValue = true
	return nil
}

// SetSourceTimestamp formats ts into the record timestamp layout.
func (m *Message) SetSourceTimestamp(ts time.Time) {
	if ts.IsZero() {
		m.SourceTimestamp = ""
		return
	}
	m.SourceTimestamp = ts.UTC().Format(TimestampLayout)
}

// AdvanceSourceTimestamp moves the source timestamp forward by d. Messages
// without a parseable timestamp are left unchanged.
func (m *Message) AdvanceSourceTimestamp(d time.Duration) {
	ts, err := time.Parse(TimestampLayout, m.SourceTimestamp)
	if err != nil {
		return
	}
	m.SourceTimestamp = ts.Add(d).UTC().Format(TimestampLayout)
}

// Clone returns a copy that does not share the status code pointer.
func (m Message) Clone() Message {
	if m.StatusCode != nil {
		sc := *m.StatusCode
		m.StatusCode = &sc
	}
	return m
}
