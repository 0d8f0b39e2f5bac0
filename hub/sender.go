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

package hub

import "context"

// Content metadata attached to every send.
const (
	ContentType     = "application/opcua+uajson"
	ContentEncoding = "UTF-8"
)

// Envelope is one message handed to a Sender.
type Envelope struct {
	ID              string
	Body            []byte
	ContentType     string
	ContentEncoding string
	// Compression names the codec applied to Body, empty when uncompressed.
	Compression string
	// Records is the number of telemetry records in Body.
	Records int
}

// Sender delivers envelopes to the cloud endpoint.
type Sender interface {
	Send(ctx context.Context, env *Envelope) error
	Close() error
}
