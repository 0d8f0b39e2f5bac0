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

package transport

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/edgeo-scada/opcpublisher/hub"
)

// LogSender writes every hub message as one line. It is used when no hub
// is configured.
type LogSender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogSender creates a sender writing to w, or to stdout if w is nil.
func NewLogSender(w io.Writer) *LogSender {
	if w == nil {
		w = os.Stdout
	}
	return &LogSender{w: w}
}

// Send writes the message body followed by a newline. Compressed bodies
// are written as they are.
func (s *LogSender) Send(_ context.Context, env *hub.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(env.Body); err != nil {
		return err
	}
	_, err := s.w.Write([]byte{'\n'})
	return err
}

func (s *LogSender) Close() error {
	return nil
}
