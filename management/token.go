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

package management

import (
	"encoding/json"
)

// Token is a continuation token: the node configuration version in the
// upper 32 bits and the index of the next entry in the lower 32 bits.
type Token uint64

// NewToken returns the token resuming at index under version.
func NewToken(version uint32, index int) Token {
	return Token(uint64(version)<<32 | uint64(uint32(index)))
}

// Version returns the node configuration version the token was issued for.
func (t Token) Version() uint32 {
	return uint32(t >> 32)
}

// Index returns the index of the first entry of the next page.
func (t Token) Index() int {
	return int(uint32(t))
}

func (t Token) ptr() *Token {
	return &t
}

// fitPage returns how many of the available entries fit into a response of
// at most max bytes. encode renders the response holding the first n
// entries. The count is halved until the response fits.
func fitPage(available, max int, encode func(n int) ([]byte, error)) (int, error) {
	n := available
	for n > 0 {
		body, err := encode(n)
		if err != nil {
			return 0, err
		}
		if len(body) <= max {
			return n, nil
		}
		n /= 2
	}
	return 0, nil
}

// cropMessages drops trailing messages until the list and the appended
// cropping note fit into max bytes.
func cropMessages(msgs []string, max int) []string {
	if body, err := json.Marshal(msgs); err == nil && len(body) <= max {
		return msgs
	}

	// quotes and separator of the note
	limit := max - len(croppedNote) - 3
	n := len(msgs) / 2
	for n > 0 {
		body, err := json.Marshal(msgs[:n])
		if err == nil && len(body) <= limit {
			break
		}
		n /= 2
	}
	out := make([]string, n, n+1)
	copy(out, msgs[:n])
	return append(out, croppedNote)
}

const croppedNote = "Results have been cropped due to package size limitations."
