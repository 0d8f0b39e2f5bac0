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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken(t *testing.T) {
	tok := NewToken(0xDEADBEEF, 42)
	assert.Equal(t, uint32(0xDEADBEEF), tok.Version())
	assert.Equal(t, 42, tok.Index())
	assert.Equal(t, Token(0xDEADBEEF0000002A), tok)
}

func TestFitPageHalves(t *testing.T) {
	var tried []int
	n, err := fitPage(10, 35, func(n int) ([]byte, error) {
		tried = append(tried, n)
		return []byte(strings.Repeat("x", n*10)), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{10, 5, 2}, tried)

	n, err = fitPage(3, 5, func(n int) ([]byte, error) {
		return []byte(strings.Repeat("x", n*10)), nil
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCropMessages(t *testing.T) {
	short := []string{"a", "b"}
	assert.Equal(t, short, cropMessages(short, 100))

	var msgs []string
	for i := 0; i < 100; i++ {
		msgs = append(msgs, fmt.Sprintf("'ns=2;i=%d': added", i))
	}
	out := cropMessages(msgs, 500)
	require.NotEmpty(t, out)
	assert.Equal(t, croppedNote, out[len(out)-1])
	assert.Less(t, len(out), len(msgs))
	assert.Equal(t, msgs[:len(out)-1], out[:len(out)-1])

	body, err := json.Marshal(out)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(body), 500)
}
