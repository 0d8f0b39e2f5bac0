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

package opcpublisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeRef(t *testing.T) {
	tests := []struct {
		in   string
		want string
		form NodeRefForm
	}{
		{"i=85", "i=85", FormIndex},
		{"ns=2;s=Line1.Temperature", "ns=2;s=Line1.Temperature", FormIndex},
		{"ns=0;i=2258", "i=2258", FormIndex},
		{"nsu=urn:plc1;s=Motor.Speed", "nsu=urn:plc1;s=Motor.Speed", FormURI},
		{"ns=3;g=5fd8e2b0-1c6a-4c3e-9f5e-0a6a1e3f9c11", "ns=3;g=5FD8E2B0-1C6A-4C3E-9F5E-0A6A1E3F9C11", FormIndex},
		{"ns=4;b=AQID", "ns=4;b=AQID", FormIndex},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := ParseNodeRef(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ref.String())
			assert.Equal(t, tt.form, ref.Form())
		})
	}
}

func TestParseNodeRefRejects(t *testing.T) {
	for _, in := range []string{"", "ns=2", "ns=x;i=1", "i=abc", "s=", "x=1", "ns=2;nsu=urn:a;i=1", "nsu=;i=1"} {
		_, err := ParseNodeRef(in)
		assert.ErrorIs(t, err, ErrInvalidNodeID, in)
	}
}

func TestNodeRefResolveAndMatch(t *testing.T) {
	table := NamespaceTable{"http://opcfoundation.org/UA/", "urn:plc1", "urn:plc1:data"}

	byURI, err := ParseNodeRef("nsu=URN:PLC1:DATA;s=Tag")
	require.NoError(t, err)
	byIndex, err := ParseNodeRef("ns=2;s=Tag")
	require.NoError(t, err)

	resolved, err := byURI.Resolve(table)
	require.NoError(t, err)
	assert.Equal(t, byIndex, resolved)

	assert.True(t, byIndex.Matches(byURI, table))
	assert.True(t, byURI.Matches(byIndex, table))
	assert.False(t, byIndex.Matches(byURI, table[:2]))

	unknown := NewURIRef("urn:other", byURI.Identifier())
	_, err = unknown.Resolve(table)
	assert.ErrorIs(t, err, ErrNamespaceUnknown)
}

func TestEndpointKeyIgnoresCase(t *testing.T) {
	a := Endpoint{URL: "opc.tcp://PLC1:4840"}
	b := Endpoint{URL: "OPC.TCP://plc1:4840", UseSecurity: true}
	assert.Equal(t, a.Key(), b.Key())
}

func TestParseAuthMode(t *testing.T) {
	m, err := ParseAuthMode("")
	require.NoError(t, err)
	assert.Equal(t, AuthAnonymous, m)

	m, err = ParseAuthMode("usernamePassword")
	require.NoError(t, err)
	assert.Equal(t, AuthUsernamePassword, m)
	assert.Equal(t, "UsernamePassword", m.String())

	_, err = ParseAuthMode("certificate")
	assert.Error(t, err)
}
