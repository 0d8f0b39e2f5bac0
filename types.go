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

// Package opcpublisher holds the types shared by the session engine, the
// telemetry pipeline and the management surface of the OPC UA publisher.
package opcpublisher

import (
	"fmt"
	"strconv"
	"strings"
)

// IdentifierType represents the type of a node identifier.
type IdentifierType uint8

// Identifier types.
const (
	IdentifierNumeric IdentifierType = iota
	IdentifierString
	IdentifierGUID
	IdentifierOpaque
)

// Prefix returns the textual prefix used in node id strings ("i", "s", "g", "b").
func (t IdentifierType) Prefix() string {
	switch t {
	case IdentifierNumeric:
		return "i"
	case IdentifierString:
		return "s"
	case IdentifierGUID:
		return "g"
	case IdentifierOpaque:
		return "b"
	default:
		return "?"
	}
}

// Identifier is the namespace-relative part of a node id.
type Identifier struct {
	Type    IdentifierType
	Numeric uint32
	// Text holds the string, GUID or base64 opaque value.
	Text string
}

// String returns the identifier in "i=42" / "s=Name" form.
func (id Identifier) String() string {
	if id.Type == IdentifierNumeric {
		return "i=" + strconv.FormatUint(uint64(id.Numeric), 10)
	}
	return id.Type.Prefix() + "=" + id.Text
}

func (id Identifier) value() string {
	if id.Type == IdentifierNumeric {
		return strconv.FormatUint(uint64(id.Numeric), 10)
	}
	return id.Text
}

// NodeRefForm distinguishes the two ways a node can be addressed.
type NodeRefForm uint8

const (
	// FormIndex addresses the namespace by its numeric index ("ns=2;s=Tag").
	FormIndex NodeRefForm = iota
	// FormURI addresses the namespace by its URI ("nsu=http://x/;s=Tag").
	FormURI
)

// NodeRef identifies a node either by namespace index or by namespace URI.
// The zero value is "i=0" in namespace 0.
type NodeRef struct {
	form      NodeRefForm
	namespace uint16
	uri       string
	id        Identifier
}

// NewIndexRef creates a namespace-index node reference.
func NewIndexRef(namespace uint16, id Identifier) NodeRef {
	return NodeRef{form: FormIndex, namespace: namespace, id: id}
}

// NewURIRef creates a namespace-URI node reference.
func NewURIRef(uri string, id Identifier) NodeRef {
	return NodeRef{form: FormURI, uri: uri, id: id}
}

// Form returns the addressing form of the reference.
func (n NodeRef) Form() NodeRefForm { return n.form }

// Namespace returns the namespace index. Only meaningful for FormIndex.
func (n NodeRef) Namespace() uint16 { return n.namespace }

// NamespaceURI returns the namespace URI. Only meaningful for FormURI.
func (n NodeRef) NamespaceURI() string { return n.uri }

// Identifier returns the namespace-relative identifier.
func (n NodeRef) Identifier() Identifier { return n.id }

// String formats the reference the way it is parsed by ParseNodeRef.
func (n NodeRef) String() string {
	if n.form == FormURI {
		return "nsu=" + n.uri + ";" + n.id.String()
	}
	if n.namespace == 0 {
		return n.id.String()
	}
	return "ns=" + strconv.FormatUint(uint64(n.namespace), 10) + ";" + n.id.String()
}

// ParseNodeRef parses "i=85", "ns=2;s=Tag", "nsu=http://x/;i=7" and the
// g= / b= identifier forms. Any string containing "nsu=" is taken as URI form.
func ParseNodeRef(s string) (NodeRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NodeRef{}, fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}

	ref := NodeRef{form: FormIndex}
	rest := s
	switch {
	case strings.HasPrefix(rest, "nsu="):
		sep := strings.LastIndex(rest, ";")
		if sep < 0 {
			return NodeRef{}, fmt.Errorf("%w: %q has no identifier", ErrInvalidNodeID, s)
		}
		ref.form = FormURI
		ref.uri = rest[len("nsu="):sep]
		if ref.uri == "" {
			return NodeRef{}, fmt.Errorf("%w: %q has an empty namespace uri", ErrInvalidNodeID, s)
		}
		rest = rest[sep+1:]
	case strings.HasPrefix(rest, "ns="):
		sep := strings.Index(rest, ";")
		if sep < 0 {
			return NodeRef{}, fmt.Errorf("%w: %q has no identifier", ErrInvalidNodeID, s)
		}
		ns, err := strconv.ParseUint(rest[len("ns="):sep], 10, 16)
		if err != nil {
			return NodeRef{}, fmt.Errorf("%w: %q: bad namespace index", ErrInvalidNodeID, s)
		}
		ref.namespace = uint16(ns)
		rest = rest[sep+1:]
	case strings.Contains(rest, "nsu="):
		return NodeRef{}, fmt.Errorf("%w: %q: nsu= must lead", ErrInvalidNodeID, s)
	}

	id, err := parseIdentifier(rest)
	if err != nil {
		return NodeRef{}, fmt.Errorf("%w: %q: %v", ErrInvalidNodeID, s, err)
	}
	ref.id = id
	return ref, nil
}

func parseIdentifier(s string) (Identifier, error) {
	if len(s) < 2 || s[1] != '=' {
		return Identifier{}, fmt.Errorf("missing identifier type")
	}
	val := s[2:]
	switch s[0] {
	case 'i':
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return Identifier{}, fmt.Errorf("bad numeric identifier")
		}
		return Identifier{Type: IdentifierNumeric, Numeric: uint32(n)}, nil
	case 's':
		if val == "" {
			return Identifier{}, fmt.Errorf("empty string identifier")
		}
		return Identifier{Type: IdentifierString, Text: val}, nil
	case 'g':
		if len(val) != 36 {
			return Identifier{}, fmt.Errorf("bad guid identifier")
		}
		return Identifier{Type: IdentifierGUID, Text: strings.ToUpper(val)}, nil
	case 'b':
		if val == "" {
			return Identifier{}, fmt.Errorf("empty opaque identifier")
		}
		return Identifier{Type: IdentifierOpaque, Text: val}, nil
	default:
		return Identifier{}, fmt.Errorf("unknown identifier type %q", s[0])
	}
}

// NamespaceTable is the server's namespace array; index 0 is the OPC UA namespace.
type NamespaceTable []string

// Index returns the index of uri (case-insensitive) or -1.
func (t NamespaceTable) Index(uri string) int {
	for i, u := range t {
		if strings.EqualFold(u, uri) {
			return i
		}
	}
	return -1
}

// URI returns the namespace URI at index.
func (t NamespaceTable) URI(index uint16) (string, bool) {
	if int(index) >= len(t) {
		return "", false
	}
	return t[index], true
}

// Resolve translates the reference into index form using table.
func (n NodeRef) Resolve(table NamespaceTable) (NodeRef, error) {
	if n.form == FormIndex {
		return n, nil
	}
	idx := table.Index(n.uri)
	if idx < 0 {
		return NodeRef{}, fmt.Errorf("%w: namespace %q not in server table", ErrNamespaceUnknown, n.uri)
	}
	return NewIndexRef(uint16(idx), n.id), nil
}

// Matches reports whether n and other address the same node. References
// in different forms are compared after translating through table.
func (n NodeRef) Matches(other NodeRef, table NamespaceTable) bool {
	switch {
	case n.form == FormIndex && other.form == FormIndex:
		return n.namespace == other.namespace && n.id == other.id
	case n.form == FormURI && other.form == FormURI:
		return strings.EqualFold(n.uri, other.uri) && strings.EqualFold(n.id.String(), other.id.String())
	case n.form == FormURI:
		return other.Matches(n, table)
	}

	// n is index form, other is URI form.
	uri, ok := table.URI(n.namespace)
	if !ok || !strings.EqualFold(uri, other.uri) {
		return false
	}
	return n.id.Type == other.id.Type && strings.EqualFold(n.id.value(), other.id.value())
}

// ConnectionState represents the state of a session connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// AuthMode selects how a session authenticates against the server.
type AuthMode int

const (
	AuthAnonymous AuthMode = iota
	AuthUsernamePassword
)

// String returns the configuration name of the mode.
func (m AuthMode) String() string {
	if m == AuthUsernamePassword {
		return "UsernamePassword"
	}
	return "Anonymous"
}

// ParseAuthMode parses "Anonymous" or "UsernamePassword" (case-insensitive).
func ParseAuthMode(s string) (AuthMode, error) {
	switch strings.ToLower(s) {
	case "", "anonymous":
		return AuthAnonymous, nil
	case "usernamepassword":
		return AuthUsernamePassword, nil
	default:
		return AuthAnonymous, fmt.Errorf("opcpublisher: unknown authentication mode %q", s)
	}
}

// Credential carries the user identity for AuthUsernamePassword sessions.
type Credential struct {
	Username string
	Password string
}

// Endpoint identifies one OPC UA server connection.
type Endpoint struct {
	URL         string
	UseSecurity bool
}

// Key returns the registry key; endpoint URLs compare case-insensitively.
func (e Endpoint) Key() string {
	return strings.ToLower(e.URL)
}
