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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StatusCode is an OPC UA status code as reported in data values and
// service results.
type StatusCode uint32

// StatusCode severity levels.
const (
	StatusSeverityGood      uint32 = 0x00000000
	StatusSeverityUncertain uint32 = 0x40000000
	StatusSeverityBad       uint32 = 0x80000000
	StatusSeverityMask      uint32 = 0xC0000000
)

// Status codes the publisher reacts to or reports by name.
const (
	StatusGood                        StatusCode = 0x00000000
	StatusUncertain                   StatusCode = 0x40000000
	StatusBad                         StatusCode = 0x80000000
	StatusBadUnexpectedError          StatusCode = 0x80010000
	StatusBadInternalError            StatusCode = 0x80020000
	StatusBadCommunicationError       StatusCode = 0x80050000
	StatusBadTimeout                  StatusCode = 0x800A0000
	StatusBadShutdown                 StatusCode = 0x800C0000
	StatusBadServerNotConnected       StatusCode = 0x800D0000
	StatusBadServerHalted             StatusCode = 0x800E0000
	StatusBadTooManyMonitoredItems    StatusCode = 0x80DB0000
	StatusBadUserAccessDenied         StatusCode = 0x801F0000
	StatusBadIdentityTokenRejected    StatusCode = 0x80210000
	StatusBadSecureChannelIdInvalid   StatusCode = 0x80220000
	StatusBadSessionIdInvalid         StatusCode = 0x80250000
	StatusBadSessionClosed            StatusCode = 0x80260000
	StatusBadSessionNotActivated      StatusCode = 0x80270000
	StatusBadSubscriptionIdInvalid    StatusCode = 0x80280000
	StatusBadNoCommunication          StatusCode = 0x80310000
	StatusBadWaitingForInitialData    StatusCode = 0x80320000
	StatusBadNodeIdInvalid            StatusCode = 0x80330000
	StatusBadNodeIdUnknown            StatusCode = 0x80340000
	StatusBadAttributeIdInvalid       StatusCode = 0x80350000
	StatusBadNotReadable              StatusCode = 0x803A0000
	StatusBadOutOfRange               StatusCode = 0x803C0000
	StatusBadNotSupported             StatusCode = 0x803D0000
	StatusBadMonitoredItemIdInvalid   StatusCode = 0x80420000
	StatusBadSecureChannelClosed      StatusCode = 0x80860000
	StatusBadConnectionClosed         StatusCode = 0x80AE0000
	StatusBadDeviceFailure            StatusCode = 0x808B0000
	StatusBadSensorFailure            StatusCode = 0x808C0000
	StatusBadOutOfService             StatusCode = 0x808D0000
	StatusUncertainLastUsableValue    StatusCode = 0x40900000
	StatusUncertainSensorNotAccurate  StatusCode = 0x40930000
	StatusGoodLocalOverride           StatusCode = 0x00960000
	StatusGoodOverload                StatusCode = 0x002F0000
	StatusGoodClamped                 StatusCode = 0x00300000
	StatusUncertainInitialValue       StatusCode = 0x40920000
	StatusUncertainSubstituteValue    StatusCode = 0x40910000
	StatusUncertainEngineeringUnitsEx StatusCode = 0x40940000
)

var statusCodeNames = map[StatusCode]string{
	StatusGood:                        "Good",
	StatusUncertain:                   "Uncertain",
	StatusBad:                         "Bad",
	StatusBadUnexpectedError:          "BadUnexpectedError",
	StatusBadInternalError:            "BadInternalError",
	StatusBadCommunicationError:       "BadCommunicationError",
	StatusBadTimeout:                  "BadTimeout",
	StatusBadShutdown:                 "BadShutdown",
	StatusBadServerNotConnected:       "BadServerNotConnected",
	StatusBadServerHalted:             "BadServerHalted",
	StatusBadTooManyMonitoredItems:    "BadTooManyMonitoredItems",
	StatusBadUserAccessDenied:         "BadUserAccessDenied",
	StatusBadIdentityTokenRejected:    "BadIdentityTokenRejected",
	StatusBadSecureChannelIdInvalid:   "BadSecureChannelIdInvalid",
	StatusBadSessionIdInvalid:         "BadSessionIdInvalid",
	StatusBadSessionClosed:            "BadSessionClosed",
	StatusBadSessionNotActivated:      "BadSessionNotActivated",
	StatusBadSubscriptionIdInvalid:    "BadSubscriptionIdInvalid",
	StatusBadNoCommunication:          "BadNoCommunication",
	StatusBadWaitingForInitialData:    "BadWaitingForInitialData",
	StatusBadNodeIdInvalid:            "BadNodeIdInvalid",
	StatusBadNodeIdUnknown:            "BadNodeIdUnknown",
	StatusBadAttributeIdInvalid:       "BadAttributeIdInvalid",
	StatusBadNotReadable:              "BadNotReadable",
	StatusBadOutOfRange:               "BadOutOfRange",
	StatusBadNotSupported:             "BadNotSupported",
	StatusBadMonitoredItemIdInvalid:   "BadMonitoredItemIdInvalid",
	StatusBadSecureChannelClosed:      "BadSecureChannelClosed",
	StatusBadConnectionClosed:         "BadConnectionClosed",
	StatusBadDeviceFailure:            "BadDeviceFailure",
	StatusBadSensorFailure:            "BadSensorFailure",
	StatusBadOutOfService:             "BadOutOfService",
	StatusUncertainLastUsableValue:    "UncertainLastUsableValue",
	StatusUncertainSensorNotAccurate:  "UncertainSensorNotAccurate",
	StatusGoodLocalOverride:           "GoodLocalOverride",
	StatusGoodOverload:                "GoodOverload",
	StatusGoodClamped:                 "GoodClamped",
	StatusUncertainInitialValue:       "UncertainInitialValue",
	StatusUncertainSubstituteValue:    "UncertainSubstituteValue",
	StatusUncertainEngineeringUnitsEx: "UncertainEngineeringUnitsExceeded",
}

// String returns the symbolic name of the status code.
func (s StatusCode) String() string {
	if name, ok := statusCodeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(s))
}

// Error implements the error interface.
func (s StatusCode) Error() string {
	return fmt.Sprintf("opcpublisher: %s (0x%08X)", s.String(), uint32(s))
}

// IsGood returns true if the status code indicates success.
func (s StatusCode) IsGood() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityGood
}

// IsUncertain returns true if the status code indicates uncertainty.
func (s StatusCode) IsUncertain() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityUncertain
}

// IsBad returns true if the status code indicates failure.
func (s StatusCode) IsBad() bool {
	return (uint32(s) & StatusSeverityMask) == StatusSeverityBad
}

// ParseStatusCode accepts a symbolic name ("BadNoCommunication") or a
// numeric value in decimal or 0x-prefixed hex.
func ParseStatusCode(s string) (StatusCode, error) {
	s = strings.TrimSpace(s)
	for code, name := range statusCodeNames {
		if strings.EqualFold(name, s) {
			return code, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("opcpublisher: unknown status code %q", s)
	}
	return StatusCode(n), nil
}

// ParseStatusCodeList parses a comma separated list of status codes.
func ParseStatusCodeList(s string) ([]StatusCode, error) {
	var codes []StatusCode
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		code, err := ParseStatusCode(part)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// OPCUAError is a failed protocol operation carrying the server status.
type OPCUAError struct {
	Op         string
	StatusCode StatusCode
	Message    string
}

// Error implements the error interface.
func (e *OPCUAError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("opcpublisher: %s: %s: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("opcpublisher: %s: %s", e.Op, e.StatusCode)
}

// Is checks if the error matches the target.
func (e *OPCUAError) Is(target error) bool {
	switch t := target.(type) {
	case *OPCUAError:
		return e.StatusCode == t.StatusCode
	case StatusCode:
		return e.StatusCode == t
	}
	return false
}

// Common errors.
var (
	// ErrShuttingDown is returned once the publisher or a session stopped accepting work.
	ErrShuttingDown = errors.New("opcpublisher: shutting down")

	// ErrSessionNotFound indicates no session exists for an endpoint.
	ErrSessionNotFound = errors.New("opcpublisher: session not found")

	// ErrNotConnected indicates the session has no live connection.
	ErrNotConnected = errors.New("opcpublisher: not connected")

	// ErrInvalidNodeID indicates a malformed node identifier.
	ErrInvalidNodeID = errors.New("opcpublisher: invalid node id")

	// ErrNamespaceUnknown indicates a namespace URI missing from the server table.
	ErrNamespaceUnknown = errors.New("opcpublisher: namespace unknown")

	// ErrInvalidEndpoint indicates an endpoint URL that cannot be used.
	ErrInvalidEndpoint = errors.New("opcpublisher: invalid endpoint")

	// ErrQueueFull indicates the notification queue dropped a record.
	ErrQueueFull = errors.New("opcpublisher: notification queue full")

	// ErrRecordTooLarge indicates a shaped record larger than the hub message size.
	ErrRecordTooLarge = errors.New("opcpublisher: record too large for hub message")

	// ErrVersionChanged indicates a continuation token from an older node configuration.
	ErrVersionChanged = errors.New("opcpublisher: node configuration changed")

	// ErrInvalidConfig indicates a configuration that failed validation.
	ErrInvalidConfig = errors.New("opcpublisher: invalid configuration")
)

// ErrorClass groups errors by how the publisher reacts to them.
type ErrorClass int

const (
	// ClassTransient errors trigger a disconnect and are retried by reconciliation.
	ClassTransient ErrorClass = iota
	// ClassInvalid errors are rejected at the command boundary without side effects.
	ClassInvalid
	// ClassCapacity errors are counted and absorbed.
	ClassCapacity
	// ClassFatal errors abort startup.
	ClassFatal
)

// String returns the class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassCapacity:
		return "capacity"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError attaches a class and location to an underlying error.
type ClassifiedError struct {
	Class     ErrorClass
	Component string
	Op        string
	Err       error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Component, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func wrap(class ErrorClass, err error, component, op string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Component: component, Op: op, Err: err}
}

// Wrap annotates err with its location, classifying it from its content.
func Wrap(err error, component, op string) error {
	if err == nil {
		return nil
	}
	class := ClassTransient
	switch {
	case errors.Is(err, ErrInvalidNodeID), errors.Is(err, ErrInvalidEndpoint), errors.Is(err, ErrInvalidConfig):
		class = ClassInvalid
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrRecordTooLarge):
		class = ClassCapacity
	}
	return wrap(class, err, component, op)
}

// WrapTransient marks err as transient.
func WrapTransient(err error, component, op string) error {
	return wrap(ClassTransient, err, component, op)
}

// WrapInvalid marks err as an invalid-input error.
func WrapInvalid(err error, component, op string) error {
	return wrap(ClassInvalid, err, component, op)
}

// WrapCapacity marks err as a capacity error.
func WrapCapacity(err error, component, op string) error {
	return wrap(ClassCapacity, err, component, op)
}

// WrapFatal marks err as fatal.
func WrapFatal(err error, component, op string) error {
	return wrap(ClassFatal, err, component, op)
}

func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransient reports whether err was classified transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassTransient
}

// IsInvalid reports whether err was classified invalid.
func IsInvalid(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassInvalid
}

// IsCapacity reports whether err was classified as a capacity error.
func IsCapacity(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassCapacity
}

// IsFatal reports whether err was classified fatal.
func IsFatal(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassFatal
}

// IsStatusCode checks if an error carries a specific status code.
func IsStatusCode(err error, code StatusCode) bool {
	var opErr *OPCUAError
	if errors.As(err, &opErr) {
		return opErr.StatusCode == code
	}
	var sc StatusCode
	if errors.As(err, &sc) {
		return sc == code
	}
	return false
}

// IsSessionInvalid reports whether err means the server no longer knows the
// session, which makes every item on it unreachable.
func IsSessionInvalid(err error) bool {
	return IsStatusCode(err, StatusBadSessionIdInvalid) ||
		IsStatusCode(err, StatusBadSessionClosed) ||
		IsStatusCode(err, StatusBadSessionNotActivated) ||
		IsStatusCode(err, StatusBadSecureChannelClosed) ||
		IsStatusCode(err, StatusBadConnectionClosed)
}
