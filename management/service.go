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

// Package management implements the commands that change and inspect the
// published nodes at runtime.
package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/diagnostics"
	"github.com/edgeo-scada/opcpublisher/nodeconfig"
	"github.com/edgeo-scada/opcpublisher/session"
)

// MaxResponsePayloadLength bounds every serialized response.
const MaxResponsePayloadLength = 128*1024 - 256

const (
	// DefaultExitDelay is the delay before an exit request takes effect.
	DefaultExitDelay = 5 * time.Second

	// versionAttempts bounds the retries of a listing that raced with a
	// configuration change.
	versionAttempts = 3
)

// Outcome tells how much of a command took effect.
type Outcome string

const (
	NothingApplied   Outcome = "NothingApplied"
	PartiallyApplied Outcome = "PartiallyApplied"
	FullyApplied     Outcome = "FullyApplied"
)

// Result is the status of a command. Code is an HTTP status code.
type Result struct {
	Code     int      `json:"-"`
	Outcome  Outcome  `json:"Outcome"`
	Messages []string `json:"Messages"`
}

// OK reports whether the command succeeded.
func (r Result) OK() bool {
	return r.Code == http.StatusOK
}

// status accumulates per node messages. The code of the last failure wins.
type status struct {
	code      int
	requested int
	applied   int
	messages  []string
	logger    *slog.Logger
}

func newStatus(logger *slog.Logger) *status {
	return &status{code: http.StatusOK, logger: logger}
}

func (s *status) ok(format string, args ...interface{}) {
	s.requested++
	s.applied++
	s.logger.Debug(s.note(format, args...))
}

func (s *status) fail(code int, format string, args ...interface{}) {
	s.requested++
	s.code = code
	msg := s.note(format, args...)
	s.logger.Warn(msg, "code", code)
}

func (s *status) note(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	s.messages = append(s.messages, msg)
	return msg
}

func (s *status) result(max int) Result {
	outcome := PartiallyApplied
	switch {
	case s.applied == 0:
		outcome = NothingApplied
	case s.applied == s.requested:
		outcome = FullyApplied
	}
	msgs := s.messages
	if msgs == nil {
		msgs = []string{}
	}
	return Result{Code: s.code, Outcome: outcome, Messages: cropMessages(msgs, max)}
}

// Service executes management commands against a session registry.
type Service struct {
	reg        *session.Registry
	diag       *diagnostics.Source
	exit       func(delay time.Duration)
	maxPayload int
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDiagnostics sets the source of GetDiagnosticInfo.
func WithDiagnostics(src *diagnostics.Source) Option {
	return func(s *Service) {
		s.diag = src
	}
}

// WithExitFunc sets the function scheduling the process exit.
func WithExitFunc(exit func(delay time.Duration)) Option {
	return func(s *Service) {
		s.exit = exit
	}
}

// WithMaxPayload overrides MaxResponsePayloadLength.
func WithMaxPayload(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPayload = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a Service for reg.
func NewService(reg *session.Registry, opts ...Option) *Service {
	s := &Service{
		reg:        reg,
		maxPayload: MaxResponsePayloadLength,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.diag == nil {
		s.diag = diagnostics.NewSource(reg, nil)
	}
	s.logger = s.logger.With("component", "management")
	return s
}

// PublishRequest adds nodes to an endpoint.
type PublishRequest struct {
	EndpointURL           string            `json:"EndpointUrl"`
	UseSecurity           *bool             `json:"UseSecurity,omitempty"`
	OpcAuthenticationMode string            `json:"OpcAuthenticationMode,omitempty"`
	UserName              string            `json:"UserName,omitempty"`
	Password              string            `json:"Password,omitempty"`
	OpcNodes              []nodeconfig.Node `json:"OpcNodes"`
}

// UnpublishRequest removes nodes from an endpoint. Without nodes every node
// of the endpoint is removed.
type UnpublishRequest struct {
	EndpointURL string            `json:"EndpointUrl"`
	OpcNodes    []nodeconfig.Node `json:"OpcNodes,omitempty"`
}

// UnpublishAllRequest removes every node of one endpoint, or of all
// endpoints when EndpointURL is empty.
type UnpublishAllRequest struct {
	EndpointURL string `json:"EndpointUrl,omitempty"`
}

// EndpointsRequest lists the configured endpoints.
type EndpointsRequest struct {
	ContinuationToken *Token `json:"ContinuationToken,omitempty"`
}

// ConfiguredEndpoint is one entry of EndpointsResponse.
type ConfiguredEndpoint struct {
	EndpointURL string `json:"EndpointUrl"`
}

// EndpointsResponse is one page of configured endpoints.
type EndpointsResponse struct {
	Endpoints         []ConfiguredEndpoint `json:"Endpoints"`
	ContinuationToken *Token               `json:"ContinuationToken,omitempty"`
}

// NodesRequest lists the nodes configured on an endpoint.
type NodesRequest struct {
	EndpointURL       string `json:"EndpointUrl"`
	ContinuationToken *Token `json:"ContinuationToken,omitempty"`
}

// NodeOnEndpoint is one entry of NodesResponse.
type NodeOnEndpoint struct {
	ID                    string `json:"Id"`
	OpcSamplingInterval   *int   `json:"OpcSamplingInterval,omitempty"`
	OpcPublishingInterval *int   `json:"OpcPublishingInterval,omitempty"`
	DisplayName           string `json:"DisplayName,omitempty"`
}

// NodesResponse is one page of the nodes of an endpoint.
type NodesResponse struct {
	EndpointURL       string           `json:"EndpointUrl"`
	OpcNodes          []NodeOnEndpoint `json:"OpcNodes"`
	ContinuationToken *Token           `json:"ContinuationToken,omitempty"`
}

// ExitRequest schedules the process exit.
type ExitRequest struct {
	SecondsTillExit *int `json:"SecondsTillExit,omitempty"`
}

// Info describes the running publisher.
type Info struct {
	Version   string `json:"Version"`
	UserAgent string `json:"UserAgent"`
	GoVersion string `json:"GoVersion"`
	OS        string `json:"OS"`
	Arch      string `json:"Arch"`
}

func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q needs a scheme and a host", opcpublisher.ErrInvalidEndpoint, raw)
	}
	return u, nil
}

// Publish adds the nodes of req to the session of its endpoint. A node that
// is already monitored is reported as such and counts as applied.
func (s *Service) Publish(ctx context.Context, req PublishRequest) Result {
	st := newStatus(s.logger.With("op", "Publish", "endpoint", req.EndpointURL))

	if _, err := parseEndpoint(req.EndpointURL); err != nil {
		st.fail(http.StatusNotAcceptable, "Exception (%v) while parsing EndpointUrl '%s'", err, req.EndpointURL)
		return st.result(s.maxPayload)
	}
	entry := nodeconfig.Entry{
		EndpointURL:               req.EndpointURL,
		UseSecurity:               req.UseSecurity,
		OpcAuthenticationMode:     req.OpcAuthenticationMode,
		OpcAuthenticationUsername: req.UserName,
		OpcAuthenticationPassword: req.Password,
	}
	endpoint, _ := entry.Endpoint()
	auth, err := entry.Auth()
	if err != nil {
		st.fail(http.StatusNotAcceptable, "Exception (%v) while reading the authentication settings", err)
		return st.result(s.maxPayload)
	}
	if s.reg.Closed() {
		st.fail(http.StatusGone, "Publisher is in shutdown")
		return st.result(s.maxPayload)
	}

	for _, n := range req.OpcNodes {
		id := n.Identifier()
		cfg, err := n.ItemConfig(s.reg)
		if err != nil {
			st.fail(http.StatusNotAcceptable, "Exception (%v) while formatting node '%s'!", err, id)
			continue
		}

		added, err := s.reg.AddItem(ctx, endpoint, auth, cfg)
		switch {
		case errors.Is(err, opcpublisher.ErrShuttingDown), errors.Is(err, opcpublisher.ErrSessionNotFound):
			st.fail(http.StatusGone, "'%s': session to endpoint does not exist anymore", id)
		case err != nil:
			s.logger.Error("configure node failed", "endpoint", req.EndpointURL, "node", id, "error", err)
			st.fail(http.StatusInternalServerError, "'%s': error while trying to configure", id)
		case added:
			st.ok("'%s': added", id)
		default:
			st.ok("'%s': already monitored", id)
		}
	}

	res := st.result(s.maxPayload)
	s.logger.Info("publish completed", "endpoint", req.EndpointURL, "code", res.Code, "outcome", res.Outcome)
	return res
}

// Unpublish tags the nodes of req for removal. Nodes leave the registry on
// the next reconciliation of their session.
func (s *Service) Unpublish(ctx context.Context, req UnpublishRequest) Result {
	st := newStatus(s.logger.With("op", "Unpublish", "endpoint", req.EndpointURL))

	if _, err := parseEndpoint(req.EndpointURL); err != nil {
		st.fail(http.StatusNotAcceptable, "Exception (%v) while parsing EndpointUrl '%s'", err, req.EndpointURL)
		return st.result(s.maxPayload)
	}
	if s.reg.Closed() {
		st.fail(http.StatusGone, "Publisher is in shutdown")
		return st.result(s.maxPayload)
	}
	if _, ok := s.reg.Session(req.EndpointURL); !ok {
		st.fail(http.StatusGone, "Session for endpoint '%s' not found.", req.EndpointURL)
		return st.result(s.maxPayload)
	}

	if len(req.OpcNodes) == 0 {
		_, err := s.reg.RemoveAll(ctx, req.EndpointURL)
		switch {
		case errors.Is(err, opcpublisher.ErrSessionNotFound), errors.Is(err, opcpublisher.ErrShuttingDown):
			st.fail(http.StatusGone, "Session for endpoint '%s' not found.", req.EndpointURL)
		case err != nil:
			s.logger.Error("remove nodes failed", "endpoint", req.EndpointURL, "error", err)
			st.fail(http.StatusInternalServerError, "Endpoint '%s': error while trying to remove", req.EndpointURL)
		default:
			st.ok("All monitored items on endpoint '%s' tagged for removal", req.EndpointURL)
		}
		return st.result(s.maxPayload)
	}

	for _, n := range req.OpcNodes {
		id := n.Identifier()
		ref, err := opcpublisher.ParseNodeRef(id)
		if err != nil {
			st.fail(http.StatusNotAcceptable, "Exception (%v) while formatting node '%s'!", err, id)
			continue
		}

		found, err := s.reg.RemoveItem(ctx, req.EndpointURL, ref)
		switch {
		case errors.Is(err, opcpublisher.ErrShuttingDown), errors.Is(err, opcpublisher.ErrSessionNotFound):
			st.fail(http.StatusGone, "Id '%s': session to endpoint does not exist anymore", id)
		case err != nil:
			s.logger.Error("remove node failed", "endpoint", req.EndpointURL, "node", id, "error", err)
			st.fail(http.StatusInternalServerError, "Id '%s': error while trying to remove", id)
		case found:
			st.ok("Id '%s': tagged for removal", id)
		default:
			st.ok("Id '%s': was not configured", id)
		}
	}

	res := st.result(s.maxPayload)
	s.logger.Info("unpublish completed", "endpoint", req.EndpointURL, "code", res.Code, "outcome", res.Outcome)
	return res
}

// UnpublishAll tags every node of the requested endpoint, or of all
// endpoints, for removal. An unknown endpoint has nothing to remove.
func (s *Service) UnpublishAll(ctx context.Context, req UnpublishAllRequest) Result {
	st := newStatus(s.logger.With("op", "UnpublishAll", "endpoint", req.EndpointURL))

	if req.EndpointURL != "" {
		if _, err := parseEndpoint(req.EndpointURL); err != nil {
			st.fail(http.StatusNotAcceptable, "Exception (%v) while parsing EndpointUrl '%s'", err, req.EndpointURL)
			return st.result(s.maxPayload)
		}
	}
	if s.reg.Closed() {
		st.fail(http.StatusGone, "Publisher is in shutdown")
		return st.result(s.maxPayload)
	}

	n, err := s.reg.RemoveAll(ctx, req.EndpointURL)
	if err != nil && !errors.Is(err, opcpublisher.ErrSessionNotFound) {
		s.logger.Error("remove all nodes failed", "endpoint", req.EndpointURL, "error", err)
		st.fail(http.StatusInternalServerError, "Exception (%v) while trying to remove all nodes", err)
		return st.result(s.maxPayload)
	}

	where := ""
	if req.EndpointURL != "" {
		where = fmt.Sprintf(" on endpoint '%s'", req.EndpointURL)
	}
	msg := fmt.Sprintf("All monitored items in all subscriptions%s tagged for removal", where)
	if n > 0 {
		st.ok("%s", msg)
	} else {
		st.note("%s", msg)
	}
	s.logger.Info("unpublish all completed", "endpoint", req.EndpointURL, "tagged", n)
	return st.result(s.maxPayload)
}

// versioned runs read between two reads of the configuration version and
// retries when they differ.
func (s *Service) versioned(read func() error) (uint32, error) {
	for attempt := 0; attempt < versionAttempts; attempt++ {
		v := s.reg.Version()
		if err := read(); err != nil {
			return 0, err
		}
		if s.reg.Version() == v {
			return v, nil
		}
	}
	return 0, opcpublisher.ErrVersionChanged
}

// startIndex validates token against version and returns where the page
// starts.
func startIndex(st *status, token *Token, version uint32, count int) (int, bool) {
	if token == nil {
		return 0, true
	}
	if token.Version() != version {
		st.fail(http.StatusGone, "The node configuration has changed between calls. Requested version: %08X, Current version '%08X'",
			token.Version(), version)
		return 0, false
	}
	if token.Index() > count {
		st.fail(http.StatusNotAcceptable, "Continuation token index %d is beyond the %d available entries", token.Index(), count)
		return 0, false
	}
	return token.Index(), true
}

// GetConfiguredEndpoints returns one page of the endpoints that have a
// session. The response carries a continuation token while entries remain.
func (s *Service) GetConfiguredEndpoints(ctx context.Context, req EndpointsRequest) (*EndpointsResponse, Result) {
	st := newStatus(s.logger.With("op", "GetConfiguredEndpoints"))

	var urls []ConfiguredEndpoint
	version, err := s.versioned(func() error {
		endpoints := s.reg.Endpoints()
		urls = make([]ConfiguredEndpoint, 0, len(endpoints))
		for _, ep := range endpoints {
			urls = append(urls, ConfiguredEndpoint{EndpointURL: ep.URL})
		}
		return nil
	})
	if err != nil {
		s.readFailed(st, err)
		return nil, st.result(s.maxPayload)
	}

	start, ok := startIndex(st, req.ContinuationToken, version, len(urls))
	if !ok {
		return nil, st.result(s.maxPayload)
	}

	available := len(urls) - start
	page := func(n int) *EndpointsResponse {
		resp := &EndpointsResponse{Endpoints: urls[start : start+n]}
		if n < available {
			resp.ContinuationToken = NewToken(version, start+n).ptr()
		}
		return resp
	}
	n, err := fitPage(available, s.maxPayload, func(n int) ([]byte, error) {
		return json.Marshal(page(n))
	})
	if err != nil {
		st.fail(http.StatusInternalServerError, "Exception (%v) while encoding the response", err)
		return nil, st.result(s.maxPayload)
	}
	if n == 0 && available > 0 {
		st.fail(http.StatusRequestEntityTooLarge, "Endpoint %d does not fit into a response of %d bytes", start, s.maxPayload)
		return nil, st.result(s.maxPayload)
	}

	s.logger.Info("returning configured endpoints", "count", n, "available", available, "start", start,
		"version", fmt.Sprintf("%08X", version))
	st.ok("returning %d endpoint(s)", n)
	return page(n), st.result(s.maxPayload)
}

// GetConfiguredNodesOnEndpoint returns one page of the nodes configured on
// an endpoint. Nodes tagged for removal are listed until their session
// reconciled the removal.
func (s *Service) GetConfiguredNodesOnEndpoint(ctx context.Context, req NodesRequest) (*NodesResponse, Result) {
	st := newStatus(s.logger.With("op", "GetConfiguredNodesOnEndpoint", "endpoint", req.EndpointURL))

	if _, err := parseEndpoint(req.EndpointURL); err != nil {
		st.fail(http.StatusNotAcceptable, "Exception (%v) while parsing EndpointUrl '%s'", err, req.EndpointURL)
		return nil, st.result(s.maxPayload)
	}

	var nodes []NodeOnEndpoint
	version, err := s.versioned(func() error {
		items, err := s.reg.Nodes(ctx, req.EndpointURL)
		if errors.Is(err, opcpublisher.ErrSessionNotFound) {
			items, err = nil, nil
		}
		if err != nil {
			return err
		}
		nodes = make([]NodeOnEndpoint, 0, len(items))
		for _, it := range items {
			n := nodeconfig.FromItem(it)
			nodes = append(nodes, NodeOnEndpoint{
				ID:                    n.Identifier(),
				OpcSamplingInterval:   n.OpcSamplingInterval,
				OpcPublishingInterval: n.OpcPublishingInterval,
				DisplayName:           n.DisplayName,
			})
		}
		return nil
	})
	if err != nil {
		s.readFailed(st, err)
		return nil, st.result(s.maxPayload)
	}

	if len(nodes) == 0 {
		st.note("There are no nodes configured for endpoint '%s'", req.EndpointURL)
		return &NodesResponse{EndpointURL: req.EndpointURL, OpcNodes: []NodeOnEndpoint{}}, st.result(s.maxPayload)
	}

	start, ok := startIndex(st, req.ContinuationToken, version, len(nodes))
	if !ok {
		return nil, st.result(s.maxPayload)
	}

	available := len(nodes) - start
	page := func(n int) *NodesResponse {
		resp := &NodesResponse{EndpointURL: req.EndpointURL, OpcNodes: nodes[start : start+n]}
		if n < available {
			resp.ContinuationToken = NewToken(version, start+n).ptr()
		}
		return resp
	}
	n, err := fitPage(available, s.maxPayload, func(n int) ([]byte, error) {
		return json.Marshal(page(n))
	})
	if err != nil {
		st.fail(http.StatusInternalServerError, "Exception (%v) while encoding the response", err)
		return nil, st.result(s.maxPayload)
	}
	if n == 0 && available > 0 {
		st.fail(http.StatusRequestEntityTooLarge, "Node '%s' does not fit into a response of %d bytes", nodes[start].ID, s.maxPayload)
		return nil, st.result(s.maxPayload)
	}

	s.logger.Info("returning configured nodes", "endpoint", req.EndpointURL, "count", n, "available", available,
		"start", start, "version", fmt.Sprintf("%08X", version))
	st.ok("returning %d node(s)", n)
	return page(n), st.result(s.maxPayload)
}

func (s *Service) readFailed(st *status, err error) {
	switch {
	case errors.Is(err, opcpublisher.ErrVersionChanged):
		st.fail(http.StatusGone, "The node configuration kept changing while it was read, retry the request")
	case errors.Is(err, opcpublisher.ErrShuttingDown):
		st.fail(http.StatusGone, "Publisher is in shutdown")
	default:
		st.fail(http.StatusInternalServerError, "Exception (%v) while reading the node configuration", err)
	}
}

// GetDiagnosticInfo returns the current diagnostics.
func (s *Service) GetDiagnosticInfo(ctx context.Context) diagnostics.Info {
	return s.diag.Snapshot(ctx)
}

// GetInfo describes the running publisher.
func (s *Service) GetInfo() Info {
	return Info{
		Version:   opcpublisher.Version,
		UserAgent: opcpublisher.UserAgent(),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Exit schedules the process exit. The delay defaults to, and is at least,
// DefaultExitDelay.
func (s *Service) Exit(req ExitRequest) Result {
	st := newStatus(s.logger.With("op", "Exit"))
	if s.exit == nil {
		st.fail(http.StatusNotImplemented, "Exit is not supported by this publisher")
		return st.result(s.maxPayload)
	}

	delay := DefaultExitDelay
	if req.SecondsTillExit != nil {
		if d := time.Duration(*req.SecondsTillExit) * time.Second; d > delay {
			delay = d
		}
	}
	s.exit(delay)
	s.logger.Warn("exit requested", "delay", delay)
	st.ok("Module will exit now...")
	return st.result(s.maxPayload)
}
