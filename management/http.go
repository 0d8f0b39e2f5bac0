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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

type handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewRouter returns the HTTP API of svc. /metrics is served from gatherer
// when it is not nil.
func NewRouter(svc *Service, gatherer prometheus.Gatherer, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{svc: svc, logger: logger.With("component", "http")}

	r := gin.New()
	r.Use(h.recovery(), h.logRequests())

	v1 := r.Group("/v1")
	v1.POST("/publish", h.publish)
	v1.POST("/unpublish", h.unpublish)
	v1.POST("/unpublish-all", h.unpublishAll)
	v1.POST("/endpoints", h.endpoints)
	v1.POST("/nodes", h.nodes)
	v1.GET("/diagnostics", h.diagnostics)
	v1.GET("/info", h.info)
	v1.POST("/exit", h.exit)

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// bind decodes the JSON body into req. An empty body leaves req unchanged.
func (h *handler) bind(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		h.logger.Warn("invalid request body", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadRequest, Result{
			Code:     http.StatusBadRequest,
			Outcome:  NothingApplied,
			Messages: []string{"Exception (" + err.Error() + ") while deserializing message payload"},
		})
		return false
	}
	return true
}

func writeResult(c *gin.Context, res Result) {
	c.JSON(res.Code, res)
}

func (h *handler) publish(c *gin.Context) {
	var req PublishRequest
	if !h.bind(c, &req) {
		return
	}
	writeResult(c, h.svc.Publish(c.Request.Context(), req))
}

func (h *handler) unpublish(c *gin.Context) {
	var req UnpublishRequest
	if !h.bind(c, &req) {
		return
	}
	writeResult(c, h.svc.Unpublish(c.Request.Context(), req))
}

func (h *handler) unpublishAll(c *gin.Context) {
	var req UnpublishAllRequest
	if !h.bind(c, &req) {
		return
	}
	writeResult(c, h.svc.UnpublishAll(c.Request.Context(), req))
}

func (h *handler) endpoints(c *gin.Context) {
	var req EndpointsRequest
	if !h.bind(c, &req) {
		return
	}
	resp, res := h.svc.GetConfiguredEndpoints(c.Request.Context(), req)
	if !res.OK() {
		writeResult(c, res)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) nodes(c *gin.Context) {
	var req NodesRequest
	if !h.bind(c, &req) {
		return
	}
	resp, res := h.svc.GetConfiguredNodesOnEndpoint(c.Request.Context(), req)
	if !res.OK() {
		writeResult(c, res)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) diagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetDiagnosticInfo(c.Request.Context()))
}

func (h *handler) info(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.GetInfo())
}

func (h *handler) exit(c *gin.Context) {
	var req ExitRequest
	if !h.bind(c, &req) {
		return
	}
	writeResult(c, h.svc.Exit(req))
}

func (h *handler) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			h.logger.Error("request completed", args...)
		case status >= 400:
			h.logger.Warn("request completed", args...)
		default:
			h.logger.Debug("request completed", args...)
		}
	}
}

func (h *handler) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		h.logger.Error("panic recovered", "path", c.Request.URL.Path, "error", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, Result{
			Code:     http.StatusInternalServerError,
			Outcome:  NothingApplied,
			Messages: []string{"Internal server error"},
		})
	})
}

// Serve runs an HTTP server for h on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("management API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("management API stopped")
	return nil
}
