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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/diagnostics"
	"github.com/edgeo-scada/opcpublisher/hub"
	"github.com/edgeo-scada/opcpublisher/internal/transport"
	"github.com/edgeo-scada/opcpublisher/management"
	"github.com/edgeo-scada/opcpublisher/nodeconfig"
	"github.com/edgeo-scada/opcpublisher/session"
	"github.com/edgeo-scada/opcpublisher/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the publisher",
	Long: `Connects to the endpoints of the published nodes file, monitors their
nodes and sends every data change to the hub.

Examples:
  opcpublisher run --hub-url nats://localhost:4222 --hub-topic plant.telemetry
  opcpublisher run --hub-url mqtt://broker:1883 --send-interval 1s --hub-compression zstd
  opcpublisher run --telemetry-config telemetry.yaml --iot-central`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: runPublisher,
}

func init() {
	registerRunFlags(runCmd.Flags())
}

func runPublisher(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("starting publisher", "version", opcpublisher.Version, "nodes_file", opts.NodesFile, "hub", opts.HubURL)

	tcfg, err := opts.telemetryConfig()
	if err != nil {
		return err
	}
	shaper := telemetry.NewShaper(tcfg,
		telemetry.WithIoTCentral(opts.IoTCentral),
		telemetry.WithPublisherSite(opts.Site),
	)

	sender, err := transport.New(ctx, opts.transportConfig(), logger)
	if err != nil {
		return err
	}
	defer sender.Close()

	pipeOpts, err := opts.pipelineOptions()
	if err != nil {
		return err
	}
	pipe := hub.NewPipeline(sender, shaper, append(pipeOpts, hub.WithLogger(logger))...)

	sessOpts, err := opts.sessionOptions()
	if err != nil {
		return err
	}
	dialer := opts.dialer()
	dialer.Logger = logger
	reg, err := session.NewRegistry(append(sessOpts,
		session.WithDialer(dialer),
		session.WithPublisher(pipe),
		session.WithLogger(logger),
	)...)
	if err != nil {
		return err
	}

	entries, err := nodeconfig.Read(opts.NodesFile)
	if err != nil {
		return err
	}
	added, err := nodeconfig.Seed(ctx, reg, entries)
	if err != nil {
		return fmt.Errorf("seed from %s: %w", opts.NodesFile, err)
	}
	logger.Info("published nodes loaded", "path", opts.NodesFile, "endpoints", len(entries), "nodes", added)

	writer := nodeconfig.NewWriter(opts.NodesFile, reg,
		nodeconfig.WithMinWriteInterval(opts.PersistInterval),
		nodeconfig.WithLogger(logger),
	)
	src := diagnostics.NewSource(reg, pipe)
	reporter := diagnostics.NewReporter(src, opts.DiagnosticsInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return pipe.Run(gctx) })
	g.Go(func() error { return writer.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })

	if opts.APIListen != "" {
		svc := management.NewService(reg,
			management.WithDiagnostics(src),
			management.WithExitFunc(func(delay time.Duration) {
				time.AfterFunc(delay, cancel)
			}),
			management.WithLogger(logger),
		)
		router := management.NewRouter(svc, diagnostics.NewRegistry(src), logger)
		g.Go(func() error { return management.Serve(gctx, opts.APIListen, router, logger) })
	}

	<-gctx.Done()
	logger.Info("shutting down", "grace", opts.ShutdownGrace)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err = <-done:
	case <-time.After(opts.ShutdownGrace):
		err = opcpublisher.WrapFatal(fmt.Errorf("shutdown did not complete within %s", opts.ShutdownGrace), "publisher", "Shutdown")
	}
	if err != nil {
		logger.Error("publisher stopped with error", "error", err)
		return err
	}
	logger.Info("publisher stopped")
	return nil
}
