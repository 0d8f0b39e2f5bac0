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
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/opcpublisher/nodeconfig"
	"github.com/edgeo-scada/opcpublisher/session"
	"github.com/edgeo-scada/opcpublisher/telemetry"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the published nodes and telemetry config files",
	Long: `Parses the published nodes file and the telemetry config file without
connecting to any server.

Examples:
  opcpublisher validate --nodes-file publishednodes.json
  opcpublisher validate --telemetry-config telemetry.yaml`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateFiles(cmd.Context(), cmd.OutOrStdout(), viper.GetString("nodes-file"), viper.GetString("telemetry-config"))
	},
}

func init() {
	registerFileFlags(validateCmd.Flags())
}

func validateFiles(ctx context.Context, out io.Writer, nodesFile, telemetryFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if telemetryFile != "" {
		if _, err := telemetry.LoadConfig(telemetryFile); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: ok\n", telemetryFile)
	}

	entries, err := nodeconfig.Read(nodesFile)
	if err != nil {
		return err
	}

	// The registry is never run, so nothing connects.
	reg, err := session.NewRegistry(session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return err
	}
	defer reg.Shutdown(context.Background())

	added, err := nodeconfig.Seed(ctx, reg, entries)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d endpoint(s), %d node(s)\n", nodesFile, len(reg.Endpoints()), added)
	return nil
}
