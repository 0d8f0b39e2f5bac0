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
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/hub"
	"github.com/edgeo-scada/opcpublisher/nodeconfig"
)

func testViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.String("log-format", "text", "")
	registerRunFlags(fs)
	require.NoError(t, fs.Parse(args))

	v := viper.New()
	require.NoError(t, v.BindPFlags(fs))
	return v
}

func TestLoadOptionsDefaults(t *testing.T) {
	o, err := loadOptions(testViper(t))
	require.NoError(t, err)

	assert.Equal(t, nodeconfig.DefaultFile, o.NodesFile)
	assert.Equal(t, hub.DefaultQueueCapacity, o.QueueCapacity)
	assert.Equal(t, hub.DefaultSendInterval, o.SendInterval)
	assert.Equal(t, ":8080", o.APIListen)
	assert.Equal(t, 10*time.Second, o.ShutdownGrace)

	sessOpts, err := o.sessionOptions()
	require.NoError(t, err)
	assert.NotEmpty(t, sessOpts)
	pipeOpts, err := o.pipelineOptions()
	require.NoError(t, err)
	assert.NotEmpty(t, pipeOpts)

	cfg, err := o.telemetryConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadOptionsFlags(t *testing.T) {
	o, err := loadOptions(testViper(t,
		"--hub-url", "nats://localhost:4222",
		"--hub-topic", "plant.telemetry",
		"--send-interval", "2s",
		"--hub-compression", "zstd",
		"--iot-central",
	))
	require.NoError(t, err)

	tc := o.transportConfig()
	assert.Equal(t, "nats://localhost:4222", tc.URL)
	assert.Equal(t, "plant.telemetry", tc.Topic)
	assert.Equal(t, 2*time.Second, o.SendInterval)
	assert.True(t, o.IoTCentral)
}

func TestLoadOptionsEnvironment(t *testing.T) {
	t.Setenv("OPCPUBLISHER_QUEUE_CAPACITY", "4096")
	v := testViper(t)
	v.SetEnvPrefix("OPCPUBLISHER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	o, err := loadOptions(v)
	require.NoError(t, err)
	assert.Equal(t, 4096, o.QueueCapacity)
}

func TestLoadOptionsRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"small queue", []string{"--queue-capacity", "10"}, "--queue-capacity"},
		{"log level", []string{"--log-level", "loud"}, "--log-level"},
		{"compression", []string{"--hub-compression", "gzip"}, "--hub-compression"},
		{"oversized message", []string{"--hub-message-size", "300000"}, "--hub-message-size"},
		{"cert without key", []string{"--cert", "client.pem"}, "--key"},
		{"status codes", []string{"--suppressed-status-codes", "BadNope"}, "BadNope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadOptions(testViper(t, tt.args...))
			require.Error(t, err)
			assert.ErrorIs(t, err, opcpublisher.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
