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
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/opcpublisher"
	"github.com/edgeo-scada/opcpublisher/hub"
	"github.com/edgeo-scada/opcpublisher/internal/transport"
	"github.com/edgeo-scada/opcpublisher/nodeconfig"
	"github.com/edgeo-scada/opcpublisher/session"
	"github.com/edgeo-scada/opcpublisher/telemetry"
)

// Options is the complete publisher configuration.
type Options struct {
	LogLevel  string `mapstructure:"log-level" validate:"oneof=debug info warn warning error"`
	LogFormat string `mapstructure:"log-format" validate:"oneof=text json"`

	NodesFile       string        `mapstructure:"nodes-file" validate:"required"`
	TelemetryConfig string        `mapstructure:"telemetry-config"`
	PersistInterval time.Duration `mapstructure:"persist-interval" validate:"gte=0"`

	HubURL          string        `mapstructure:"hub-url"`
	HubTopic        string        `mapstructure:"hub-topic"`
	HubClientID     string        `mapstructure:"hub-client-id"`
	HubUsername     string        `mapstructure:"hub-username"`
	HubPassword     string        `mapstructure:"hub-password"`
	HubConnectRetry time.Duration `mapstructure:"hub-connect-retry" validate:"gte=0"`
	HubCompression  string        `mapstructure:"hub-compression" validate:"oneof=none zstd lz4"`
	HubMessageSize  int           `mapstructure:"hub-message-size" validate:"gte=0,lte=262144"`
	SendInterval    time.Duration `mapstructure:"send-interval" validate:"gte=0"`
	SendTimeout     time.Duration `mapstructure:"send-timeout" validate:"gt=0"`
	QueueCapacity   int           `mapstructure:"queue-capacity" validate:"gte=1024"`
	ShapeInCallback bool          `mapstructure:"shape-in-callback"`
	IoTCentral      bool          `mapstructure:"iot-central"`
	Site            string        `mapstructure:"site"`

	ConnectTimeout        time.Duration `mapstructure:"connect-timeout" validate:"gt=0"`
	BackoffMax            int           `mapstructure:"backoff-max" validate:"gte=0"`
	KeepAliveInterval     time.Duration `mapstructure:"keepalive-interval" validate:"gt=0"`
	KeepAliveThreshold    int           `mapstructure:"keepalive-threshold" validate:"gte=1"`
	OperationTimeout      time.Duration `mapstructure:"operation-timeout" validate:"gt=0"`
	ReconcileInterval     time.Duration `mapstructure:"reconcile-interval" validate:"gt=0"`
	SamplingInterval      time.Duration `mapstructure:"sampling-interval" validate:"gte=0"`
	PublishingInterval    time.Duration `mapstructure:"publishing-interval" validate:"gte=0"`
	SkipFirst             bool          `mapstructure:"skip-first"`
	FetchDisplayName      bool          `mapstructure:"fetch-display-name"`
	SuppressedStatusCodes string        `mapstructure:"suppressed-status-codes"`

	SecurityPolicy string        `mapstructure:"security-policy"`
	SecurityMode   string        `mapstructure:"security-mode"`
	CertFile       string        `mapstructure:"cert" validate:"required_with=KeyFile"`
	KeyFile        string        `mapstructure:"key" validate:"required_with=CertFile"`
	SessionTimeout time.Duration `mapstructure:"session-timeout" validate:"gte=0"`

	APIListen           string        `mapstructure:"api-listen"`
	DiagnosticsInterval time.Duration `mapstructure:"diagnostics-interval" validate:"gte=0"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown-grace" validate:"gt=0"`
}

// registerFileFlags adds the flags naming the configuration files.
func registerFileFlags(fs *pflag.FlagSet) {
	fs.String("nodes-file", nodeconfig.DefaultFile, "Published nodes file, read at startup and rewritten on every change")
	fs.String("telemetry-config", "", "Telemetry shaping config file (JSON with comments or YAML)")
}

// registerRunFlags adds the flags of the run command.
func registerRunFlags(fs *pflag.FlagSet) {
	registerFileFlags(fs)
	fs.Duration("persist-interval", nodeconfig.DefaultMinWriteInterval, "Minimum time between two rewrites of the nodes file")

	fs.String("hub-url", "stdout", "Hub URL (http(s)://, nats://, mqtt://, redis://, stdout)")
	fs.String("hub-topic", transport.DefaultTopic, "NATS subject, MQTT topic or Redis stream")
	fs.String("hub-client-id", "opcpublisher", "Client id announced to the hub")
	fs.String("hub-username", "", "Hub user name")
	fs.String("hub-password", "", "Hub password")
	fs.Duration("hub-connect-retry", time.Minute, "How long the initial hub connection is retried")
	fs.String("hub-compression", "none", "Hub message compression (none, zstd, lz4)")
	fs.Int("hub-message-size", hub.DefaultMessageSize, "Maximum size of a batched hub message in bytes, 0 sends every record alone")
	fs.Duration("send-interval", hub.DefaultSendInterval, "Maximum time records are batched, 0 disables time based batching")
	fs.Duration("send-timeout", hub.DefaultSendTimeout, "Timeout of one hub send")
	fs.Int("queue-capacity", hub.DefaultQueueCapacity, "Notifications that may wait for the hub sender")
	fs.Bool("shape-in-callback", false, "Shape records when notifications arrive instead of when they are sent")
	fs.Bool("iot-central", false, "Publish IoT Central records ({\"<display name>\": <value>})")
	fs.String("site", "", "Site appended to published application URIs")

	fs.Duration("connect-timeout", session.DefaultConnectTimeout, "Session connect timeout before backoff")
	fs.Int("backoff-max", session.DefaultBackoffMax, "Maximum connect backoff multiplier")
	fs.Duration("keepalive-interval", session.DefaultKeepAliveInterval, "Session keep-alive interval")
	fs.Int("keepalive-threshold", session.DefaultKeepAliveThreshold, "Missed keep-alives before a session disconnects")
	fs.Duration("operation-timeout", session.DefaultOperationTimeout, "Timeout of a single OPC UA request")
	fs.Duration("reconcile-interval", session.DefaultReconcileInterval, "Time between two reconciliations of a session")
	fs.Duration("sampling-interval", session.DefaultSamplingInterval, "Default sampling interval of nodes")
	fs.Duration("publishing-interval", session.DefaultPublishingInterval, "Default publishing interval of nodes, 0 lets the server choose")
	fs.Bool("skip-first", false, "Drop the first notification of every node by default")
	fs.Bool("fetch-display-name", false, "Read the display name of nodes configured without one")
	fs.String("suppressed-status-codes", "BadNoCommunication,BadWaitingForInitialData", "Comma separated notification statuses that are dropped")

	fs.String("security-policy", "", "Security policy for endpoints that use security (default Basic256Sha256)")
	fs.String("security-mode", "", "Security mode for endpoints that use security (default SignAndEncrypt)")
	fs.String("cert", "", "Client certificate file (PEM or DER)")
	fs.String("key", "", "Client private key file (PEM)")
	fs.Duration("session-timeout", 0, "Requested OPC UA session timeout, 0 uses the library default")

	fs.String("api-listen", ":8080", "Management API listen address, empty disables the API")
	fs.Duration("diagnostics-interval", 0, "Interval of the diagnostics log summary, 0 disables it")
	fs.Duration("shutdown-grace", 10*time.Second, "Time allowed for a clean shutdown")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// loadOptions reads and validates the options held by v.
func loadOptions(v *viper.Viper) (*Options, error) {
	var o Options
	if err := v.Unmarshal(&o); err != nil {
		return nil, fmt.Errorf("%w: %v", opcpublisher.ErrInvalidConfig, err)
	}
	if err := validate.Struct(&o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("--%s fails %q (got %v)", fe.Field(), fe.Tag()+paramSuffix(fe.Param()), fe.Value()))
			}
			return nil, fmt.Errorf("%w: %s", opcpublisher.ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return nil, fmt.Errorf("%w: %v", opcpublisher.ErrInvalidConfig, err)
	}
	if _, err := hub.ParseCompression(o.HubCompression); err != nil {
		return nil, fmt.Errorf("%w: %v", opcpublisher.ErrInvalidConfig, err)
	}
	if _, err := opcpublisher.ParseStatusCodeList(o.SuppressedStatusCodes); err != nil {
		return nil, fmt.Errorf("%w: %v", opcpublisher.ErrInvalidConfig, err)
	}
	return &o, nil
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// sessionOptions returns the registry options for o.
func (o *Options) sessionOptions() ([]session.Option, error) {
	codes, err := opcpublisher.ParseStatusCodeList(o.SuppressedStatusCodes)
	if err != nil {
		return nil, err
	}
	return []session.Option{
		session.WithConnectTimeout(o.ConnectTimeout),
		session.WithBackoffMax(o.BackoffMax),
		session.WithKeepAlive(o.KeepAliveInterval, o.KeepAliveThreshold),
		session.WithOperationTimeout(o.OperationTimeout),
		session.WithReconcileInterval(o.ReconcileInterval),
		session.WithDefaultSamplingInterval(o.SamplingInterval),
		session.WithDefaultPublishingInterval(o.PublishingInterval),
		session.WithSkipFirst(o.SkipFirst),
		session.WithFetchDisplayName(o.FetchDisplayName),
		session.WithSuppressedStatusCodes(codes...),
	}, nil
}

// pipelineOptions returns the hub pipeline options for o.
func (o *Options) pipelineOptions() ([]hub.Option, error) {
	compression, err := hub.ParseCompression(o.HubCompression)
	if err != nil {
		return nil, err
	}
	return []hub.Option{
		hub.WithSendInterval(o.SendInterval),
		hub.WithMessageSize(o.HubMessageSize),
		hub.WithSendTimeout(o.SendTimeout),
		hub.WithQueueCapacity(o.QueueCapacity),
		hub.WithShapeInCallback(o.ShapeInCallback),
		hub.WithCompression(compression),
	}, nil
}

func (o *Options) transportConfig() transport.Config {
	return transport.Config{
		URL:          o.HubURL,
		Topic:        o.HubTopic,
		ClientID:     o.HubClientID,
		Username:     o.HubUsername,
		Password:     o.HubPassword,
		Timeout:      o.SendTimeout,
		ConnectRetry: o.HubConnectRetry,
	}
}

func (o *Options) telemetryConfig() (*telemetry.Config, error) {
	if o.TelemetryConfig == "" {
		return nil, nil
	}
	return telemetry.LoadConfig(o.TelemetryConfig)
}

func (o *Options) dialer() *session.GopcuaDialer {
	return &session.GopcuaDialer{
		SecurityPolicy:  o.SecurityPolicy,
		SecurityMode:    o.SecurityMode,
		CertificateFile: o.CertFile,
		PrivateKeyFile:  o.KeyFile,
		SessionTimeout:  o.SessionTimeout,
		RequestTimeout:  o.OperationTimeout,
	}
}
