package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/renaiss-ai/httpmcp/auth"
	mcphttp "github.com/renaiss-ai/httpmcp/transport/http"
	"github.com/renaiss-ai/httpmcp/transport/mqtt"
	"github.com/renaiss-ai/httpmcp/transport/nats"
)

// Config is the YAML-friendly server configuration. It covers everything
// the functional options cover, for deployments that prefer a config file
// over code.
type Config struct {
	// Name identifies the server in logs and initialize responses.
	Name string `yaml:"name"`

	// Version is the server version reported to clients.
	Version string `yaml:"version"`

	// Instructions is optional guidance returned during initialize.
	Instructions string `yaml:"instructions"`

	// RequestTimeout bounds tool handler execution, e.g. "30s".
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// LogLevel is the initial log level: debug, info, warning, or error.
	LogLevel string `yaml:"log_level"`

	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
}

// TransportConfig selects and configures the server transport.
type TransportConfig struct {
	// Kind is one of: stdio, http, ws, mqtt, nats. Defaults to stdio.
	Kind string `yaml:"kind"`

	// Address is the listen address for http and ws transports.
	Address string `yaml:"address"`

	// BrokerURL is the broker or server URL for mqtt and nats transports.
	BrokerURL string `yaml:"broker_url"`

	// TopicPrefix overrides the default topic or subject prefix for
	// broker transports.
	TopicPrefix string `yaml:"topic_prefix"`

	// Username and Password are broker credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AuthConfig configures bearer-token authentication on HTTP transports.
type AuthConfig struct {
	// Tokens lists the accepted static bearer tokens. An empty list
	// disables authentication.
	Tokens []string `yaml:"tokens"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Name == "" {
		return nil, fmt.Errorf("config is missing required field: name")
	}

	return &cfg, nil
}

// NewServerFromConfig builds a server from a Config, applying the
// equivalent functional options and transport selection.
func NewServerFromConfig(cfg *Config) (Server, error) {
	var options []Option
	if cfg.Version != "" {
		options = append(options, WithVersion(cfg.Version))
	}
	if cfg.Instructions != "" {
		options = append(options, WithInstructions(cfg.Instructions))
	}
	if cfg.RequestTimeout > 0 {
		options = append(options, WithRequestTimeout(cfg.RequestTimeout))
	}

	srv := NewServer(cfg.Name, options...)

	if cfg.LogLevel != "" {
		level, err := mapLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		srv.GetServer().logLevel.Set(level)
	}

	switch cfg.Transport.Kind {
	case "", "stdio":
		srv.AsStdio()
	case "http":
		if cfg.Transport.Address == "" {
			return nil, fmt.Errorf("http transport requires an address")
		}
		var httpOptions []mcphttp.Option
		if len(cfg.Auth.Tokens) > 0 {
			httpOptions = append(httpOptions, mcphttp.WithTokenValidator(auth.NewStaticTokenValidator(cfg.Auth.Tokens...)))
		}
		srv.AsHTTP(cfg.Transport.Address, httpOptions...)
	case "ws":
		if cfg.Transport.Address == "" {
			return nil, fmt.Errorf("ws transport requires an address")
		}
		srv.AsWebsocket(cfg.Transport.Address)
	case "mqtt":
		if cfg.Transport.BrokerURL == "" {
			return nil, fmt.Errorf("mqtt transport requires a broker_url")
		}
		var mqttOptions []mqtt.Option
		if cfg.Transport.TopicPrefix != "" {
			mqttOptions = append(mqttOptions, mqtt.WithTopicPrefix(cfg.Transport.TopicPrefix))
		}
		if cfg.Transport.Username != "" {
			mqttOptions = append(mqttOptions, mqtt.WithCredentials(cfg.Transport.Username, cfg.Transport.Password))
		}
		srv.AsMQTT(cfg.Transport.BrokerURL, mqttOptions...)
	case "nats":
		if cfg.Transport.BrokerURL == "" {
			return nil, fmt.Errorf("nats transport requires a broker_url")
		}
		var natsOptions []nats.Option
		if cfg.Transport.TopicPrefix != "" {
			natsOptions = append(natsOptions, nats.WithSubjectPrefix(cfg.Transport.TopicPrefix))
		}
		if cfg.Transport.Username != "" {
			natsOptions = append(natsOptions, nats.WithCredentials(cfg.Transport.Username, cfg.Transport.Password))
		}
		srv.AsNATS(cfg.Transport.BrokerURL, natsOptions...)
	default:
		return nil, fmt.Errorf("unknown transport kind: %s", cfg.Transport.Kind)
	}

	return srv, nil
}
