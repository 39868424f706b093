// Package config loads the runtime configuration of a visualization context
// from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	internalnats "github.com/wehubfusion/Iris/internal/nats"
	"github.com/wehubfusion/Iris/internal/tracing"
	"github.com/wehubfusion/Iris/pkg/frames"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar  ConfigSource = "environment_variable"
	ConfigSourceDefault ConfigSource = "default"
)

const (
	DefaultNATSURL        = "nats://localhost:4222"
	DefaultClientName     = "iris-visualizer"
	DefaultSubjectPrefix  = "iris"
	DefaultServiceName    = "iris"
	DefaultRequestTimeout = 2 * time.Second
	DefaultQueueSize      = 256
)

// Config holds everything needed to host one context's coordinator
type Config struct {
	NATSURL       string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration

	// SubjectPrefix namespaces every subject the messenger uses
	SubjectPrefix string
	// ContextID identifies this context; a fresh uuid when unset
	ContextID frames.ContextRef
	// ParentID is the embedding context, empty for a top-level document
	ParentID frames.ContextRef

	RequestTimeout time.Duration
	QueueSize      int

	TracingEnabled   bool
	OTLPEndpoint     string
	ServiceName      string
	TraceSampleRatio float64
	OTLPInsecure     bool
	Environment      string

	Source ConfigSource
}

// LoadConfig loads configuration with priority: env vars > defaults
func LoadConfig() *Config {
	config := &Config{
		NATSURL:          getEnv("IRIS_NATS_URL", DefaultNATSURL),
		ClientName:       getEnv("IRIS_CLIENT_NAME", DefaultClientName),
		MaxReconnects:    getEnvInt("IRIS_MAX_RECONNECTS", 10),
		ReconnectWait:    getEnvDuration("IRIS_RECONNECT_WAIT", 2*time.Second),
		SubjectPrefix:    getEnv("IRIS_SUBJECT_PREFIX", DefaultSubjectPrefix),
		ContextID:        frames.ContextRef(getEnv("IRIS_CONTEXT_ID", "")),
		ParentID:         frames.ContextRef(getEnv("IRIS_PARENT_ID", "")),
		RequestTimeout:   getEnvDuration("IRIS_REQUEST_TIMEOUT", DefaultRequestTimeout),
		QueueSize:        getEnvInt("IRIS_QUEUE_SIZE", DefaultQueueSize),
		TracingEnabled:   getEnvBool("IRIS_TRACING_ENABLED", false),
		OTLPEndpoint:     getEnv("IRIS_OTLP_ENDPOINT", "127.0.0.1:4318"),
		ServiceName:      getEnv("IRIS_SERVICE_NAME", DefaultServiceName),
		TraceSampleRatio: getEnvFloat("IRIS_TRACE_SAMPLE_RATIO", 1.0),
		OTLPInsecure:     getEnvBool("IRIS_OTLP_INSECURE", true),
		Environment:      getEnv("IRIS_ENVIRONMENT", "development"),
		Source:           ConfigSourceDefault,
	}

	for _, key := range []string{"IRIS_NATS_URL", "IRIS_SUBJECT_PREFIX", "IRIS_CONTEXT_ID", "IRIS_REQUEST_TIMEOUT"} {
		if os.Getenv(key) != "" {
			config.Source = ConfigSourceEnvVar
			break
		}
	}

	if config.ContextID.IsCurrent() {
		config.ContextID = frames.NewContextRef()
	}

	return config
}

// Validate checks the configuration for values the messenger cannot work with
func (c *Config) Validate() error {
	var errs []error
	if c.NATSURL == "" {
		errs = append(errs, errors.New("NATS URL cannot be empty"))
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " \t*>") {
		errs = append(errs, fmt.Errorf("invalid subject prefix %q", c.SubjectPrefix))
	}
	if c.ContextID.IsCurrent() {
		errs = append(errs, errors.New("context id cannot be empty"))
	}
	if c.ParentID != frames.Current && c.ParentID == c.ContextID {
		errs = append(errs, errors.New("context cannot be its own parent"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be greater than 0"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue size must be greater than 0"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("trace sample ratio %v outside [0,1]", c.TraceSampleRatio))
	}
	return errors.Join(errs...)
}

// ConnectionConfig returns the NATS connection settings
func (c *Config) ConnectionConfig() *internalnats.ConnectionConfig {
	conn := internalnats.DefaultConnectionConfig(c.NATSURL)
	conn.Name = c.ClientName
	conn.MaxReconnects = c.MaxReconnects
	conn.ReconnectWait = c.ReconnectWait
	conn.Token = os.Getenv("IRIS_NATS_TOKEN")
	conn.Username = os.Getenv("IRIS_NATS_USER")
	conn.Password = os.Getenv("IRIS_NATS_PASSWORD")
	return conn
}

// TracingConfig returns the OTLP tracing settings
func (c *Config) TracingConfig() tracing.TracingConfig {
	cfg := tracing.DefaultConfig(c.ServiceName)
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.SampleRatio = c.TraceSampleRatio
	cfg.Environment = c.Environment
	cfg.Insecure = c.OTLPInsecure
	cfg.ContextRef = string(c.ContextID)
	return cfg
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{NATSURL: %s, Prefix: %s, Context: %s, Parent: %s, RequestTimeout: %s, Tracing: %t, Source: %s}",
		c.NATSURL,
		c.SubjectPrefix,
		c.ContextID,
		c.ParentID,
		c.RequestTimeout,
		c.TracingEnabled,
		c.Source,
	)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
