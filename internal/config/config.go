// Package config defines the global configuration for the RelayPoint
// notification pipeline. Process configuration is loaded once at startup and
// is immutable thereafter, following 12-Factor principles. Delivery policy
// (escalation matrices, override tables, thresholds) lives in the policy
// file and is hot-reloadable via the admin reload operation.
//
// Values are resolved from the OS environment, with an optional .env file
// for local development. Any missing required value or invalid format causes
// the application to fail immediately on startup.
package config

import (
	"time"

	"relaypoint/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level process configuration. It is populated once during
// initialization and never modified. Sub-components receive only the config
// subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"relaypoint"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Pipeline PipelineConfig
	Audit    AuditConfig
	Policy   PolicyFileConfig
	Chat     ChatConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL             SecretString  `envconfig:"DATABASE_URL" validate:"required"`
	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// RedisConfig holds the optional shared counter store settings. When Addr is
// empty the pipeline uses the in-memory counter store.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`
}

// AWSConfig holds queue URLs and the metrics namespace for the AWS-backed
// collaborators (SQS intake and reminders, CloudWatch delivery metrics).
type AWSConfig struct {
	Region           string `envconfig:"AWS_REGION" default:"us-east-1"`
	EventQueueURL    string `envconfig:"EVENT_QUEUE_URL"`
	ReminderQueueURL string `envconfig:"REMINDER_QUEUE_URL"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"RelayPoint"`
	MetricsDisabled  bool   `envconfig:"METRICS_DISABLED" default:"false"`
	SESFromAddress   string `envconfig:"SES_FROM_ADDRESS" default:"no-reply@relaypoint.example"`
}

// PipelineConfig tunes the orchestration engine.
type PipelineConfig struct {
	// IntakeQueueSize bounds the inbound buffer; Enqueue on a full queue is
	// rejected so producer bursts cannot exhaust memory.
	IntakeQueueSize int `envconfig:"PIPELINE_INTAKE_QUEUE_SIZE" default:"4096"`

	// DrainInterval is the fixed tick on which the intake queue is drained.
	DrainInterval time.Duration `envconfig:"PIPELINE_DRAIN_INTERVAL" default:"1s"`

	// DrainBatchSize is the number of queued notifications processed per tick.
	DrainBatchSize int `envconfig:"PIPELINE_DRAIN_BATCH" default:"64"`

	// DeliveryTimeout bounds each adapter call.
	DeliveryTimeout time.Duration `envconfig:"PIPELINE_DELIVERY_TIMEOUT" default:"10s"`

	// DeliveryConcurrency bounds parallel channel deliveries per notification.
	DeliveryConcurrency int `envconfig:"PIPELINE_DELIVERY_CONCURRENCY" default:"5"`

	// SweepInterval is the tick for background counter/dedup sweeps.
	SweepInterval time.Duration `envconfig:"PIPELINE_SWEEP_INTERVAL" default:"5m"`
}

// AuditConfig tunes the batched audit writer.
type AuditConfig struct {
	BufferSize    int           `envconfig:"AUDIT_BUFFER_SIZE" default:"8192"`
	BatchSize     int           `envconfig:"AUDIT_BATCH_SIZE" default:"100"`
	FlushInterval time.Duration `envconfig:"AUDIT_FLUSH_INTERVAL" default:"2s"`
	MaxRetries    int           `envconfig:"AUDIT_FLUSH_MAX_RETRIES" default:"3"`
	Retention     time.Duration `envconfig:"AUDIT_RETENTION" default:"2160h"` // 90 days
}

// ChatConfig holds outbound chat webhook signing settings. When SigningSecret
// is empty, chat deliveries are posted unsigned. PreviousSigningSecret keeps
// a rotated-out secret valid until PreviousSecretExpiry (RFC3339) so tenants
// can roll secrets without dropping verification.
type ChatConfig struct {
	SigningSecret         SecretString `envconfig:"CHAT_SIGNING_SECRET"`
	PreviousSigningSecret SecretString `envconfig:"CHAT_PREVIOUS_SIGNING_SECRET"`
	PreviousSecretExpiry  string       `envconfig:"CHAT_PREVIOUS_SECRET_EXPIRY"`
}

// PolicyFileConfig points at the optional policy override file. When Path is
// empty the built-in defaults apply. The file is re-read on the admin reload
// operation.
type PolicyFileConfig struct {
	Path string `envconfig:"POLICY_FILE"`
}
