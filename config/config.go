// config/config.go

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	sharedconfig "github.com/TuringDynamics3000/TuringMachines/shared/config"
)

// OrchestratorConfig layers the orchestrator's tuning knobs on top of the
// shared infrastructure config (DB, Kafka, RabbitMQ).
type OrchestratorConfig struct {
	CommonConfig *sharedconfig.CommonConfig // gives us DB/Kafka/RabbitMQ directly

	HTTPAddr string // listen address for the ingest + query API

	// Serializer knobs
	WorkerCap            int           // max concurrent per-workflow handlers
	PerWorkflowQueueDepth int          // backpressure threshold
	ActorIdleTTL         time.Duration // how long an idle per-workflow actor lingers
	EventHandlerDeadline time.Duration // per-event processing budget

	// Risk client knobs
	RiskURL         string
	RiskTimeout     time.Duration
	RiskMaxRetries  int
	RiskBackoffBase time.Duration
	RiskBackoffCap  time.Duration

	// RiskRetainOnTransient switches the exhausted-transient policy from
	// "finalise as review" to "retain the event for later retry".
	RiskRetainOnTransient bool

	// Policy
	DefaultJurisdiction string // pack used when a workflow carries no jurisdiction hint

	// Outbound publication: "sync" publishes in the handler,
	// "async_with_buffer" hands off to a buffered background writer.
	OutboundPublishMode string

	// Dead-letter policy: how many handler attempts an event gets before
	// it is parked on the dead-letter queue.
	DeadletterMaxAttempts int
}

// Load reads the orchestrator configuration from the environment.
// Infrastructure values come from the shared config; everything else has
// a safe default so a local run needs no env at all.
func Load() (*OrchestratorConfig, error) {
	common := sharedconfig.LoadCommonConfig()

	cfg := &OrchestratorConfig{
		CommonConfig: common,

		HTTPAddr: getEnv("HTTP_ADDR", ":8102"),

		WorkerCap:             getEnvInt("WORKER_CAP", 64),
		PerWorkflowQueueDepth: getEnvInt("PER_WORKFLOW_QUEUE_DEPTH", 32),
		ActorIdleTTL:          getEnvDuration("ACTOR_IDLE_TTL", 30*time.Second),
		EventHandlerDeadline:  getEnvDuration("EVENT_HANDLER_DEADLINE", 15*time.Second),

		RiskURL:         getEnv("RISK_URL", "http://localhost:8103"),
		RiskTimeout:     getEnvDuration("RISK_TIMEOUT", 5*time.Second),
		RiskMaxRetries:  getEnvInt("RISK_MAX_RETRIES", 2),
		RiskBackoffBase: getEnvDuration("RISK_BACKOFF_BASE", 200*time.Millisecond),
		RiskBackoffCap:  getEnvDuration("RISK_BACKOFF_CAP", 2*time.Second),

		RiskRetainOnTransient: os.Getenv("RISK_RETAIN_ON_TRANSIENT") == "true",

		DefaultJurisdiction: getEnv("DEFAULT_JURISDICTION", "AU"),

		OutboundPublishMode: getEnv("OUTBOUND_PUBLISH_MODE", "sync"),

		DeadletterMaxAttempts: getEnvInt("DEADLETTER_MAX_ATTEMPTS", 3),
	}

	// Validate the few values we cannot guess a meaning for.
	if cfg.OutboundPublishMode != "sync" && cfg.OutboundPublishMode != "async_with_buffer" {
		return nil, fmt.Errorf("OUTBOUND_PUBLISH_MODE must be 'sync' or 'async_with_buffer', got %q", cfg.OutboundPublishMode)
	}
	if cfg.PerWorkflowQueueDepth < 1 {
		return nil, fmt.Errorf("PER_WORKFLOW_QUEUE_DEPTH must be >= 1")
	}
	if cfg.WorkerCap < 1 {
		return nil, fmt.Errorf("WORKER_CAP must be >= 1")
	}
	if cfg.RiskTimeout >= cfg.EventHandlerDeadline {
		// The risk budget must leave room for finalisation inside the
		// handler deadline.
		return nil, fmt.Errorf("RISK_TIMEOUT (%s) must be smaller than EVENT_HANDLER_DEADLINE (%s)", cfg.RiskTimeout, cfg.EventHandlerDeadline)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
