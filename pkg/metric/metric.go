package metric

import (
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
)

const (
	CircuitBreakerStateChanged = "circuit_breaker_state_changed"
	HealthCheckCount           = "health_check_count"
	HealthCheckLatency         = "health_check_latency"
	HealthCheckSkipped         = "health_check_skipped"
	RecoveryCount              = "recovery_count"
	RecoveryLatency            = "recovery_latency"
	RecoveryStepCount          = "recovery_step_count"
	WorkflowTransitionCount    = "workflow_transition_count"
	SnapshotSaveCount          = "snapshot_save_count"
	SnapshotSaveLatency        = "snapshot_save_latency"
	OrchestratorUptime         = "orchestrator_uptime_seconds"
	OrchestratorRecoveries     = "orchestrator_recoveries"
	OrchestratorWorkflows      = "orchestrator_workflows_registered"
)

type Config struct {
	AppName      string
	AppEnv       string
	Address      string
	SamplingRate float64
}

var (
	// it is safe to use one client from multiple goroutines simultaneously
	statsDClient statsd.ClientInterface = getDefaultClient()
	// by default full sampling
	samplingRate = 1.0
	appName      = ""
	initialized  = false
	once         sync.Once
)

// Init initializes the metrics client
func Init(config Config) {
	if initialized {
		log.Debug().Msgf("Metrics already initialized!")
		return
	}
	once.Do(func() {
		address := config.Address
		if address == "" {
			address = "localhost:8125"
		}
		if config.SamplingRate > 0 {
			samplingRate = config.SamplingRate
		}
		appName = config.AppName
		globalTags := getGlobalTags(config)

		client, err := statsd.New(
			address,
			statsd.WithTags(globalTags),
		)
		if err != nil {
			log.Panic().Err(err).Msg("StatsD client initialization failed")
		}
		statsDClient = client
		log.Info().Msgf("Metrics client initialized with statsd address - %s, global tags - %v, and "+
			"sampling rate - %f", address, globalTags, samplingRate)
		initialized = true
	})
}

// Close flushes buffered metrics.
func Close() {
	if err := statsDClient.Close(); err != nil {
		log.Warn().Err(err).Msg("Error occurred while closing statsd client")
	}
}

func getDefaultClient() statsd.ClientInterface {
	client, err := statsd.New("localhost:8125")
	if err != nil {
		return &statsd.NoOpClient{}
	}
	return client
}

func getGlobalTags(config Config) []string {
	env := config.AppEnv
	if len(env) == 0 {
		log.Warn().Msg("APP_ENV is not set")
	}
	service := config.AppName
	if len(service) == 0 {
		log.Warn().Msg("APP_NAME is not set")
	}
	return []string{
		TagAsString(TagEnv, env),
		TagAsString(TagService, service),
	}
}

// Timing sends timing information
func Timing(name string, value time.Duration, tags []string) {
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Timing(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd timing")
	}
}

// Count Increases metric counter by value
func Count(name string, value int64, tags []string) {
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Count(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd count")
	}
}

// Incr Increases metric counter by 1
func Incr(name string, tags []string) {
	Count(name, 1, tags)
}

func Gauge(name string, value float64, tags []string) {
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Gauge(name, value, tags, samplingRate)
	if err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd gauge")
	}
}
