package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	SnapshotCodecJSON    = "json"
	SnapshotCodecMsgpack = "msgpack"

	SnapshotBackendFile = "file"
	SnapshotBackendEtcd = "etcd"
)

type Env struct {
	AppPort               int
	AppName               string
	AppLogLevel           string
	AppEnv                string
	AppMetricSamplingRate float64
	StatsdAddress         string

	MonitorInterval           time.Duration
	MonitorTargets            []string
	ProbeTimeout              time.Duration
	ProbeSimulatedFailureRate float64

	CBFailureThreshold          int
	CBOpenTimeout               time.Duration
	CBHalfOpenRequiredSuccesses int

	RecoveryStepSettle      time.Duration
	RecoveryHistoryCapacity int
	StatusHistoryLimit      int

	SnapshotBackend      string
	SnapshotPath         string
	SnapshotCodec        string
	SnapshotHistoryLimit int
	SnapshotInterval     time.Duration
	ShutdownDrain        time.Duration
	SeedDefaultWorkflows bool

	IdempotencyTTL time.Duration

	UseEtcdTargetCatalog bool
	EtcdEndpoints        []string
	EtcdUsername         string
	EtcdPassword         string
	EtcdTimeout          time.Duration
}

var (
	initialized bool
	once        sync.Once
	instance    Env
	initError   error
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", 8080)
	v.SetDefault("APP_NAME", "control-plane")
	v.SetDefault("APP_LOG_LEVEL", "INFO")
	v.SetDefault("APP_METRIC_SAMPLING_RATE", 1.0)
	v.SetDefault("STATSD_ADDRESS", "localhost:8125")
	v.SetDefault("MONITOR_INTERVAL_SECONDS", 15)
	v.SetDefault("MONITOR_TARGETS", "revenue-engine,database,api-gateway,cache,queue,storage")
	v.SetDefault("PROBE_TIMEOUT_SECONDS", 5)
	v.SetDefault("PROBE_SIMULATED_FAILURE_RATE", 0.0)
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_OPEN_TIMEOUT_SECONDS", 60)
	v.SetDefault("CB_HALF_OPEN_REQUIRED_SUCCESSES", 3)
	v.SetDefault("RECOVERY_STEP_SETTLE_MS", 1000)
	v.SetDefault("RECOVERY_HISTORY_CAPACITY", 1000)
	v.SetDefault("STATUS_HISTORY_LIMIT", 10)
	v.SetDefault("SNAPSHOT_BACKEND", SnapshotBackendFile)
	v.SetDefault("SNAPSHOT_PATH", "control_plane_state.snapshot")
	v.SetDefault("SNAPSHOT_CODEC", SnapshotCodecJSON)
	v.SetDefault("SNAPSHOT_HISTORY_LIMIT", 100)
	v.SetDefault("SNAPSHOT_INTERVAL_SECONDS", 60)
	v.SetDefault("SHUTDOWN_DRAIN_SECONDS", 10)
	v.SetDefault("SEED_DEFAULT_WORKFLOWS", true)
	v.SetDefault("IDEMPOTENCY_TTL_SECONDS", 24*60*60)
	v.SetDefault("USE_ETCD_TARGET_CATALOG", false)
	v.SetDefault("ETCD_ENDPOINTS", "127.0.0.1:2379")
	v.SetDefault("ETCD_TIMEOUT_SECONDS", 5)
}

// Load reads the environment through v. Defaults are applied for every unset key.
func Load(v *viper.Viper) (Env, error) {
	setDefaults(v)
	v.AutomaticEnv()

	port := v.GetInt("APP_PORT")
	if port <= 0 {
		return Env{}, fmt.Errorf("invalid APP_PORT: %q", v.GetString("APP_PORT"))
	}
	samplingRate := v.GetFloat64("APP_METRIC_SAMPLING_RATE")
	if samplingRate <= 0 || samplingRate > 1 {
		return Env{}, fmt.Errorf("invalid APP_METRIC_SAMPLING_RATE: %q", v.GetString("APP_METRIC_SAMPLING_RATE"))
	}

	interval, err := positiveSeconds(v, "MONITOR_INTERVAL_SECONDS")
	if err != nil {
		return Env{}, err
	}
	targets := ParseList(v.GetString("MONITOR_TARGETS"))
	probeTimeout, err := positiveSeconds(v, "PROBE_TIMEOUT_SECONDS")
	if err != nil {
		return Env{}, err
	}
	failureRate := v.GetFloat64("PROBE_SIMULATED_FAILURE_RATE")
	if failureRate < 0 || failureRate > 1 {
		return Env{}, fmt.Errorf("invalid PROBE_SIMULATED_FAILURE_RATE: %q", v.GetString("PROBE_SIMULATED_FAILURE_RATE"))
	}

	threshold := v.GetInt("CB_FAILURE_THRESHOLD")
	if threshold < 1 {
		return Env{}, fmt.Errorf("invalid CB_FAILURE_THRESHOLD: %q", v.GetString("CB_FAILURE_THRESHOLD"))
	}
	openTimeout, err := positiveSeconds(v, "CB_OPEN_TIMEOUT_SECONDS")
	if err != nil {
		return Env{}, err
	}
	halfOpenSuccesses := v.GetInt("CB_HALF_OPEN_REQUIRED_SUCCESSES")
	if halfOpenSuccesses < 1 {
		return Env{}, fmt.Errorf("invalid CB_HALF_OPEN_REQUIRED_SUCCESSES: %q", v.GetString("CB_HALF_OPEN_REQUIRED_SUCCESSES"))
	}

	settleMs := v.GetInt("RECOVERY_STEP_SETTLE_MS")
	if settleMs < 0 {
		return Env{}, fmt.Errorf("invalid RECOVERY_STEP_SETTLE_MS: %q", v.GetString("RECOVERY_STEP_SETTLE_MS"))
	}
	historyCapacity, err := positiveInt(v, "RECOVERY_HISTORY_CAPACITY")
	if err != nil {
		return Env{}, err
	}
	statusLimit, err := positiveInt(v, "STATUS_HISTORY_LIMIT")
	if err != nil {
		return Env{}, err
	}

	backend := strings.ToLower(strings.TrimSpace(v.GetString("SNAPSHOT_BACKEND")))
	if backend != SnapshotBackendFile && backend != SnapshotBackendEtcd {
		return Env{}, fmt.Errorf("invalid SNAPSHOT_BACKEND: %q", backend)
	}
	snapshotPath := strings.TrimSpace(v.GetString("SNAPSHOT_PATH"))
	if snapshotPath == "" {
		return Env{}, fmt.Errorf("invalid SNAPSHOT_PATH: cannot be empty")
	}
	codec := strings.ToLower(strings.TrimSpace(v.GetString("SNAPSHOT_CODEC")))
	if codec != SnapshotCodecJSON && codec != SnapshotCodecMsgpack {
		return Env{}, fmt.Errorf("invalid SNAPSHOT_CODEC: %q", codec)
	}
	snapshotLimit, err := positiveInt(v, "SNAPSHOT_HISTORY_LIMIT")
	if err != nil {
		return Env{}, err
	}
	snapshotEvery := v.GetInt("SNAPSHOT_INTERVAL_SECONDS")
	if snapshotEvery < 0 {
		return Env{}, fmt.Errorf("invalid SNAPSHOT_INTERVAL_SECONDS: %q", v.GetString("SNAPSHOT_INTERVAL_SECONDS"))
	}
	drain, err := positiveSeconds(v, "SHUTDOWN_DRAIN_SECONDS")
	if err != nil {
		return Env{}, err
	}

	idempotencyTTL, err := positiveSeconds(v, "IDEMPOTENCY_TTL_SECONDS")
	if err != nil {
		return Env{}, err
	}

	etcdTimeout, err := positiveSeconds(v, "ETCD_TIMEOUT_SECONDS")
	if err != nil {
		return Env{}, err
	}
	endpoints := ParseList(v.GetString("ETCD_ENDPOINTS"))
	useEtcd := v.GetBool("USE_ETCD_TARGET_CATALOG")
	if (useEtcd || backend == SnapshotBackendEtcd) && len(endpoints) == 0 {
		return Env{}, fmt.Errorf("invalid ETCD_ENDPOINTS: required when USE_ETCD_TARGET_CATALOG or SNAPSHOT_BACKEND=etcd is set")
	}

	return Env{
		AppPort:                     port,
		AppName:                     strings.TrimSpace(v.GetString("APP_NAME")),
		AppLogLevel:                 strings.TrimSpace(v.GetString("APP_LOG_LEVEL")),
		AppEnv:                      strings.TrimSpace(v.GetString("APP_ENV")),
		AppMetricSamplingRate:       samplingRate,
		StatsdAddress:               strings.TrimSpace(v.GetString("STATSD_ADDRESS")),
		MonitorInterval:             interval,
		MonitorTargets:              targets,
		ProbeTimeout:                probeTimeout,
		ProbeSimulatedFailureRate:   failureRate,
		CBFailureThreshold:          threshold,
		CBOpenTimeout:               openTimeout,
		CBHalfOpenRequiredSuccesses: halfOpenSuccesses,
		RecoveryStepSettle:          time.Duration(settleMs) * time.Millisecond,
		RecoveryHistoryCapacity:     historyCapacity,
		StatusHistoryLimit:          statusLimit,
		SnapshotBackend:             backend,
		SnapshotPath:                snapshotPath,
		SnapshotCodec:               codec,
		SnapshotHistoryLimit:        snapshotLimit,
		SnapshotInterval:            time.Duration(snapshotEvery) * time.Second,
		ShutdownDrain:               drain,
		SeedDefaultWorkflows:        v.GetBool("SEED_DEFAULT_WORKFLOWS"),
		IdempotencyTTL:              idempotencyTTL,
		UseEtcdTargetCatalog:        useEtcd,
		EtcdEndpoints:               endpoints,
		EtcdUsername:                strings.TrimSpace(v.GetString("ETCD_USERNAME")),
		EtcdPassword:                v.GetString("ETCD_PASSWORD"),
		EtcdTimeout:                 etcdTimeout,
	}, nil
}

func positiveSeconds(v *viper.Viper, key string) (time.Duration, error) {
	sec := v.GetInt(key)
	if sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v.GetString(key))
	}
	return time.Duration(sec) * time.Second, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	n := v.GetInt(key)
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v.GetString(key))
	}
	return n, nil
}

// ParseList splits a comma separated value, dropping blanks.
func ParseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func InitEnv() {
	if initialized {
		log.Debug().Msg("Env already initialized!")
		return
	}
	once.Do(func() {
		instance, initError = Load(viper.GetViper())
		if initError != nil {
			log.Panic().Err(initError).Msg("failed to load env")
		}
		initialized = true
		log.Info().Msg("Env initialized!")
	})
}

func Instance() Env {
	InitEnv()
	if initError != nil {
		panic(initError)
	}
	return instance
}
