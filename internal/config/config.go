package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/seantiz/infergate/internal/store"
)

// EnvPrefix is prepended to every option name to form its environment variable.
const EnvPrefix = "INFERGATE"

// Option keys. The environment variable is EnvPrefix + "_" + upper-cased key,
// and the command-line flag is the key with underscores replaced by dashes.
const (
	keyConfigFile          = "config"
	keyListenAddr          = "listen_addr"
	keyLogLevel            = "log_level"
	keyQueueMaxSize        = "queue_max_size"
	keyWorkers             = "workers"
	keyIdlePollInterval    = "idle_poll_interval"
	keyBackendURL          = "backend_url"
	keyBackendTimeout      = "backend_timeout"
	keyDispatchMaxAttempts = "dispatch_max_attempts"
	keyDispatchRetryDelay  = "dispatch_retry_delay"
	keyResultStore         = "result_store"
	keyResultDBPath        = "result_db_path"
	keyPrometheusURL       = "prometheus_url"
	keyRateQuery           = "rate_query"
	keyDeployment          = "deployment"
	keyNamespace           = "namespace"
	keyKubeconfig          = "kubeconfig"
	keyInCluster           = "in_cluster"
	keyTargetRate          = "target_rate_per_replica"
	keyMinReplicas         = "min_replicas"
	keyMaxReplicas         = "max_replicas"
	keyScaleInterval       = "scale_interval"
	keyScaleCallTimeout    = "scale_call_timeout"
)

const (
	defaultListenAddr          = ":8080"
	defaultLogLevel            = "info"
	defaultQueueMaxSize        = 100
	defaultWorkers             = 4
	defaultIdlePollInterval    = 100 * time.Millisecond
	defaultBackendURL          = "http://resnet-service"
	defaultBackendTimeout      = 5 * time.Second
	defaultDispatchMaxAttempts = 1
	defaultDispatchRetryDelay  = 200 * time.Millisecond
	defaultResultStore         = store.KindMemory
	defaultResultDBPath        = ":memory:"
	defaultPrometheusURL       = "http://localhost:9090"
	defaultRateQuery           = "rate(inference_requests_total[1m])"
	defaultDeployment          = "resnet-inference"
	defaultNamespace           = "default"
	defaultTargetRate          = 0.5
	defaultMinReplicas         = 1
	defaultMaxReplicas         = 5
	defaultScaleInterval       = 15 * time.Second
	defaultScaleCallTimeout    = 10 * time.Second
)

// ErrInvalid wraps every validation failure reported by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds application configuration loaded from flags, environment
// variables and an optional config file.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	QueueMaxSize        int
	Workers             int
	IdlePollInterval    time.Duration
	BackendURL          string
	BackendTimeout      time.Duration
	DispatchMaxAttempts int
	DispatchRetryDelay  time.Duration
	ResultStore         string
	ResultDBPath        string

	PrometheusURL        string
	RateQuery            string
	Deployment           string
	Namespace            string
	Kubeconfig           string
	InCluster            bool
	TargetRatePerReplica float64
	MinReplicas          int
	MaxReplicas          int
	ScaleInterval        time.Duration
	ScaleCallTimeout     time.Duration
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// AddFlags registers a flag for every option on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(flagName(keyConfigFile), "", "path to a YAML, JSON or TOML config file")
	fs.String(flagName(keyListenAddr), defaultListenAddr, "HTTP listen address")
	fs.String(flagName(keyLogLevel), defaultLogLevel, "log level: debug, info, warn or error")

	fs.Int(flagName(keyQueueMaxSize), defaultQueueMaxSize, "maximum number of queued tasks")
	fs.Int(flagName(keyWorkers), defaultWorkers, "number of dispatch workers")
	fs.Duration(flagName(keyIdlePollInterval), defaultIdlePollInterval, "how long an idle worker waits before re-checking for shutdown")
	fs.String(flagName(keyBackendURL), defaultBackendURL, "inference backend base URL")
	fs.Duration(flagName(keyBackendTimeout), defaultBackendTimeout, "per-call backend timeout")
	fs.Int(flagName(keyDispatchMaxAttempts), defaultDispatchMaxAttempts, "backend calls per task; 1 disables retries")
	fs.Duration(flagName(keyDispatchRetryDelay), defaultDispatchRetryDelay, "delay between dispatch attempts")
	fs.String(flagName(keyResultStore), defaultResultStore, "result store: memory or sqlite")
	fs.String(flagName(keyResultDBPath), defaultResultDBPath, "SQLite database path for the sqlite result store")

	fs.String(flagName(keyPrometheusURL), defaultPrometheusURL, "Prometheus server URL")
	fs.String(flagName(keyRateQuery), defaultRateQuery, "PromQL expression yielding the aggregate request rate")
	fs.String(flagName(keyDeployment), defaultDeployment, "deployment to scale")
	fs.String(flagName(keyNamespace), defaultNamespace, "namespace of the deployment")
	fs.String(flagName(keyKubeconfig), "", "path to a kubeconfig file; empty uses the default loading rules")
	fs.Bool(flagName(keyInCluster), false, "use the in-cluster service account")
	fs.Float64(flagName(keyTargetRate), defaultTargetRate, "target requests per second per replica")
	fs.Int(flagName(keyMinReplicas), defaultMinReplicas, "minimum replica count")
	fs.Int(flagName(keyMaxReplicas), defaultMaxReplicas, "maximum replica count")
	fs.Duration(flagName(keyScaleInterval), defaultScaleInterval, "time between autoscaler ticks")
	fs.Duration(flagName(keyScaleCallTimeout), defaultScaleCallTimeout, "timeout for each metrics or orchestrator call")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault(keyListenAddr, defaultListenAddr)
	v.SetDefault(keyLogLevel, defaultLogLevel)
	v.SetDefault(keyQueueMaxSize, defaultQueueMaxSize)
	v.SetDefault(keyWorkers, defaultWorkers)
	v.SetDefault(keyIdlePollInterval, defaultIdlePollInterval)
	v.SetDefault(keyBackendURL, defaultBackendURL)
	v.SetDefault(keyBackendTimeout, defaultBackendTimeout)
	v.SetDefault(keyDispatchMaxAttempts, defaultDispatchMaxAttempts)
	v.SetDefault(keyDispatchRetryDelay, defaultDispatchRetryDelay)
	v.SetDefault(keyResultStore, defaultResultStore)
	v.SetDefault(keyResultDBPath, defaultResultDBPath)
	v.SetDefault(keyPrometheusURL, defaultPrometheusURL)
	v.SetDefault(keyRateQuery, defaultRateQuery)
	v.SetDefault(keyDeployment, defaultDeployment)
	v.SetDefault(keyNamespace, defaultNamespace)
	v.SetDefault(keyKubeconfig, "")
	v.SetDefault(keyInCluster, false)
	v.SetDefault(keyTargetRate, defaultTargetRate)
	v.SetDefault(keyMinReplicas, defaultMinReplicas)
	v.SetDefault(keyMaxReplicas, defaultMaxReplicas)
	v.SetDefault(keyScaleInterval, defaultScaleInterval)
	v.SetDefault(keyScaleCallTimeout, defaultScaleCallTimeout)
	return v
}

var allKeys = []string{
	keyConfigFile, keyListenAddr, keyLogLevel,
	keyQueueMaxSize, keyWorkers, keyIdlePollInterval, keyBackendURL, keyBackendTimeout,
	keyDispatchMaxAttempts, keyDispatchRetryDelay, keyResultStore, keyResultDBPath,
	keyPrometheusURL, keyRateQuery, keyDeployment, keyNamespace, keyKubeconfig, keyInCluster,
	keyTargetRate, keyMinReplicas, keyMaxReplicas, keyScaleInterval, keyScaleCallTimeout,
}

// Load resolves the configuration. Precedence, highest first: flags set on
// fs, INFERGATE_* environment variables, the config file, defaults. fs may be
// nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := newViper()

	if fs != nil {
		for _, key := range allKeys {
			if f := fs.Lookup(flagName(key)); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	if path := v.GetString(keyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return Config{
		ListenAddr: v.GetString(keyListenAddr),
		LogLevel:   parseLogLevel(v.GetString(keyLogLevel)),

		QueueMaxSize:        v.GetInt(keyQueueMaxSize),
		Workers:             v.GetInt(keyWorkers),
		IdlePollInterval:    v.GetDuration(keyIdlePollInterval),
		BackendURL:          v.GetString(keyBackendURL),
		BackendTimeout:      v.GetDuration(keyBackendTimeout),
		DispatchMaxAttempts: v.GetInt(keyDispatchMaxAttempts),
		DispatchRetryDelay:  v.GetDuration(keyDispatchRetryDelay),
		ResultStore:         strings.ToLower(v.GetString(keyResultStore)),
		ResultDBPath:        v.GetString(keyResultDBPath),

		PrometheusURL:        v.GetString(keyPrometheusURL),
		RateQuery:            v.GetString(keyRateQuery),
		Deployment:           v.GetString(keyDeployment),
		Namespace:            v.GetString(keyNamespace),
		Kubeconfig:           v.GetString(keyKubeconfig),
		InCluster:            v.GetBool(keyInCluster),
		TargetRatePerReplica: v.GetFloat64(keyTargetRate),
		MinReplicas:          v.GetInt(keyMinReplicas),
		MaxReplicas:          v.GetInt(keyMaxReplicas),
		ScaleInterval:        v.GetDuration(keyScaleInterval),
		ScaleCallTimeout:     v.GetDuration(keyScaleCallTimeout),
	}, nil
}

// ValidateDispatch checks the options used by the serve command.
func (c Config) ValidateDispatch() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if c.QueueMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("queue max size must be positive, got %d", c.QueueMaxSize))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.IdlePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("idle poll interval must be positive, got %s", c.IdlePollInterval))
	}
	if c.BackendURL == "" {
		errs = append(errs, errors.New("backend URL must not be empty"))
	}
	if c.BackendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("backend timeout must be positive, got %s", c.BackendTimeout))
	}
	if c.DispatchMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("dispatch max attempts must be positive, got %d", c.DispatchMaxAttempts))
	}
	if c.DispatchRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("dispatch retry delay must not be negative, got %s", c.DispatchRetryDelay))
	}
	if c.ResultStore != store.KindMemory && c.ResultStore != store.KindSQLite {
		errs = append(errs, fmt.Errorf("unknown result store %q", c.ResultStore))
	}
	return wrapInvalid(errs)
}

// ValidateAutoscaler checks the options used by the autoscale command.
func (c Config) ValidateAutoscaler() error {
	var errs []error
	if c.PrometheusURL == "" {
		errs = append(errs, errors.New("prometheus URL must not be empty"))
	}
	if c.RateQuery == "" {
		errs = append(errs, errors.New("rate query must not be empty"))
	}
	if c.Deployment == "" {
		errs = append(errs, errors.New("deployment must not be empty"))
	}
	if c.TargetRatePerReplica <= 0 {
		errs = append(errs, fmt.Errorf("target rate per replica must be positive, got %v", c.TargetRatePerReplica))
	}
	if c.MinReplicas < 0 {
		errs = append(errs, fmt.Errorf("min replicas must not be negative, got %d", c.MinReplicas))
	}
	if c.MaxReplicas > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("max replicas must not exceed %d, got %d", math.MaxInt32, c.MaxReplicas))
	}
	if c.MinReplicas > c.MaxReplicas {
		errs = append(errs, fmt.Errorf("min replicas %d exceeds max replicas %d", c.MinReplicas, c.MaxReplicas))
	}
	if c.ScaleInterval <= 0 {
		errs = append(errs, fmt.Errorf("scale interval must be positive, got %s", c.ScaleInterval))
	}
	if c.ScaleCallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scale call timeout must be positive, got %s", c.ScaleCallTimeout))
	}
	return wrapInvalid(errs)
}

// Validate checks every option.
func (c Config) Validate() error {
	return wrapInvalid([]error{c.ValidateDispatch(), c.ValidateAutoscaler()})
}

func wrapInvalid(errs []error) error {
	err := errors.Join(errs...)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalid) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInvalid, err)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
