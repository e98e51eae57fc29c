package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"kitchenpulse/internal/domain/models"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// WeightTolerance is the allowed deviation of a weight set's sum from 1.0.
const WeightTolerance = 1e-6

// ErrInvalidConfig is matched by every ValidationError.
var ErrInvalidConfig = errors.New("invalid config")

// ValidationError reports a configuration value the service refuses to run with.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Log         struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"console" validate:"oneof=json console"`
		Output string `yaml:"output" default:"stdout" validate:"required"`
	} `yaml:"log"`
	Server struct {
		Port                  int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
		ReadTimeout           time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout          time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout       time.Duration `yaml:"shutdown_timeout" default:"15s"`
		TrustClientTimestamps bool          `yaml:"trust_client_timestamps"`
		RateLimit             struct {
			Capacity     float64 `yaml:"capacity" default:"200" validate:"gt=0"`
			RefillPerSec float64 `yaml:"refill_per_sec" default:"100" validate:"gt=0"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Estimator EstimatorConfig `yaml:"estimator"`
	Rush      RushConfig      `yaml:"rush"`
	Storage   struct {
		Backend        string `yaml:"backend" default:"memory" validate:"oneof=memory redis postgres"`
		RestoreOnStart bool   `yaml:"restore_on_start"`
	} `yaml:"storage"`
	Outbox struct {
		BufferSize    int           `yaml:"buffer_size" default:"10000" validate:"gte=1"`
		BatchSize     int           `yaml:"batch_size" default:"500" validate:"gte=1"`
		FlushInterval time.Duration `yaml:"flush_interval" default:"1s"`
	} `yaml:"outbox"`
	Redis struct {
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix" default:"kitchenpulse"`
	} `yaml:"redis"`
	Postgres struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns" default:"10"`
	} `yaml:"postgres"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"kitchenpulse"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
	Kafka struct {
		Enabled        bool     `yaml:"enabled"`
		Brokers        []string `yaml:"brokers"`
		SignalsTopic   string   `yaml:"signals_topic" default:"kp.signals"`
		EstimatesTopic string   `yaml:"estimates_topic" default:"kp.estimates"`
		RushTopic      string   `yaml:"rush_topic" default:"kp.rush"`
		RequiredAcks   int      `yaml:"required_acks" default:"-1"`
		Compression    string   `yaml:"compression" default:"snappy" validate:"oneof=gzip snappy lz4 zstd"`
		Producer       struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"kitchenpulse"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"256"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
}

// EstimatorConfig tunes the bias-correction algorithm and order lifecycle.
type EstimatorConfig struct {
	ProximityBiasWindow      time.Duration `yaml:"proximity_bias_window" default:"5m"`
	CorrectionFactor         float64       `yaml:"correction_factor" default:"1.2"`
	ProximityThresholdMeters float64       `yaml:"proximity_threshold_meters" default:"100"`
	AbandonTimeout           time.Duration `yaml:"abandon_timeout" default:"90m"`
	SweepInterval            time.Duration `yaml:"sweep_interval" default:"30s"`
	Retention                time.Duration `yaml:"retention" default:"2h"`
	TombstoneRetention       time.Duration `yaml:"tombstone_retention" default:"24h"`
	LockTimeout              time.Duration `yaml:"lock_timeout" default:"250ms"`
	SubscriberBuffer         int           `yaml:"subscriber_buffer" default:"16" validate:"gte=1"`
}

// RushConfig holds source weights and status band thresholds.
type RushConfig struct {
	DefaultWeights    map[string]float64            `yaml:"default_weights" default:"{\"zomato\":0.4,\"competitor\":0.35,\"in-store\":0.25}"`
	RestaurantWeights map[string]map[string]float64 `yaml:"restaurant_weights"`
	ModerateThreshold int                           `yaml:"moderate_threshold" default:"40"`
	HighThreshold     int                           `yaml:"high_threshold" default:"70"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("KP_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("KP_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}

	// overrides can change backend selection; check again
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks struct tags and the domain rules of the estimation model.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Namespace(), Message: fmt.Sprintf("failed %q rule", fe.Tag())}
		}
		return &ValidationError{Field: "config", Message: err.Error()}
	}

	e := c.Estimator
	if e.CorrectionFactor <= 1.0 {
		return &ValidationError{Field: "estimator.correction_factor", Message: fmt.Sprintf("must be > 1.0, got %v", e.CorrectionFactor)}
	}
	for name, d := range map[string]time.Duration{
		"estimator.proximity_bias_window": e.ProximityBiasWindow,
		"estimator.abandon_timeout":       e.AbandonTimeout,
		"estimator.sweep_interval":        e.SweepInterval,
		"estimator.retention":             e.Retention,
		"estimator.tombstone_retention":   e.TombstoneRetention,
		"estimator.lock_timeout":          e.LockTimeout,
	} {
		if d <= 0 {
			return &ValidationError{Field: name, Message: "must be a positive duration"}
		}
	}
	if e.TombstoneRetention < e.Retention {
		return &ValidationError{Field: "estimator.tombstone_retention", Message: "must be >= estimator.retention"}
	}
	if e.ProximityThresholdMeters < 0 {
		return &ValidationError{Field: "estimator.proximity_threshold_meters", Message: "must be >= 0"}
	}

	r := c.Rush
	if r.ModerateThreshold < 0 || r.HighThreshold > 100 || r.ModerateThreshold >= r.HighThreshold {
		return &ValidationError{
			Field:   "rush.moderate_threshold",
			Message: fmt.Sprintf("thresholds must satisfy 0 <= moderate < high <= 100, got %d/%d", r.ModerateThreshold, r.HighThreshold),
		}
	}
	if err := ValidateWeights("rush.default_weights", r.DefaultWeights); err != nil {
		return err
	}
	ids := make([]string, 0, len(r.RestaurantWeights))
	for id := range r.RestaurantWeights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := ValidateWeights("rush.restaurant_weights."+id, r.RestaurantWeights[id]); err != nil {
			return err
		}
	}

	switch c.Storage.Backend {
	case "postgres":
		if c.Postgres.DSN == "" {
			return &ValidationError{Field: "postgres.dsn", Message: "required when storage.backend is postgres"}
		}
	case "redis":
		if c.Redis.Addr == "" {
			return &ValidationError{Field: "redis.addr", Message: "required when storage.backend is redis"}
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return &ValidationError{Field: "kafka.brokers", Message: "required when kafka is enabled"}
	}
	return nil
}

// ValidateWeights checks that a weight set only names known sources, has no
// negative weight and sums to 1.0 within WeightTolerance.
func ValidateWeights(field string, w map[string]float64) error {
	if len(w) == 0 {
		return &ValidationError{Field: field, Message: "weights are required"}
	}
	sum := 0.0
	for name, v := range w {
		if !models.Source(name).IsValid() {
			return &ValidationError{Field: field + "." + name, Message: "unknown source"}
		}
		if v < 0 || math.IsNaN(v) {
			return &ValidationError{Field: field + "." + name, Message: "weight must be >= 0"}
		}
		sum += v
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return &ValidationError{Field: field, Message: fmt.Sprintf("weights must sum to 1.0, got %.6f", sum)}
	}
	return nil
}

// SourceWeights converts a validated weight set into typed form.
func SourceWeights(w map[string]float64) map[models.Source]float64 {
	out := make(map[models.Source]float64, len(w))
	for name, v := range w {
		out[models.Source(name)] = v
	}
	return out
}
