package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/epsgram-notifier/internal/models"
)

var validate = validator.New()

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort      string        `validate:"required,numeric"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	RateLimitRPS    int           `validate:"gte=0"`
	RateLimitBurst  int           `validate:"gte=0"`

	ChartsAPIURL     string           `validate:"required,url"`
	ChartsAPITimeout time.Duration    `validate:"gt=0"`
	ChartsAPIRPS     float64          `validate:"gte=0"`
	ChartsAPIBurst   int              `validate:"gte=0"`
	Product          string           `validate:"required"`
	Package          string           `validate:"required"`
	Variants         []models.Variant `validate:"required,min=1,unique,dive,required"`

	RetryAttempts      int           `validate:"gte=1"`
	RetryDelay         time.Duration `validate:"gte=0"`
	ForbiddenThreshold int           `validate:"gte=1"`
	ForbiddenCooldown  time.Duration `validate:"gt=0"`

	PlotsDir string `validate:"required"`

	CacheBackend          string `validate:"oneof=in_memory memcached"`
	CacheTTL              time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	StatePath string

	SchedulerInterval time.Duration `validate:"gt=0"`
	CycleTimeout      time.Duration `validate:"gt=0"`

	SubscriptionsFile string
	MQTTBroker        string
	MQTTUsername      string
	MQTTPassword      string
	MQTTTopicPrefix   string
	MQTTQoS           int `validate:"gte=0,lte=2"`
	MQTTTimeout       time.Duration

	ArchiveBucket string
	ArchiveRegion string
	ArchivePrefix string

	DegradedWindow      time.Duration
	DegradedErrorPct    int `validate:"gte=0,lte=100"`
	DegradedMinRequests int `validate:"gte=0"`

	LocationsFile    string
	Locations        []models.Location
	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port            string `yaml:"port"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Request struct {
		Timeout        string `yaml:"timeout"`
		RateLimitRPS   int    `yaml:"rate_limit_rps"`
		RateLimitBurst int    `yaml:"rate_limit_burst"`
	} `yaml:"request"`

	ChartsAPI struct {
		BaseURL   string   `yaml:"base_url"`
		Timeout   string   `yaml:"timeout"`
		RateLimit float64  `yaml:"rate_limit"`
		Burst     int      `yaml:"burst"`
		Product   string   `yaml:"product"`
		Package   string   `yaml:"package"`
		Variants  []string `yaml:"variants"`
	} `yaml:"charts_api"`

	Reliability struct {
		RetryMaxAttempts   int    `yaml:"retry_max_attempts"`
		RetryDelay         string `yaml:"retry_delay"`
		ForbiddenThreshold int    `yaml:"forbidden_threshold"`
		ForbiddenCooldown  string `yaml:"forbidden_cooldown"`
	} `yaml:"reliability"`

	Plots struct {
		Dir string `yaml:"dir"`
	} `yaml:"plots"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	State struct {
		Path string `yaml:"path"`
	} `yaml:"state"`

	Scheduler struct {
		Interval     string `yaml:"interval"`
		CycleTimeout string `yaml:"cycle_timeout"`
	} `yaml:"scheduler"`

	Delivery struct {
		SubscriptionsFile string `yaml:"subscriptions_file"`
		MQTT              struct {
			Broker      string `yaml:"broker"`
			Username    string `yaml:"username"`
			TopicPrefix string `yaml:"topic_prefix"`
			QoS         int    `yaml:"qos"`
			Timeout     string `yaml:"timeout"`
		} `yaml:"mqtt"`
	} `yaml:"delivery"`

	Archive struct {
		S3 struct {
			Bucket string `yaml:"bucket"`
			Region string `yaml:"region"`
			Prefix string `yaml:"prefix"`
		} `yaml:"s3"`
	} `yaml:"archive"`

	Health struct {
		DegradedWindow      string `yaml:"degraded_window"`
		DegradedErrorPct    int    `yaml:"degraded_error_pct"`
		DegradedMinRequests int    `yaml:"degraded_min_requests"`
	} `yaml:"health"`

	Locations struct {
		File string `yaml:"file"`
	} `yaml:"locations"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	MQTTPassword string `yaml:"mqtt_password"`
}

type locationsFile struct {
	Locations []models.Location `yaml:"locations" validate:"required,min=1,unique=Name,dive"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), the
// locations file, and config/secrets.yaml. A .env file in the working
// directory is applied first; variables already set win. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = strings.TrimSpace(fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.ShutdownTimeout = parseDuration(fc.Server.ShutdownTimeout, 30*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 2*time.Minute)
	cfg.RateLimitRPS = fc.Request.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 5
	}
	cfg.RateLimitBurst = fc.Request.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 10
	}

	cfg.ChartsAPIURL = envOr("CHARTS_API_URL", fc.ChartsAPI.BaseURL)
	if cfg.ChartsAPIURL == "" {
		cfg.ChartsAPIURL = "https://charts.ecmwf.int/opencharts-api/v1/"
	}
	cfg.ChartsAPITimeout = parseDurationOrZero(fc.ChartsAPI.Timeout, 30*time.Second)
	cfg.ChartsAPIRPS = fc.ChartsAPI.RateLimit
	cfg.ChartsAPIBurst = fc.ChartsAPI.Burst
	if cfg.ChartsAPIRPS > 0 && cfg.ChartsAPIBurst <= 0 {
		cfg.ChartsAPIBurst = 1
	}
	cfg.Product = strings.TrimSpace(fc.ChartsAPI.Product)
	if cfg.Product == "" {
		cfg.Product = "opencharts_meteogram"
	}
	cfg.Package = strings.TrimSpace(fc.ChartsAPI.Package)
	if cfg.Package == "" {
		cfg.Package = "openchart"
	}
	if len(fc.ChartsAPI.Variants) == 0 {
		cfg.Variants = append([]models.Variant(nil), models.DefaultVariants...)
	} else {
		for _, v := range fc.ChartsAPI.Variants {
			cfg.Variants = append(cfg.Variants, models.Variant(strings.TrimSpace(v)))
		}
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 10
	}
	cfg.RetryDelay = parseDuration(fc.Reliability.RetryDelay, 5*time.Second)
	cfg.ForbiddenThreshold = fc.Reliability.ForbiddenThreshold
	if cfg.ForbiddenThreshold <= 0 {
		cfg.ForbiddenThreshold = 3
	}
	cfg.ForbiddenCooldown = parseDuration(fc.Reliability.ForbiddenCooldown, 10*time.Minute)

	cfg.PlotsDir = envOr("PLOTS_DIR", fc.Plots.Dir)
	if cfg.PlotsDir == "" {
		cfg.PlotsDir = "plots"
	}

	cfg.CacheBackend = strings.ToLower(envOr("CACHE_BACKEND", fc.Cache.Backend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 6*time.Hour)
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.Cache.Memcached.Addrs)
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.StatePath = envOr("STATE_PATH", fc.State.Path)

	cfg.SchedulerInterval = parseDuration(fc.Scheduler.Interval, 2*time.Minute)
	cfg.CycleTimeout = parseDuration(fc.Scheduler.CycleTimeout, 30*time.Minute)

	cfg.SubscriptionsFile = strings.TrimSpace(fc.Delivery.SubscriptionsFile)
	if cfg.SubscriptionsFile == "" {
		cfg.SubscriptionsFile = filepath.Join("config", "subscriptions.yaml")
	}
	if !filepath.IsAbs(cfg.SubscriptionsFile) {
		cfg.SubscriptionsFile = filepath.Join(cwd, cfg.SubscriptionsFile)
	}
	cfg.MQTTBroker = envOr("MQTT_BROKER", fc.Delivery.MQTT.Broker)
	cfg.MQTTUsername = strings.TrimSpace(fc.Delivery.MQTT.Username)
	cfg.MQTTTopicPrefix = strings.TrimSpace(fc.Delivery.MQTT.TopicPrefix)
	cfg.MQTTQoS = fc.Delivery.MQTT.QoS
	cfg.MQTTTimeout = parseDuration(fc.Delivery.MQTT.Timeout, 10*time.Second)
	cfg.MQTTPassword = os.Getenv("MQTT_PASSWORD")
	if cfg.MQTTPassword == "" {
		sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.MQTTPassword = sec.MQTTPassword
	}

	cfg.ArchiveBucket = envOr("ARCHIVE_BUCKET", fc.Archive.S3.Bucket)
	cfg.ArchiveRegion = strings.TrimSpace(fc.Archive.S3.Region)
	cfg.ArchivePrefix = strings.TrimSpace(fc.Archive.S3.Prefix)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 15*time.Minute)
	cfg.DegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.DegradedMinRequests = fc.Health.DegradedMinRequests
	if cfg.DegradedMinRequests <= 0 {
		cfg.DegradedMinRequests = 5
	}

	cfg.LocationsFile = strings.TrimSpace(fc.Locations.File)
	if cfg.LocationsFile == "" {
		cfg.LocationsFile = filepath.Join("config", "locations.yaml")
	}
	if !filepath.IsAbs(cfg.LocationsFile) {
		cfg.LocationsFile = filepath.Join(cwd, cfg.LocationsFile)
	}
	cfg.Locations, err = LoadLocations(cfg.LocationsFile)
	if err != nil {
		return nil, err
	}
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLocations reads and validates a locations YAML file
// (locations: [{name, api_name, lat, lon, region}]).
func LoadLocations(path string) ([]models.Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("locations file not found: %s", path)
		}
		return nil, fmt.Errorf("read locations file: %w", err)
	}
	var lf locationsFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse locations file: %w", err)
	}
	for i := range lf.Locations {
		lf.Locations[i].Name = strings.TrimSpace(lf.Locations[i].Name)
		lf.Locations[i].APIName = strings.TrimSpace(lf.Locations[i].APIName)
	}
	if err := validate.Struct(lf); err != nil {
		return nil, fmt.Errorf("invalid locations file %s: %w", path, err)
	}
	return lf.Locations, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

// envOr returns the trimmed env var, or the trimmed fallback when unset.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validateConfig checks field constraints and cross-field rules.
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.CycleTimeout < cfg.ChartsAPITimeout {
		return fmt.Errorf("scheduler.cycle_timeout (%s) must be at least charts_api.timeout (%s)", cfg.CycleTimeout, cfg.ChartsAPITimeout)
	}
	if cfg.ArchiveBucket != "" && cfg.ArchiveRegion == "" {
		return fmt.Errorf("archive.s3.region is required when a bucket is set")
	}
	return nil
}
