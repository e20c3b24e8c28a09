package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
)

// Cache backends.
const (
	BackendInMemory  = cache.BackendInMemory
	BackendMemcached = cache.BackendMemcached
	BackendRedis     = cache.BackendRedis
)

// StoreConfig returns the cache backend settings for cache.Open.
func (c *Config) StoreConfig() cache.BackendConfig {
	return cache.BackendConfig{
		Backend:               c.CacheBackend,
		MemcachedAddrs:        c.MemcachedAddrs,
		MemcachedTimeout:      c.MemcachedTimeout,
		MemcachedMaxIdleConns: c.MemcachedMaxIdleConns,
		RedisURL:              c.RedisURL,
	}
}

// Config holds service configuration loaded from .env, YAML and the environment.
type Config struct {
	Env        string
	ServerPort string `validate:"required,numeric"`
	LogLevel   string

	WeatherAPIKey     string
	WeatherAPIURL     string        `validate:"required,url"`
	WeatherAPITimeout time.Duration `validate:"gt=0"`
	DefaultLocation   string        `validate:"required"`

	RequestTimeout time.Duration `validate:"gt=0"`

	CacheTTL              time.Duration `validate:"gt=0"`
	CacheBackend          string        `validate:"oneof=in_memory memcached redis"`
	MemcachedAddrs        string        `validate:"required_if=CacheBackend memcached"`
	MemcachedTimeout      time.Duration `validate:"gt=0"`
	MemcachedMaxIdleConns int           `validate:"gte=1"`
	RedisURL              string        `validate:"required_if=CacheBackend redis"`
	SweepInterval         time.Duration `validate:"gte=0"`

	CoalesceEnabled bool
	CoalesceTimeout time.Duration `validate:"gte=0"`

	WarmingEnabled   bool
	WarmingInterval  time.Duration `validate:"gte=0"`
	WarmingLocations []string      `validate:"dive,required"`

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int           `validate:"gte=1"`
	CircuitBreakerSuccessThreshold int           `validate:"gte=1"`
	CircuitBreakerTimeout          time.Duration `validate:"gt=0"`

	RateLimitRPS   int `validate:"gte=1"`
	RateLimitBurst int `validate:"gte=1"`

	ShutdownTimeout time.Duration `validate:"gt=0"`

	DegradedWindow      time.Duration `validate:"gt=0"`
	DegradedErrorPct    int           `validate:"gte=1,lte=100"`
	DegradedMinRequests int           `validate:"gte=0"`

	LocationMinLength int `validate:"gte=1"`
	LocationMaxLength int `validate:"gtefield=LocationMinLength"`

	TrackedLocations []string
}

type fileConfig struct {
	LogLevel string `yaml:"log_level"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL             string `yaml:"url"`
		Timeout         string `yaml:"timeout"`
		DefaultLocation string `yaml:"default_location"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend       string `yaml:"backend"`
		TTL           string `yaml:"ttl"`
		SweepInterval string `yaml:"sweep_interval"`
		Memcached     struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			URL string `yaml:"url"`
		} `yaml:"redis"`
		Coalesce struct {
			Enabled *bool  `yaml:"enabled"`
			Timeout string `yaml:"timeout"`
		} `yaml:"coalesce"`
		Warming struct {
			Enabled   bool     `yaml:"enabled"`
			Interval  string   `yaml:"interval"`
			Locations []string `yaml:"locations"`
		} `yaml:"warming"`
	} `yaml:"cache"`

	CircuitBreaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Health struct {
		DegradedWindow      string `yaml:"degraded_window"`
		DegradedErrorPct    int    `yaml:"degraded_error_pct"`
		DegradedMinRequests *int   `yaml:"degraded_min_requests"`
	} `yaml:"health"`

	Validation struct {
		LocationMinLength int `yaml:"location_min_length"`
		LocationMaxLength int `yaml:"location_max_length"`
	} `yaml:"validation"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom reads configuration from dir: an optional .env file, an optional
// config/{ENV_NAME}.yaml (default dev) and an optional config/secrets.yaml.
// Non-empty process environment wins over .env; both win over YAML. A missing API key is
// not an error here: lookups fail with a configuration error instead.
func LoadFrom(dir string) (*Config, error) {
	dotenv, err := readDotenv(filepath.Join(dir, ".env"))
	if err != nil {
		return nil, err
	}
	env := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(dotenv[key])
	}

	envName := env("ENV_NAME")
	if envName == "" {
		envName = "dev"
	}

	var fc fileConfig
	if err := readYAML(filepath.Join(dir, "config", envName+".yaml"), &fc); err != nil {
		return nil, err
	}

	cfg := &Config{Env: envName}

	cfg.ServerPort = firstNonEmpty(env("SERVER_PORT"), fc.Server.Port, "8080")
	cfg.LogLevel = firstNonEmpty(env("LOG_LEVEL"), fc.LogLevel, "INFO")

	cfg.WeatherAPIKey = env("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		var sec secretsFile
		if err := readYAML(filepath.Join(dir, "config", "secrets.yaml"), &sec); err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = strings.TrimSpace(sec.WeatherAPIKey)
	}
	cfg.WeatherAPIURL = firstNonEmpty(env("WEATHER_API_URL"), fc.WeatherAPI.URL, "http://api.weatherapi.com/v1/current.json")
	cfg.DefaultLocation = firstNonEmpty(env("WEATHER_DEFAULT_LOCATION"), fc.WeatherAPI.DefaultLocation, "Perth, Australia")

	if cfg.WeatherAPITimeout, err = durationSetting(env("WEATHER_API_TIMEOUT"), "WEATHER_API_TIMEOUT", fc.WeatherAPI.Timeout, 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = durationSetting(env("WEATHER_CACHE_TTL"), "WEATHER_CACHE_TTL", fc.Cache.TTL, 900*time.Second); err != nil {
		return nil, err
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, cfg.WeatherAPITimeout+time.Second)

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(env("CACHE_BACKEND"), strings.TrimSpace(fc.Cache.Backend), BackendInMemory))
	cfg.MemcachedAddrs = firstNonEmpty(env("MEMCACHED_ADDRS"), strings.TrimSpace(fc.Cache.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)
	cfg.RedisURL = firstNonEmpty(env("REDIS_URL"), strings.TrimSpace(fc.Cache.Redis.URL), "redis://localhost:6379/0")
	cfg.SweepInterval = parseDurationOrZero(fc.Cache.SweepInterval, time.Minute)

	cfg.CoalesceEnabled = boolOr(fc.Cache.Coalesce.Enabled, true)
	cfg.CoalesceTimeout = parseDuration(fc.Cache.Coalesce.Timeout, cfg.WeatherAPITimeout+time.Second)

	cfg.WarmingEnabled = fc.Cache.Warming.Enabled
	cfg.WarmingInterval = parseDurationOrZero(fc.Cache.Warming.Interval, 0)
	cfg.WarmingLocations = fc.Cache.Warming.Locations

	cfg.CircuitBreakerEnabled = boolOr(fc.CircuitBreaker.Enabled, true)
	cfg.CircuitBreakerFailureThreshold = positiveOr(fc.CircuitBreaker.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = positiveOr(fc.CircuitBreaker.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 250)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Health.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Health.DegradedErrorPct, 5)
	cfg.DegradedMinRequests = 10
	if fc.Health.DegradedMinRequests != nil {
		cfg.DegradedMinRequests = *fc.Health.DegradedMinRequests
	}

	cfg.LocationMinLength = positiveOr(fc.Validation.LocationMinLength, 2)
	cfg.LocationMaxLength = positiveOr(fc.Validation.LocationMaxLength, 255)

	cfg.TrackedLocations = fc.Metrics.TrackedLocations
	if len(cfg.TrackedLocations) == 0 {
		cfg.TrackedLocations = []string{cfg.DefaultLocation}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readDotenv(path string) (map[string]string, error) {
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read .env file: %w", err)
	}
	return vals, nil
}

// readYAML decodes path into out. A missing file leaves out untouched.
func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file %s: %w", filepath.Base(path), err)
	}
	return nil
}

// durationSetting resolves a setting given in whole seconds by the environment
// or as a duration string in YAML.
func durationSetting(envVal, envName, yamlVal string, defaultVal time.Duration) (time.Duration, error) {
	if envVal != "" {
		secs, err := strconv.Atoi(envVal)
		if err != nil || secs <= 0 {
			return 0, fmt.Errorf("%s must be a positive number of seconds, got %q", envName, envVal)
		}
		return time.Duration(secs) * time.Second, nil
	}
	return parseDuration(yamlVal, defaultVal), nil
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
// Zero is returned as-is; callers use it to disable periodic jobs.
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

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, defaultVal int) int {
	if v <= 0 {
		return defaultVal
	}
	return v
}

func boolOr(v *bool, defaultVal bool) bool {
	if v == nil {
		return defaultVal
	}
	return *v
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validate checks field constraints and keeps RequestTimeout above the upstream timeout.
func validate(cfg *Config) error {
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	err := structValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s (got %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
