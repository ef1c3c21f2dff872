// Package bridgeconfig loads and validates promptbridge configuration, per
// spec §4.9.
package bridgeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/joeycumines/promptbridge/bridgeerr"
	"github.com/joeycumines/promptbridge/fingerprint"
)

// Config is the root configuration for a predictor's dependencies:
// provider connection, retry policy, and cache.
type Config struct {
	Provider    string  `json:"provider" validate:"required,oneof=openai anthropic cohere together ollama"`
	Model       string  `json:"model" validate:"required"`
	APIKey      string  `json:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty" validate:"omitempty,url"`
	Temperature float32 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   uint32  `json:"max_tokens" validate:"required,gt=0"`

	MaxRetries     int           `json:"max_retries" validate:"gte=0"`
	BaseBackoff    time.Duration `json:"base_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `json:"max_backoff" validate:"gt=0"`
	JitterRatio    float64       `json:"jitter_ratio" validate:"gte=0,lte=1"`
	RequestTimeout time.Duration `json:"request_timeout" validate:"gt=0"`

	CacheEnabled bool          `json:"cache_enabled"`
	CacheTTL     time.Duration `json:"cache_ttl" validate:"gte=0"`
	CacheL1Size  int           `json:"cache_l1_size" validate:"gte=0"`
	RedisAddr    string        `json:"redis_addr,omitempty"`

	// AsyncConcurrency bounds the number of concurrent in-flight
	// PredictAsync calls (spec §4.9/§5: "async_concurrency: u16"),
	// enforced by a semaphore acquired at the start of PredictAsync.
	// Zero means unbounded.
	AsyncConcurrency uint16 `json:"async_concurrency"`
}

// Default returns a Config with spec-mandated defaults; Provider and Model
// are left empty and must be supplied before Validate passes.
func Default() Config {
	return Config{
		Temperature:      0.0,
		MaxTokens:        1024,
		MaxRetries:       3,
		BaseBackoff:      500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		JitterRatio:      0.2,
		RequestTimeout:   30 * time.Second,
		CacheEnabled:     true,
		CacheTTL:         5 * time.Minute,
		CacheL1Size:      4096,
		AsyncConcurrency: 16,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks c against the struct tag rules above, returning a
// KindConfiguration *bridgeerr.Error describing every violation.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindConfiguration, "invalid configuration", err)
	}
	return nil
}

// Option mutates a Config under construction.
type Option func(*Config)

// New builds a Config starting from Default, applying opts, and validating
// the result.
func New(opts ...Option) (Config, error) {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func WithProvider(provider, model string) Option {
	return func(c *Config) { c.Provider = provider; c.Model = model }
}

func WithAPIKey(key string) Option { return func(c *Config) { c.APIKey = key } }

func WithBaseURL(url string) Option { return func(c *Config) { c.BaseURL = url } }

func WithTemperature(t float32) Option { return func(c *Config) { c.Temperature = t } }

func WithMaxTokens(n uint32) Option { return func(c *Config) { c.MaxTokens = n } }

func WithRetry(maxRetries int, base, max time.Duration, jitterRatio float64) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.BaseBackoff = base
		c.MaxBackoff = max
		c.JitterRatio = jitterRatio
	}
}

func WithRequestTimeout(d time.Duration) Option { return func(c *Config) { c.RequestTimeout = d } }

func WithAsyncConcurrency(n uint16) Option { return func(c *Config) { c.AsyncConcurrency = n } }

func WithCache(enabled bool, ttl time.Duration, l1Size int, redisAddr string) Option {
	return func(c *Config) {
		c.CacheEnabled = enabled
		c.CacheTTL = ttl
		c.CacheL1Size = l1Size
		c.RedisAddr = redisAddr
	}
}

// FromJSONFile loads and validates a Config from a JSON file at path.
func FromJSONFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, bridgeerr.Wrap(bridgeerr.KindConfiguration, fmt.Sprintf("reading config file %q", path), err)
	}
	c := Default()
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, bridgeerr.Wrap(bridgeerr.KindConfiguration, fmt.Sprintf("parsing config file %q", path), err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// providerAPIKeyVar maps a bridgeconfig provider name to the
// provider-specific environment variable FromEnv reads its API key (or,
// for ollama, its host) from, per spec §6.
var providerAPIKeyVar = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"cohere":    "COHERE_API_KEY",
	"together":  "TOGETHER_API_KEY",
	"ollama":    "OLLAMA_HOST",
}

// FromEnv loads a Config from the LM_* environment variables plus the
// provider-specific API key variable (spec §6: LM_PROVIDER, LM_MODEL,
// LM_TEMPERATURE, LM_MAX_TOKENS, OPENAI_API_KEY/ANTHROPIC_API_KEY/
// COHERE_API_KEY/TOGETHER_API_KEY/OLLAMA_HOST), layered on top of Default.
// Read once; it does not reload on change.
func FromEnv() (Config, error) {
	c := Default()

	if v, ok := os.LookupEnv("LM_PROVIDER"); ok {
		c.Provider = v
	}
	if v, ok := os.LookupEnv("LM_MODEL"); ok {
		c.Model = v
	}
	if v, ok := os.LookupEnv("LM_BASE_URL"); ok {
		c.BaseURL = v
	}
	if v, ok := os.LookupEnv("LM_TEMPERATURE"); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return Config{}, bridgeerr.Wrap(bridgeerr.KindConfiguration, "parsing LM_TEMPERATURE", err)
		}
		c.Temperature = float32(f)
	}
	if v, ok := os.LookupEnv("LM_MAX_TOKENS"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Config{}, bridgeerr.Wrap(bridgeerr.KindConfiguration, "parsing LM_MAX_TOKENS", err)
		}
		c.MaxTokens = uint32(n)
	}
	if keyVar, ok := providerAPIKeyVar[c.Provider]; ok {
		if v, ok := os.LookupEnv(keyVar); ok {
			c.APIKey = v
		}
	}
	if v, ok := os.LookupEnv("LM_REDIS_ADDR"); ok {
		c.RedisAddr = v
	}
	if v, ok := os.LookupEnv("LM_CACHE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, bridgeerr.Wrap(bridgeerr.KindConfiguration, "parsing LM_CACHE_ENABLED", err)
		}
		c.CacheEnabled = b
	}
	if v, ok := os.LookupEnv("LM_ASYNC_CONCURRENCY"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return Config{}, bridgeerr.Wrap(bridgeerr.KindConfiguration, "parsing LM_ASYNC_CONCURRENCY", err)
		}
		c.AsyncConcurrency = uint16(n)
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Fingerprint projects c onto the subset of fields that participate in a
// predictor's cache key.
func (c Config) Fingerprint(signature string) fingerprint.ConfigFingerprint {
	return fingerprint.ConfigFingerprint{
		Provider:    c.Provider,
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Signature:   signature,
	}
}
