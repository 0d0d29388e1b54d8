package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	configFileEnv     = "CONFIG_FILE"
	defaultConfigFile = "config/app.properties"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	PollIntervalSeconds int `env:"POLL_INTERVAL_SECONDS,default=60"`

	APIBaseURL        string `env:"API_BASE_URL,required=true"`
	APIFetchEndpoint  string `env:"API_FETCH_ENDPOINT,required=true"`
	APIUpdateEndpoint string `env:"API_UPDATE_ENDPOINT,required=true"`
	AuthToken         string `env:"AUTH_TOKEN,required=true"`

	EmailGatewayURL    string `env:"EMAIL_GATEWAY_URL,required=true"`
	EmailGatewayAPIKey string `env:"EMAIL_GATEWAY_API_KEY,required=true"`
	SMSGatewayURL      string `env:"SMS_GATEWAY_URL,required=true"`
	SMSGatewayAPIKey   string `env:"SMS_GATEWAY_API_KEY,required=true"`

	DeliveryMaxAttempts    int    `env:"DELIVERY_MAX_ATTEMPTS,default=3"`
	DeliveryRetryDelayMS   int    `env:"DELIVERY_RETRY_DELAY_MS,default=2000"`
	DeliveryConcurrency    int    `env:"DELIVERY_CONCURRENCY,default=1"`
	GatewayStrictStatus    bool   `env:"GATEWAY_STRICT_STATUS,default=true"`
	HTTPTimeoutSeconds     int    `env:"HTTP_TIMEOUT_SECONDS,default=10"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS,default=300"`
	RedisURL               string `env:"REDIS_URL"`
	GatewayRateLimitPerSec int    `env:"GATEWAY_RATE_LIMIT_PER_SEC,default=100"`
	MetricsPushgatewayURL  string `env:"METRICS_PUSHGATEWAY_URL"`
	LogLevel               string `env:"LOG_LEVEL,default=info"`
	LogFile                string `env:"LOG_FILE"`
}

// Load reads configuration from the process environment, falling back to
// values from the properties file named by CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromEnviron(os.Environ())
}

func LoadFromEnviron(environ []string) (*Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	path, explicit := es[configFileEnv]
	if !explicit || strings.TrimSpace(path) == "" {
		path, explicit = defaultConfigFile, false
	}

	fileValues, err := readPropertiesFile(path, explicit)
	if err != nil {
		return nil, err
	}
	for key, value := range fileValues {
		if _, ok := es[key]; !ok {
			es[key] = value
		}
	}

	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to load config: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.PollIntervalSeconds <= 0 {
		problems = append(problems, "POLL_INTERVAL_SECONDS must be positive")
	}
	if c.DeliveryMaxAttempts <= 0 {
		problems = append(problems, "DELIVERY_MAX_ATTEMPTS must be positive")
	}
	if c.DeliveryRetryDelayMS < 0 {
		problems = append(problems, "DELIVERY_RETRY_DELAY_MS must not be negative")
	}
	if c.DeliveryConcurrency <= 0 {
		problems = append(problems, "DELIVERY_CONCURRENCY must be positive")
	}
	if c.HTTPTimeoutSeconds <= 0 {
		problems = append(problems, "HTTP_TIMEOUT_SECONDS must be positive")
	}

	for name, raw := range map[string]string{
		"API_BASE_URL":      c.APIBaseURL,
		"EMAIL_GATEWAY_URL": c.EmailGatewayURL,
		"SMS_GATEWAY_URL":   c.SMSGatewayURL,
	} {
		if !isAbsoluteURL(raw) {
			problems = append(problems, fmt.Sprintf("%s must be an absolute http(s) url", name))
		}
	}
	if c.MetricsPushgatewayURL != "" && !isAbsoluteURL(c.MetricsPushgatewayURL) {
		problems = append(problems, "METRICS_PUSHGATEWAY_URL must be an absolute http(s) url")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.DeliveryRetryDelayMS) * time.Millisecond
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// readPropertiesFile loads key=value pairs and maps property keys such as
// email.gateway.apiKey to EMAIL_GATEWAY_API_KEY. A missing file is only an
// error when it was requested explicitly.
func readPropertiesFile(path string, explicit bool) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: config file %s: %v", ErrInvalidConfig, path, err)
	}

	raw, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file %s: %v", ErrInvalidConfig, path, err)
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		values[propertyToEnvKey(key)] = value
	}
	return values, nil
}

func propertyToEnvKey(key string) string {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(key))
	for i, r := range runes {
		switch {
		case r == '.' || r == '-':
			b.WriteRune('_')
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]):
			b.WriteRune('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
