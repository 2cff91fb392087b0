// Package config содержит логику чтения конфигурации шлюза perpus.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultAPIBaseURL    = "http://perpus-api.mamorasoft.com/api"
	defaultAPITimeout    = 5 * time.Second
	defaultAPIRateLimit  = 10
	defaultCacheTTL      = 5 * time.Minute
	defaultAuthCacheTTL  = time.Minute
	defaultPageSize      = 50
	defaultTimeZone      = "Asia/Jakarta"
	defaultRefreshPeriod = 0
)

// ErrInvalidConfig оборачивает ошибки проверки конфигурации.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config содержит параметры конфигурации шлюза.
type Config struct {
	RunAddress            string        `env:"RUN_ADDRESS"`
	APIBaseURL            string        `env:"API_BASE_URL"`
	APIToken              string        `env:"API_TOKEN"`
	APITimeout            time.Duration `env:"API_TIMEOUT"`
	APIRateLimit          float64       `env:"API_RATE_LIMIT"`
	MemberCacheTTL        time.Duration `env:"MEMBER_CACHE_TTL"`
	MemberPageSize        int           `env:"MEMBER_PAGE_SIZE"`
	MemberRefreshInterval time.Duration `env:"MEMBER_REFRESH_INTERVAL"`
	AuthCacheTTL          time.Duration `env:"AUTH_CACHE_TTL"`
	TimeZone              string        `env:"TIME_ZONE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.APIBaseURL, "u", defaultAPIBaseURL, "perpus API base URL")
	flag.StringVar(&cfg.APIToken, "t", "", "service bearer token for perpus API")
	flag.DurationVar(&cfg.APITimeout, "timeout", defaultAPITimeout, "perpus API request timeout")
	flag.Float64Var(&cfg.APIRateLimit, "rps", defaultAPIRateLimit, "perpus API requests per second, 0 disables limiting")
	flag.DurationVar(&cfg.MemberCacheTTL, "ttl", defaultCacheTTL, "member directory cache TTL")
	flag.IntVar(&cfg.MemberPageSize, "page-size", defaultPageSize, "member directory load page size")
	flag.DurationVar(&cfg.MemberRefreshInterval, "refresh", defaultRefreshPeriod, "member directory background refresh interval, 0 disables it")
	flag.DurationVar(&cfg.AuthCacheTTL, "auth-ttl", defaultAuthCacheTTL, "how long an accepted caller token is remembered")
	flag.StringVar(&cfg.TimeZone, "tz", defaultTimeZone, "library time zone for loan dates")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет значения, которые нельзя исправить значением по умолчанию.
func (c *Config) Validate() error {
	switch {
	case c.APIBaseURL == "":
		return fmt.Errorf("%w: API base URL is empty", ErrInvalidConfig)
	case c.APITimeout <= 0:
		return fmt.Errorf("%w: API timeout must be positive", ErrInvalidConfig)
	case c.APIRateLimit < 0:
		return fmt.Errorf("%w: API rate limit must not be negative", ErrInvalidConfig)
	case c.MemberCacheTTL <= 0:
		return fmt.Errorf("%w: member cache TTL must be positive", ErrInvalidConfig)
	case c.MemberPageSize < 1:
		return fmt.Errorf("%w: member page size must be positive", ErrInvalidConfig)
	case c.MemberRefreshInterval < 0:
		return fmt.Errorf("%w: member refresh interval must not be negative", ErrInvalidConfig)
	case c.AuthCacheTTL <= 0:
		return fmt.Errorf("%w: auth cache TTL must be positive", ErrInvalidConfig)
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: time zone %q: %v", ErrInvalidConfig, c.TimeZone, err)
	}
	return nil
}

// Location возвращает часовой пояс библиотеки.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.LoadLocation(defaultTimeZone)
	}
	return time.LoadLocation(c.TimeZone)
}
