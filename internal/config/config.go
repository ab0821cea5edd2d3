package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL        = "https://x402.asrai.me"
	defaultHTTPBind       = "0.0.0.0"
	defaultHTTPPort       = 8402
	defaultRequestTimeout = 30
	defaultToolTimeout    = 55
	defaultRateLimit      = 120
)

var (
	defaultMaxSpend   = decimal.RequireFromString("2.0")
	defaultCallPrice  = decimal.RequireFromString("0.001")
	defaultMaxPayment = decimal.RequireFromString("0.1")
)

type Config struct {
	// PrivateKey is never logged.
	PrivateKey string
	MaxSpend   decimal.Decimal

	BaseURL            string
	CallPrice          decimal.Decimal
	MaxPayment         decimal.Decimal
	RequestTimeoutSecs int

	ToolTimeoutSecs int
	ToolPolicyFile  string
	ToolPolicies    map[string]ToolPolicy

	HTTPBind        string
	HTTPPort        int
	RateLimitPerMin int
	RedisURL        string

	OTLPEndpoint string
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSecs) * time.Second
}

func Load() *Config {
	cfg := &Config{
		PrivateKey:   strings.TrimSpace(os.Getenv("PRIVATE_KEY")),
		RedisURL:     strings.TrimSpace(os.Getenv("REDIS_URL")),
		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}

	if cfg.PrivateKey == "" {
		log.Println("Warning: PRIVATE_KEY not set, HTTP clients must connect with ?key=")
	}

	cfg.MaxSpend = positiveDecimal("ASRAI_MAX_SPEND", defaultMaxSpend)
	cfg.CallPrice = positiveDecimal("ASRAI_CALL_PRICE", defaultCallPrice)
	cfg.MaxPayment = positiveDecimal("ASRAI_MAX_PAYMENT", defaultMaxPayment)

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("ASRAI_BASE_URL")), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	cfg.RequestTimeoutSecs = positiveInt("ASRAI_REQUEST_TIMEOUT_SECS", defaultRequestTimeout)
	cfg.ToolTimeoutSecs = positiveInt("ASRAI_TOOL_TIMEOUT_SECS", defaultToolTimeout)
	if cfg.ToolTimeoutSecs <= cfg.RequestTimeoutSecs {
		log.Printf("Warning: ASRAI_TOOL_TIMEOUT_SECS=%d does not exceed the request timeout of %ds", cfg.ToolTimeoutSecs, cfg.RequestTimeoutSecs)
	}

	cfg.ToolPolicyFile = strings.TrimSpace(os.Getenv("ASRAI_TOOL_POLICY_FILE"))
	if cfg.ToolPolicyFile != "" {
		policies, err := LoadToolPolicies(cfg.ToolPolicyFile)
		if err != nil {
			log.Printf("Warning: ignoring ASRAI_TOOL_POLICY_FILE: %v", err)
		} else {
			cfg.ToolPolicies = policies
		}
	}

	cfg.HTTPBind = strings.TrimSpace(os.Getenv("ASRAI_HOST"))
	if cfg.HTTPBind == "" {
		cfg.HTTPBind = defaultHTTPBind
	}
	cfg.HTTPPort = positiveInt("ASRAI_PORT", defaultHTTPPort)
	cfg.RateLimitPerMin = positiveInt("ASRAI_RATE_LIMIT_PER_MIN", defaultRateLimit)

	return cfg
}

func positiveInt(name string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("Warning: invalid %s=%q, defaulting to %d", name, v, fallback)
		return fallback
	}
	return n
}

func positiveDecimal(name string, fallback decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil || !d.IsPositive() {
		log.Printf("Warning: invalid %s=%q, defaulting to %s", name, v, fallback)
		return fallback
	}
	return d
}
