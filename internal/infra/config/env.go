package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/coachpo/activitybus/internal/app/ratelimit"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "ACTIVITYBUS_"

// LoadDotEnv loads KEY=VALUE files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (l lookupFunc) get(name string) (string, bool) {
	v, ok := l(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// applyEnv overlays ACTIVITYBUS_* variables onto the file configuration.
func (c *AppConfig) applyEnv(lookup lookupFunc) error {
	if v, ok := lookup.get("ENV"); ok {
		c.Environment = Environment(v)
	}
	if v, ok := lookup.get("HTTP_ADDR"); ok {
		c.APIServer.Addr = v
	}
	if v, ok := lookup.get("REDIS_URL"); ok {
		c.Redis.URL = v
	}
	if v, ok := lookup.get("DATABASE_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := lookup.get("RUN_MIGRATIONS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sRUN_MIGRATIONS: %w", EnvPrefix, err)
		}
		c.Database.RunMigrations = b
	}
	if v, ok := lookup.get("BUS_BACKENDS"); ok {
		c.Bus.Backends = strings.Split(v, ",")
	}
	if v, ok := lookup.get("JWT_SECRET"); ok {
		c.Auth.Secret = v
	}
	if v, ok := lookup.get("JWT_ISSUER"); ok {
		c.Auth.Issuer = v
	}
	if v, ok := lookup.get("JWT_AUDIENCE"); ok {
		c.Auth.Audience = v
	}
	if v, ok := lookup.get("OTLP_ENDPOINT"); ok {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.EnableMetrics = true
	}

	rates := []struct {
		name string
		rule *ratelimit.Rule
	}{
		{"RATE_PUBLISH", &c.RateLimits.Publish},
		{"RATE_CONNECT", &c.RateLimits.Connect},
		{"RATE_BULK_READ", &c.RateLimits.BulkRead},
	}
	for _, r := range rates {
		v, ok := lookup.get(r.name)
		if !ok {
			continue
		}
		rule, err := ParseRule(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, r.name, err)
		}
		*r.rule = rule
	}
	return nil
}

// ParseRule reads "capacity/window" such as "60/1m". A bare number is per minute.
func ParseRule(s string) (ratelimit.Rule, error) {
	capPart, windowPart, hasWindow := strings.Cut(strings.TrimSpace(s), "/")
	capacity, err := strconv.Atoi(strings.TrimSpace(capPart))
	if err != nil {
		return ratelimit.Rule{}, fmt.Errorf("invalid capacity %q", capPart)
	}
	window := time.Minute
	if hasWindow {
		window, err = time.ParseDuration(strings.TrimSpace(windowPart))
		if err != nil {
			return ratelimit.Rule{}, fmt.Errorf("invalid window %q", windowPart)
		}
	}
	rule := ratelimit.Rule{Capacity: capacity, Window: window}
	if err := rule.Validate(); err != nil {
		return ratelimit.Rule{}, err
	}
	return rule, nil
}
