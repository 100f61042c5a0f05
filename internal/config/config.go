// Package config loads the proxy configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the complete proxy configuration.
type Config struct {
	Server      ServerConfig   `koanf:"server"`
	Upstream    UpstreamConfig `koanf:"upstream"`
	URLsToWatch []string       `koanf:"urls_to_watch"`
	Recording   Recording      `koanf:"recording"`
	Report      ReportConfig   `koanf:"report"`
	Chaos       ChaosConfig    `koanf:"chaos"`
	Latency     LatencyConfig  `koanf:"latency"`
	Mocks       MocksConfig    `koanf:"mocks"`
	Rewrites    []RewriteRule  `koanf:"rewrites"`
	// Plugins lists enabled plugins in registration (dispatch) order.
	Plugins []string `koanf:"plugins"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type UpstreamConfig struct {
	TimeoutSeconds int `koanf:"timeout_seconds"`
}

type Recording struct {
	AutoStart bool `koanf:"auto_start"`
}

type ReportConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
}

type ChaosConfig struct {
	FailureRate       int   `koanf:"failure_rate"`
	RetryAfterSeconds int   `koanf:"retry_after_seconds"`
	AllowedErrors     []int `koanf:"allowed_errors"`
}

type LatencyConfig struct {
	MinMs int `koanf:"min_ms"`
	MaxMs int `koanf:"max_ms"`
}

type MocksConfig struct {
	File string `koanf:"file"`
}

type RewriteRule struct {
	Pattern     string `koanf:"pattern"`
	Replacement string `koanf:"replacement"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from path (when it exists) and lets SNARE_*
// environment variables override it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("SNARE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "SNARE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8000)
	}
	if !k.Exists("upstream.timeout_seconds") {
		k.Set("upstream.timeout_seconds", 30)
	}
	if !k.Exists("chaos.retry_after_seconds") {
		k.Set("chaos.retry_after_seconds", 5)
	}
	if !k.Exists("chaos.failure_rate") {
		k.Set("chaos.failure_rate", 50)
	}
	if !k.Exists("plugins") {
		k.Set("plugins", []string{"chaos"})
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.Chaos.FailureRate < 0 || cfg.Chaos.FailureRate > 100 {
		return nil, fmt.Errorf("chaos.failure_rate %d out of range [0,100]", cfg.Chaos.FailureRate)
	}

	cfg.Mocks.File = substituteEnvVars(cfg.Mocks.File)
	cfg.Report.SQLitePath = substituteEnvVars(cfg.Report.SQLitePath)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
