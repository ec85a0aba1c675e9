package main

import (
	"fmt"
	"os"
	"time"

	throttleproxy "github.com/always-cache/throttle-proxy"
	"github.com/always-cache/throttle-proxy/cache"
	"github.com/always-cache/throttle-proxy/pkg/policy"
	"github.com/always-cache/throttle-proxy/pkg/throttle"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen          string        `yaml:"listen"          env:"THROTTLE_PROXY_LISTEN"`
	CacheExpiry     time.Duration `yaml:"cacheExpiry"     env:"THROTTLE_PROXY_CACHE_EXPIRY"`
	MaxEntries      int           `yaml:"maxEntries"      env:"THROTTLE_PROXY_MAX_ENTRIES"`
	Provider        string        `yaml:"provider"        env:"THROTTLE_PROXY_PROVIDER"`
	DB              string        `yaml:"db"              env:"THROTTLE_PROXY_DB"`
	ChunkSize       int           `yaml:"chunkSize"       env:"THROTTLE_PROXY_CHUNK_SIZE"`
	ChunkDelay      time.Duration `yaml:"chunkDelay"      env:"THROTTLE_PROXY_CHUNK_DELAY"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout"    env:"THROTTLE_PROXY_FETCH_TIMEOUT"`
	Collapse        bool          `yaml:"collapse"        env:"THROTTLE_PROXY_COLLAPSE"`
	BlockedDomains  []string      `yaml:"blockedDomains"  env:"THROTTLE_PROXY_BLOCKED_DOMAINS"  envSeparator:","`
	BlockedKeywords []string      `yaml:"blockedKeywords" env:"THROTTLE_PROXY_BLOCKED_KEYWORDS" envSeparator:","`
}

func defaultConfig() Config {
	return Config{
		Listen:          ":5050",
		CacheExpiry:     cache.DefaultExpiry,
		Provider:        "memory",
		ChunkSize:       throttle.DefaultChunkSize,
		ChunkDelay:      throttle.DefaultDelay,
		BlockedDomains:  append([]string(nil), policy.DefaultBlockedDomains...),
		BlockedKeywords: append([]string(nil), policy.DefaultBlockedKeywords...),
	}
}

// loadConfig reads the defaults, then the config file (if any), then the environment.
// Later sources override earlier ones.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func (c Config) validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1, is %d", c.ChunkSize)
	}
	if c.ChunkDelay < 0 {
		return fmt.Errorf("chunk delay must not be negative, is %s", c.ChunkDelay)
	}
	if c.CacheExpiry <= 0 {
		return fmt.Errorf("cache expiry must be positive, is %s", c.CacheExpiry)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must not be negative, is %s", c.FetchTimeout)
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("max entries must not be negative, is %d", c.MaxEntries)
	}
	if c.Provider != "memory" && c.Provider != "sqlite" {
		return fmt.Errorf("unsupported cache provider: %s", c.Provider)
	}
	return nil
}

func (c Config) cacheConfig() cache.Config {
	return cache.Config{
		Expiry:     c.CacheExpiry,
		MaxEntries: c.MaxEntries,
	}
}

// proxyConfig converts the command configuration into the library configuration.
// The cache provider is set up by the caller.
func (c Config) proxyConfig() throttleproxy.Config {
	return throttleproxy.Config{
		CacheExpiry:     c.CacheExpiry,
		CacheMaxEntries: c.MaxEntries,
		Rules: policy.Rules{
			Domains:  c.BlockedDomains,
			Keywords: c.BlockedKeywords,
		},
		ChunkSize:    c.ChunkSize,
		ChunkDelay:   c.ChunkDelay,
		FetchTimeout: c.FetchTimeout,
		Collapse:     c.Collapse,
	}
}
