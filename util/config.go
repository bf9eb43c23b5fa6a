package util

import (
	_ "embed"
	"fmt"
	"gopkg.in/yaml.v3"
	"log"
	"os"
	"strconv"
	"time"
)

const Name = "mammut"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		WithAp    bool   `yaml:"withAp"`
		Closed    bool   `yaml:"closed"`
	}
	Federation FederationConfig `yaml:"federation"`
	Cache      CacheConfig      `yaml:"cache"`
}

// FederationConfig holds the delivery and inbox tunables. The defaults
// below are starting points, not contracts; everything here can be
// overridden in config.yaml.
type FederationConfig struct {
	BackoffBaseSeconds     int `yaml:"backoffBaseSeconds"`
	BackoffCapSeconds      int `yaml:"backoffCapSeconds"`
	MaxAttempts            int `yaml:"maxAttempts"`
	BreakerThreshold       int `yaml:"breakerThreshold"`
	BreakerCooldownSeconds int `yaml:"breakerCooldownSeconds"`
	GraceWindowSeconds     int `yaml:"graceWindowSeconds"`
	SkewToleranceSeconds   int `yaml:"skewToleranceSeconds"`
	RequestTimeoutSeconds  int `yaml:"requestTimeoutSeconds"`
	PollIntervalSeconds    int `yaml:"pollIntervalSeconds"`
	MaxParallelDomains     int `yaml:"maxParallelDomains"`
	MaxInflightPerDomain   int `yaml:"maxInflightPerDomain"`
	RetentionHours         int `yaml:"retentionHours"`
}

type CacheConfig struct {
	SessionCapacity    int `yaml:"sessionCapacity"`
	TimelineCapacity   int `yaml:"timelineCapacity"`
	RevokedCapacity    int `yaml:"revokedCapacity"`
	ActorTTLHours      int `yaml:"actorTTLHours"`
	NegativeTTLMinutes int `yaml:"negativeTTLMinutes"`
}

func (f FederationConfig) BackoffBase() time.Duration {
	return time.Duration(f.BackoffBaseSeconds) * time.Second
}

func (f FederationConfig) BackoffCap() time.Duration {
	return time.Duration(f.BackoffCapSeconds) * time.Second
}

func (f FederationConfig) BreakerCooldown() time.Duration {
	return time.Duration(f.BreakerCooldownSeconds) * time.Second
}

func (f FederationConfig) GraceWindow() time.Duration {
	return time.Duration(f.GraceWindowSeconds) * time.Second
}

func (f FederationConfig) SkewTolerance() time.Duration {
	return time.Duration(f.SkewToleranceSeconds) * time.Second
}

func (f FederationConfig) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutSeconds) * time.Second
}

func (f FederationConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalSeconds) * time.Second
}

func (f FederationConfig) Retention() time.Duration {
	return time.Duration(f.RetentionHours) * time.Hour
}

func (c CacheConfig) ActorTTL() time.Duration {
	return time.Duration(c.ActorTTLHours) * time.Hour
}

func (c CacheConfig) NegativeTTL() time.Duration {
	return time.Duration(c.NegativeTTLMinutes) * time.Minute
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyFederationDefaults(&c.Federation)
	applyCacheDefaults(&c.Cache)

	envHost := os.Getenv("MAMMUT_HOST")
	envHttpPort := os.Getenv("MAMMUT_HTTPPORT")
	envSslDomain := os.Getenv("MAMMUT_SSLDOMAIN")
	envWithAp := os.Getenv("MAMMUT_WITH_AP")
	envClosed := os.Getenv("MAMMUT_CLOSED")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envWithAp == "true" {
		c.Conf.WithAp = true
	}

	if envClosed == "true" {
		c.Conf.Closed = true
	}

	return c, nil
}

// applyFederationDefaults fills zero values so a partial config file still
// yields a working engine.
func applyFederationDefaults(f *FederationConfig) {
	if f.BackoffBaseSeconds == 0 {
		f.BackoffBaseSeconds = 1
	}
	if f.BackoffCapSeconds == 0 {
		f.BackoffCapSeconds = 300
	}
	if f.MaxAttempts == 0 {
		f.MaxAttempts = 10
	}
	if f.BreakerThreshold == 0 {
		f.BreakerThreshold = 5
	}
	if f.BreakerCooldownSeconds == 0 {
		f.BreakerCooldownSeconds = 60
	}
	if f.GraceWindowSeconds == 0 {
		f.GraceWindowSeconds = 30
	}
	if f.SkewToleranceSeconds == 0 {
		f.SkewToleranceSeconds = 300
	}
	if f.RequestTimeoutSeconds == 0 {
		f.RequestTimeoutSeconds = 10
	}
	if f.PollIntervalSeconds == 0 {
		f.PollIntervalSeconds = 5
	}
	if f.MaxParallelDomains == 0 {
		f.MaxParallelDomains = 8
	}
	if f.MaxInflightPerDomain == 0 {
		f.MaxInflightPerDomain = 1
	}
	if f.RetentionHours == 0 {
		f.RetentionHours = 24
	}
}

func applyCacheDefaults(c *CacheConfig) {
	if c.SessionCapacity == 0 {
		c.SessionCapacity = 10000
	}
	if c.TimelineCapacity == 0 {
		c.TimelineCapacity = 5000
	}
	if c.RevokedCapacity == 0 {
		c.RevokedCapacity = 10000
	}
	if c.ActorTTLHours == 0 {
		c.ActorTTLHours = 24
	}
	if c.NegativeTTLMinutes == 0 {
		c.NegativeTTLMinutes = 5
	}
}
