package feed

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"quotefeed/pkg/confkit"
)

// Config describes the set of market data providers available to the pipeline.
type Config struct {
	Default string `yaml:"default"`
	// Preference is the source priority order used when resolving a single
	// canonical bar out of multi-source rows.
	Preference []string                   `yaml:"preference"`
	Providers  map[string]*ProviderConfig `yaml:"providers"`
}

// ProviderConfig represents configuration for a single source provider.
type ProviderConfig struct {
	Type string `yaml:"type"`

	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// RequestsPerMinute is the provider's published budget. Zero disables
	// limiting, which only makes sense for stub providers in tests.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
	MaxRetries        int `yaml:"max_retries"`

	TimeoutRaw     string        `yaml:"timeout"`
	Timeout        time.Duration `yaml:"-"`
	HTTPTimeoutRaw string        `yaml:"http_timeout"`
	HTTPTimeout    time.Duration `yaml:"-"`

	// SourceDelay is how far behind real time the provider's data runs;
	// the checkpoint window never extends past now minus this delay.
	SourceDelayRaw string        `yaml:"source_delay"`
	SourceDelay    time.Duration `yaml:"-"`
}

// ClientBuilder constructs a Client from configuration.
type ClientBuilder func(name string, cfg *ProviderConfig) (Client, error)

var (
	clientRegistry   = make(map[string]ClientBuilder)
	clientRegistryMu sync.RWMutex
)

// RegisterClient registers a source client constructor.
func RegisterClient(typeName string, builder ClientBuilder) {
	clientRegistryMu.Lock()
	defer clientRegistryMu.Unlock()
	clientRegistry[strings.ToLower(strings.TrimSpace(typeName))] = builder
}

func lookupClientBuilder(typeName string) (ClientBuilder, bool) {
	clientRegistryMu.RLock()
	defer clientRegistryMu.RUnlock()
	builder, ok := clientRegistry[strings.ToLower(strings.TrimSpace(typeName))]
	return builder, ok
}

// LoadConfig reads feed configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads feed configuration from the default project location and panics on error.
func MustLoad() *Config {
	path := confkit.MustProjectPath("etc/feed.yaml")
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read feed config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal feed config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	for name, provider := range c.Providers {
		if provider == nil {
			provider = &ProviderConfig{}
			c.Providers[name] = provider
		}
		provider.expandEnv()
		if err := provider.parseDurations(name); err != nil {
			return err
		}
	}
	if len(c.Preference) == 0 && c.Default != "" {
		c.Preference = []string{c.Default}
	}
	return nil
}

func (p *ProviderConfig) expandEnv() {
	p.Type = strings.TrimSpace(os.ExpandEnv(p.Type))
	p.BaseURL = strings.TrimSpace(os.ExpandEnv(p.BaseURL))
	p.APIKey = strings.TrimSpace(os.ExpandEnv(p.APIKey))
	p.TimeoutRaw = strings.TrimSpace(os.ExpandEnv(p.TimeoutRaw))
	p.HTTPTimeoutRaw = strings.TrimSpace(os.ExpandEnv(p.HTTPTimeoutRaw))
	p.SourceDelayRaw = strings.TrimSpace(os.ExpandEnv(p.SourceDelayRaw))
}

func (p *ProviderConfig) parseDurations(name string) error {
	parse := func(field, raw string) (time.Duration, error) {
		if raw == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, fmt.Errorf("feed provider %s: invalid %s %q: %w", name, field, raw, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("feed provider %s: %s must be positive, got %s", name, field, d)
		}
		return d, nil
	}
	var err error
	if p.Timeout, err = parse("timeout", p.TimeoutRaw); err != nil {
		return err
	}
	if p.HTTPTimeout, err = parse("http_timeout", p.HTTPTimeoutRaw); err != nil {
		return err
	}
	if p.SourceDelay, err = parse("source_delay", p.SourceDelayRaw); err != nil {
		return err
	}
	return nil
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("feed config: providers cannot be empty")
	}
	if c.Default != "" {
		if _, ok := c.Providers[c.Default]; !ok {
			return fmt.Errorf("feed config: default provider %q not defined", c.Default)
		}
	}
	for _, name := range c.Preference {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("feed config: preference lists unknown provider %q", name)
		}
	}
	for name, provider := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("feed config: provider name cannot be empty")
		}
		if err := provider.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProviderConfig) validate(name string) error {
	if p == nil {
		return fmt.Errorf("feed config: provider %s is nil", name)
	}
	if strings.TrimSpace(p.Type) == "" {
		return fmt.Errorf("feed config: provider %s must specify type", name)
	}
	if _, ok := lookupClientBuilder(p.Type); !ok {
		return fmt.Errorf("feed config: provider %s has unsupported type %q", name, p.Type)
	}
	if p.RequestsPerMinute < 0 {
		return fmt.Errorf("feed config: provider %s requests_per_minute cannot be negative", name)
	}
	return nil
}

// BuildClients instantiates source clients according to configuration.
func (c *Config) BuildClients() (map[string]Client, error) {
	result := make(map[string]Client, len(c.Providers))
	for name, providerCfg := range c.Providers {
		builder, ok := lookupClientBuilder(providerCfg.Type)
		if !ok {
			return nil, fmt.Errorf("feed provider %s: unsupported type %q", name, providerCfg.Type)
		}
		client, err := builder(name, providerCfg)
		if err != nil {
			return nil, fmt.Errorf("feed provider %s: %w", name, err)
		}
		result[name] = client
	}
	return result, nil
}

// SourceDelayFor returns the configured delay for a provider, zero if unset.
func (c *Config) SourceDelayFor(name string) time.Duration {
	if c == nil {
		return 0
	}
	if p, ok := c.Providers[name]; ok && p != nil {
		return p.SourceDelay
	}
	return 0
}
