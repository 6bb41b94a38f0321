/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for revampd.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults
*/
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for revampd.
type Config struct {
	Listen    Listen     `yaml:"listen"`
	CertDir   string     `yaml:"cert_dir"`
	CacheDir  string     `yaml:"cache_dir"`
	LogDir    string     `yaml:"log_dir"`
	Verbose   bool       `yaml:"verbose"`
	Transform Transform  `yaml:"transform"`
	Cache     Cache      `yaml:"cache"`
	Origin    Origin     `yaml:"origin"`
	Block     Block      `yaml:"block"`
	Timeouts  Timeouts   `yaml:"timeouts"`
}

// Listen holds the three listener addresses.
type Listen struct {
	HTTP   string `yaml:"http"`   // HTTP proxy frontend
	SOCKS5 string `yaml:"socks5"` // SOCKS5 front door
	Portal string `yaml:"portal"` // captive portal (CA download)
}

// Transform gates the rewrite paths and drives the transformers.
type Transform struct {
	JS               bool     `yaml:"js"`
	CSS              bool     `yaml:"css"`
	HTML             bool     `yaml:"html"`
	BundleESModules  bool     `yaml:"bundle_es_modules"`
	EmulateSW        bool     `yaml:"emulate_service_workers"`
	InjectPolyfills  bool     `yaml:"inject_polyfills"`
	SpoofUserAgent   bool     `yaml:"spoof_user_agent"`
	SpoofUAInJS      bool     `yaml:"spoof_user_agent_in_js"`
	Targets          []string `yaml:"targets"`
	CompressionLevel int      `yaml:"compression_level"`
}

// Cache configures the transformed-artifact cache.
type Cache struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

// Origin configures the upstream client.
type Origin struct {
	// Insecure accepts self-signed origin certificates. Off by default.
	Insecure bool `yaml:"insecure"`
}

// Block configures ad/tracker host blocking.
type Block struct {
	Ads      bool     `yaml:"ads"`
	Tracking bool     `yaml:"tracking"`
	AdURLs   []string `yaml:"ad_urls"`      // hosts-file or domain-list URLs
	TrackURLs []string `yaml:"tracker_urls"`
	AdHosts   []string `yaml:"ad_hosts"`    // inline entries from config
	TrackHosts []string `yaml:"tracker_hosts"`
}

// Timeouts holds proxy timeout configuration.
type Timeouts struct {
	Shutdown   Duration `yaml:"shutdown"`
	Connect    Duration `yaml:"connect"`
	ReadHeader Duration `yaml:"read_header"`
	TunnelIdle Duration `yaml:"tunnel_idle"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Listen: Listen{
			HTTP:   "0.0.0.0:8080",
			SOCKS5: "0.0.0.0:1080",
			Portal: ":8888",
		},
		CertDir:  "certs",
		CacheDir: "cache",
		LogDir:   "logs",
		Transform: Transform{
			JS:               true,
			CSS:              true,
			HTML:             true,
			BundleESModules:  true,
			EmulateSW:        true,
			InjectPolyfills:  true,
			SpoofUserAgent:   true,
			SpoofUAInJS:      true,
			Targets:          []string{"ios 9", "ios 11"},
			CompressionLevel: 4,
		},
		Cache: Cache{
			Enabled:    true,
			MaxEntries: 4096,
			MaxBytes:   256 << 20,
		},
		Block: Block{
			Ads:      true,
			Tracking: true,
		},
		Timeouts: Timeouts{
			Shutdown:   Duration{5 * time.Second},
			Connect:    Duration{10 * time.Second},
			ReadHeader: Duration{10 * time.Second},
			TunnelIdle: Duration{30 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for revamp.yml or revamp.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"revamp.yml", "revamp.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	HTTPAddr   *string
	SOCKS5Addr *string
	PortalAddr *string
	CertDir    *string
	CacheDir   *string
	LogDir     *string
	Verbose    *bool
	NoCache    *bool
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.HTTPAddr != nil {
		c.Listen.HTTP = *o.HTTPAddr
	}
	if o.SOCKS5Addr != nil {
		c.Listen.SOCKS5 = *o.SOCKS5Addr
	}
	if o.PortalAddr != nil {
		c.Listen.Portal = *o.PortalAddr
	}
	if o.CertDir != nil {
		c.CertDir = *o.CertDir
	}
	if o.CacheDir != nil {
		c.CacheDir = *o.CacheDir
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.NoCache != nil {
		c.Cache.Enabled = !*o.NoCache
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	for name, addr := range map[string]string{
		"listen.http":   c.Listen.HTTP,
		"listen.socks5": c.Listen.SOCKS5,
		"listen.portal": c.Listen.Portal,
	} {
		if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid address %q: %v", name, addr, err))
		}
	}
	if c.Listen.HTTP == c.Listen.SOCKS5 {
		errs = append(errs, fmt.Sprintf("listen: http and socks5 must differ, both are %q", c.Listen.HTTP))
	}

	if c.Transform.CompressionLevel < 1 || c.Transform.CompressionLevel > 9 {
		errs = append(errs, fmt.Sprintf("transform.compression_level: must be 1-9, got %d", c.Transform.CompressionLevel))
	}
	if len(c.Transform.Targets) == 0 {
		errs = append(errs, "transform.targets: at least one browserslist target is required")
	}

	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, fmt.Sprintf("cache.max_entries: must be positive, got %d", c.Cache.MaxEntries))
	}
	if c.Cache.MaxBytes <= 0 {
		errs = append(errs, fmt.Sprintf("cache.max_bytes: must be positive, got %d", c.Cache.MaxBytes))
	}

	errs = append(errs, validateListURLs("block.ad_urls", c.Block.AdURLs)...)
	errs = append(errs, validateListURLs("block.tracker_urls", c.Block.TrackURLs)...)
	errs = append(errs, validateHosts("block.ad_hosts", c.Block.AdHosts)...)
	errs = append(errs, validateHosts("block.tracker_hosts", c.Block.TrackHosts)...)

	// Durations must be positive.
	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.Connect.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.connect: must be positive, got %s", c.Timeouts.Connect))
	}
	if c.Timeouts.ReadHeader.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.read_header: must be positive, got %s", c.Timeouts.ReadHeader))
	}
	if c.Timeouts.TunnelIdle.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.tunnel_idle: must be positive, got %s", c.Timeouts.TunnelIdle))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

// validateListURLs checks that blocklist URLs are valid HTTP(S) URLs.
func validateListURLs(field string, urls []string) []string {
	var errs []string
	for i, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s[%d]: invalid URL %q: %v", field, i, raw, err))
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Sprintf("%s[%d]: scheme must be http or https, got %q", field, i, u.Scheme))
		}
	}
	return errs
}

// validateHosts checks that inline host entries are plain domain names.
func validateHosts(field string, hosts []string) []string {
	var errs []string
	for i, h := range hosts {
		if h == "" || strings.Contains(h, "*") || strings.Contains(h, "/") || strings.Contains(h, " ") {
			errs = append(errs, fmt.Sprintf("%s[%d]: invalid host %q", field, i, h))
		}
	}
	return errs
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
