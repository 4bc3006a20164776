package swcache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		Name string `yaml:"name"`
		Root string `yaml:"root"`
	} `yaml:"app"`

	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		// Backend is "leveldb" or "memory".
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Cache struct {
		Prefix            string   `yaml:"prefix"`
		Generation        string   `yaml:"generation"`
		MaxEntrySize      ByteSize `yaml:"maxEntrySize"`
		StaticPrefixes    []string `yaml:"staticPrefixes"`
		ApiRoutes         []string `yaml:"apiRoutes"`
		CacheableApi      []string `yaml:"cacheableApi"`
		ApiTTL            string   `yaml:"apiTTL"`
		StaticMaxEntries  int      `yaml:"staticMaxEntries"`
		DynamicMaxEntries int      `yaml:"dynamicMaxEntries"`
		Precache          []string `yaml:"precache"`

		apiTTLDur    time.Duration
		apiRoutes    []pathPattern
		cacheableApi []pathPattern
	} `yaml:"cache"`

	Fetch struct {
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"fetch"`

	Lifecycle struct {
		SkipWaiting *bool `yaml:"skipWaiting"`
	} `yaml:"lifecycle"`

	Probe struct {
		URL   string `yaml:"url"`
		Every string `yaml:"every"`

		everyDur time.Duration
	} `yaml:"probe"`

	Discover struct {
		Sitemaps     []string `yaml:"sitemaps"`
		Every        string   `yaml:"every"`
		InitialDelay string   `yaml:"initialDelay"`

		everyDur        time.Duration
		initialDelayDur time.Duration
	} `yaml:"discover"`

	Push struct {
		Icon  string `yaml:"icon"`
		Badge string `yaml:"badge"`
	} `yaml:"push"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// DefaultConfig returns a config with every default filled in except
// server.origin. Call Compile after adjusting it.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, CodeInvalidConfig, "parse config")
	}
	cfg.applyDefaults()
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.App.Name == "" {
		cfg.App.Name = "swcache"
	}
	if cfg.App.Root == "" {
		cfg.App.Root = "/"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = strings.ToLower(cfg.App.Name)
	}
	if cfg.Cache.Generation == "" {
		cfg.Cache.Generation = "v1"
	}
	if cfg.Cache.StaticPrefixes == nil {
		cfg.Cache.StaticPrefixes = []string{"/static/"}
	}
	if cfg.Cache.ApiRoutes == nil {
		cfg.Cache.ApiRoutes = []string{"/api/**"}
	}
	if cfg.Cache.CacheableApi == nil {
		cfg.Cache.CacheableApi = []string{
			"re:/api/employees$",
			"re:/api/groups$",
			"re:/api/tables$",
			"re:/api/health$",
		}
	}
	if cfg.Cache.ApiTTL == "" {
		cfg.Cache.ApiTTL = "5m"
	}
	if cfg.Cache.Precache == nil {
		cfg.Cache.Precache = []string{"/"}
	}
	if cfg.Fetch.Timeout == "" {
		cfg.Fetch.Timeout = "30s"
	}
	if cfg.Lifecycle.SkipWaiting == nil {
		t := true
		cfg.Lifecycle.SkipWaiting = &t
	}
	if cfg.Probe.URL == "" {
		cfg.Probe.URL = "/api/health"
	}
	if cfg.Probe.Every == "" {
		cfg.Probe.Every = "30s"
	}
	if cfg.Discover.Every == "" {
		cfg.Discover.Every = "1h"
	}
}

// Compile validates cfg and fills the derived fields.
func (cfg *Config) Compile() error {
	if cfg.Server.Origin == "" {
		return errors.New(CodeInvalidConfig, "server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if !strings.HasPrefix(cfg.App.Root, "/") {
		return errors.Newf(CodeInvalidConfig, "app.root: must start with /, got %q", cfg.App.Root)
	}
	switch cfg.Storage.Backend {
	case "leveldb", "memory":
	default:
		return errors.Newf(CodeInvalidConfig, "storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if strings.ContainsAny(cfg.Cache.Prefix+cfg.Cache.Generation, "\x00") {
		return errors.New(CodeInvalidConfig, "cache.prefix/generation: NUL not allowed")
	}

	var err error
	if cfg.Cache.apiRoutes, err = compilePatterns(cfg.Cache.ApiRoutes); err != nil {
		return errors.Wrap(err, CodeInvalidConfig, "cache.apiRoutes")
	}
	if cfg.Cache.cacheableApi, err = compilePatterns(cfg.Cache.CacheableApi); err != nil {
		return errors.Wrap(err, CodeInvalidConfig, "cache.cacheableApi")
	}
	for i, p := range cfg.Cache.StaticPrefixes {
		if !strings.HasPrefix(p, "/") {
			return errors.Newf(CodeInvalidConfig, "cache.staticPrefixes[%d]: must start with /, got %q", i, p)
		}
	}
	if cfg.Cache.StaticMaxEntries < 0 || cfg.Cache.DynamicMaxEntries < 0 {
		return errors.New(CodeInvalidConfig, "cache.*MaxEntries: must not be negative")
	}

	durations := []struct {
		field string
		in    string
		out   *time.Duration
	}{
		{"cache.apiTTL", cfg.Cache.ApiTTL, &cfg.Cache.apiTTLDur},
		{"fetch.timeout", cfg.Fetch.Timeout, &cfg.Fetch.timeoutDur},
		{"probe.every", cfg.Probe.Every, &cfg.Probe.everyDur},
		{"discover.every", cfg.Discover.Every, &cfg.Discover.everyDur},
		{"discover.initialDelay", cfg.Discover.InitialDelay, &cfg.Discover.initialDelayDur},
		{"logging.statsEvery", cfg.Logging.StatsEvery, &cfg.Logging.statsEveryDur},
	}
	for _, d := range durations {
		if d.in == "" {
			*d.out = 0
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return errors.Wrap(err, CodeInvalidConfig, d.field)
		}
		if v < 0 {
			return errors.Newf(CodeInvalidConfig, "%s: must not be negative", d.field)
		}
		*d.out = v
	}
	return nil
}

// StoreName returns the name of the current generation's store of kind k.
func (cfg *Config) StoreName(k StoreKind) string {
	return fmt.Sprintf("%s-%s-%s", cfg.Cache.Prefix, k, cfg.Cache.Generation)
}

// ResolveURL turns an origin-relative path into an absolute URL. Absolute
// URLs are returned unchanged.
func (cfg *Config) ResolveURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return cfg.Server.Origin + u
}

func (cfg *Config) skipWaiting() bool {
	return cfg.Lifecycle.SkipWaiting != nil && *cfg.Lifecycle.SkipWaiting
}
