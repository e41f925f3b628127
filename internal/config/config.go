package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

// Config represents the application configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Cache  CacheConfig  `yaml:"cache"`
	Policy PolicyConfig `yaml:"policy"`
	Rules  RulesConfig  `yaml:"rules"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port      int         `yaml:"port"`
	AdminPort int         `yaml:"admin_port"`
	HTTPS     HTTPSConfig `yaml:"https"`
}

// HTTPSConfig controls interception of HTTPS traffic
type HTTPSConfig struct {
	Enabled bool `yaml:"enabled"`
	// TransparentPort accepts raw TLS connections routed by SNI, 0 disables it
	TransparentPort int    `yaml:"transparent_port"`
	CACertFile      string `yaml:"ca_cert_file"`
	CAKeyFile       string `yaml:"ca_key_file"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	// Version labels the current generations (primary-<version>, static-<version>)
	Version      string        `yaml:"version"`
	Backend      string        `yaml:"backend"`
	Folder       string        `yaml:"folder"`
	MaxEntrySize int64         `yaml:"max_entry_size"`
	StoreTimeout string        `yaml:"store_timeout"`
	Redis        RedisConfig   `yaml:"redis"`
	MongoDB      MongoDBConfig `yaml:"mongodb"`
	SQLite       SQLiteConfig  `yaml:"sqlite"`
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type MongoDBConfig struct {
	URL        string `yaml:"url"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PolicyConfig tunes request classification
type PolicyConfig struct {
	APIPrefix        string   `yaml:"api_prefix"`
	StaticPrefix     string   `yaml:"static_prefix"`
	EntryDocument    string   `yaml:"entry_document"`
	FallbackDocument string   `yaml:"fallback_document"`
	StaticExtensions []string `yaml:"static_extensions"`
}

// RulesConfig selects which requests go through the caching policy
type RulesConfig struct {
	Mode  string `yaml:"mode"` // "whitelist" or "blacklist"
	Rules []Rule `yaml:"rules"`
}

// Rule matches requests by URL prefix and method
type Rule struct {
	BaseURI string   `yaml:"base_uri"`
	Methods []string `yaml:"methods"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Load loads configuration from a YAML file.
// A .env file in the working directory is read first; environment variables override the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML, then applies defaults and environment overrides
func Parse(data []byte) (*Config, error) {
	var config Config

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.setDefaults()

	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.AdminPort == 0 {
		c.Server.AdminPort = 9090
	}
	if c.Cache.Version == "" {
		c.Cache.Version = "v1"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = cache.BackendMemory
	}
	if c.Cache.MaxEntrySize == 0 {
		c.Cache.MaxEntrySize = policy.DefaultMaxEntrySize
	}
	if c.Cache.StoreTimeout == "" {
		c.Cache.StoreTimeout = policy.DefaultStoreTimeout.String()
	}

	defaults := policy.DefaultClassifier()
	if c.Policy.APIPrefix == "" {
		c.Policy.APIPrefix = defaults.APIPrefix
	}
	if c.Policy.StaticPrefix == "" {
		c.Policy.StaticPrefix = defaults.StaticPrefix
	}
	if c.Policy.EntryDocument == "" {
		c.Policy.EntryDocument = defaults.EntryDocument
	}
	if c.Policy.FallbackDocument == "" {
		c.Policy.FallbackDocument = "/"
	}
	if len(c.Policy.StaticExtensions) == 0 {
		c.Policy.StaticExtensions = append([]string(nil), policy.DefaultStaticExtensions...)
	}

	if c.Rules.Mode == "" {
		c.Rules.Mode = "blacklist"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) applyEnv() error {
	ints := map[string]*int{
		"PROXY_PORT":       &c.Server.Port,
		"PROXY_ADMIN_PORT": &c.Server.AdminPort,
	}
	for name, dst := range ints {
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
	}

	strs := map[string]*string{
		"PROXY_CACHE_VERSION": &c.Cache.Version,
		"PROXY_CACHE_BACKEND": &c.Cache.Backend,
		"PROXY_CACHE_FOLDER":  &c.Cache.Folder,
		"PROXY_REDIS_URL":     &c.Cache.Redis.URL,
		"PROXY_MONGODB_URL":   &c.Cache.MongoDB.URL,
		"PROXY_SQLITE_PATH":   &c.Cache.SQLite.Path,
		"PROXY_LOG_LEVEL":     &c.Log.Level,
	}
	for name, dst := range strs {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			*dst = value
		}
	}
	return nil
}

// GetStoreTimeout parses and returns the timeout of background cache writes
func (c *Config) GetStoreTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Cache.StoreTimeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.AdminPort <= 0 || c.Server.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Server.AdminPort)
	}
	if c.Server.AdminPort == c.Server.Port {
		return fmt.Errorf("admin port must differ from proxy port %d", c.Server.Port)
	}
	if err := c.Server.HTTPS.validate(); err != nil {
		return err
	}

	if c.Cache.Version == "" {
		return fmt.Errorf("cache version is required")
	}
	if strings.ContainsAny(c.Cache.Version, `/\ `) {
		return fmt.Errorf("invalid cache version %q", c.Cache.Version)
	}

	switch c.Cache.Backend {
	case cache.BackendMemory:
	case cache.BackendDisk:
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required for the disk backend")
		}
	case cache.BackendRedis:
		if c.Cache.Redis.URL == "" {
			return fmt.Errorf("redis url is required for the redis backend")
		}
	case cache.BackendMongoDB:
		if c.Cache.MongoDB.URL == "" {
			return fmt.Errorf("mongodb url is required for the mongodb backend")
		}
	case cache.BackendSQLite:
		if c.Cache.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}

	if c.Cache.MaxEntrySize < 0 {
		return fmt.Errorf("invalid max entry size: %d", c.Cache.MaxEntrySize)
	}
	timeout, err := c.GetStoreTimeout()
	if err != nil {
		return fmt.Errorf("invalid store timeout format: %w", err)
	}
	if timeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", timeout)
	}

	if !strings.HasPrefix(c.Policy.FallbackDocument, "/") {
		return fmt.Errorf("fallback document must be an absolute path, got: %s", c.Policy.FallbackDocument)
	}
	for _, ext := range c.Policy.StaticExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("static extension must start with a dot, got: %s", ext)
		}
	}

	if c.Rules.Mode != "whitelist" && c.Rules.Mode != "blacklist" {
		return fmt.Errorf("rules mode must be 'whitelist' or 'blacklist', got: %s", c.Rules.Mode)
	}
	for i, rule := range c.Rules.Rules {
		if rule.BaseURI == "" {
			return fmt.Errorf("rule %d: base_uri is required", i)
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be 'text' or 'json', got: %s", c.Log.Format)
	}

	return nil
}

func (h HTTPSConfig) validate() error {
	if h.TransparentPort < 0 || h.TransparentPort > 65535 {
		return fmt.Errorf("invalid transparent HTTPS port: %d", h.TransparentPort)
	}
	if h.TransparentPort != 0 && !h.Enabled {
		return fmt.Errorf("transparent HTTPS port requires https to be enabled")
	}
	if (h.CACertFile == "") != (h.CAKeyFile == "") {
		return fmt.Errorf("ca_cert_file and ca_key_file must be set together")
	}
	return nil
}

// StorageConfig returns the options of the configured cache backend
func (c *Config) StorageConfig() cache.Config {
	return cache.Config{
		Backend: c.Cache.Backend,
		Folder:  c.Cache.Folder,
		Redis: cache.RedisConfig{
			URL:    c.Cache.Redis.URL,
			Prefix: c.Cache.Redis.Prefix,
		},
		MongoDB: cache.MongoDBConfig{
			URL:        c.Cache.MongoDB.URL,
			Database:   c.Cache.MongoDB.Database,
			Collection: c.Cache.MongoDB.Collection,
		},
		SQLitePath: c.Cache.SQLite.Path,
	}
}

// EngineConfig returns the policy options for a cache version.
// Host and Metrics are left to the caller.
func (c *Config) EngineConfig(version string) policy.Config {
	// Validate already rejected a malformed timeout
	timeout, _ := c.GetStoreTimeout()

	return policy.Config{
		Versions: policy.VersionsFor(version),
		Classifier: policy.Classifier{
			APIPrefix:        c.Policy.APIPrefix,
			StaticPrefix:     c.Policy.StaticPrefix,
			EntryDocument:    c.Policy.EntryDocument,
			StaticExtensions: c.Policy.StaticExtensions,
		},
		FallbackDocument: c.Policy.FallbackDocument,
		MaxEntrySize:     c.Cache.MaxEntrySize,
		StoreTimeout:     timeout,
	}
}

// Apply configures the global logrus logger
func (l LogConfig) Apply() error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
