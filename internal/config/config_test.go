package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `
server:
  port: 9999
  admin_port: 9998
cache:
  version: "v3"
  backend: "disk"
  folder: "./test_cache"
  store_timeout: "5s"
policy:
  api_prefix: "/backend"
  static_extensions: [".js", ".css"]
rules:
  mode: "whitelist"
  rules:
    - base_uri: "https://lms.example.com"
      methods: ["GET"]
log:
  level: "debug"
  format: "json"
`

	err := os.WriteFile(configFile, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	// Test loading the config
	config, err := Load(configFile)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify values
	if config.Server.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", config.Server.Port)
	}

	if config.Cache.Version != "v3" {
		t.Errorf("Expected version 'v3', got '%s'", config.Cache.Version)
	}

	if config.Cache.Backend != cache.BackendDisk {
		t.Errorf("Expected backend 'disk', got '%s'", config.Cache.Backend)
	}

	if config.Rules.Mode != "whitelist" {
		t.Errorf("Expected mode 'whitelist', got '%s'", config.Rules.Mode)
	}

	if len(config.Rules.Rules) != 1 {
		t.Errorf("Expected 1 rule, got %d", len(config.Rules.Rules))
	}

	assert.Equal(t, "/backend", config.Policy.APIPrefix)
	assert.Equal(t, "/static/", config.Policy.StaticPrefix)
	assert.Equal(t, []string{".js", ".css"}, config.Policy.StaticExtensions)
	assert.Equal(t, "json", config.Log.Format)
	assert.NoError(t, config.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [port"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	config, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, 9090, config.Server.AdminPort)
	assert.Equal(t, "v1", config.Cache.Version)
	assert.Equal(t, cache.BackendMemory, config.Cache.Backend)
	assert.Equal(t, int64(policy.DefaultMaxEntrySize), config.Cache.MaxEntrySize)
	assert.Equal(t, "30s", config.Cache.StoreTimeout)
	assert.Equal(t, "/api", config.Policy.APIPrefix)
	assert.Equal(t, "/index.html", config.Policy.EntryDocument)
	assert.Equal(t, "/", config.Policy.FallbackDocument)
	assert.Equal(t, policy.DefaultStaticExtensions, config.Policy.StaticExtensions)
	assert.Equal(t, "blacklist", config.Rules.Mode)
	assert.Equal(t, "info", config.Log.Level)
	assert.Equal(t, "text", config.Log.Format)
	assert.NoError(t, config.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROXY_PORT", "3128")
	t.Setenv("PROXY_CACHE_VERSION", "v7")
	t.Setenv("PROXY_CACHE_BACKEND", "redis")
	t.Setenv("PROXY_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("PROXY_LOG_LEVEL", "warn")

	config, err := Parse([]byte(`
server:
  port: 8000
cache:
  version: v1
  backend: memory
`))
	require.NoError(t, err)

	assert.Equal(t, 3128, config.Server.Port)
	assert.Equal(t, "v7", config.Cache.Version)
	assert.Equal(t, cache.BackendRedis, config.Cache.Backend)
	assert.Equal(t, "redis://cache:6379/0", config.Cache.Redis.URL)
	assert.Equal(t, "warn", config.Log.Level)
	assert.NoError(t, config.Validate())
}

func TestEnvOverrideInvalidPort(t *testing.T) {
	t.Setenv("PROXY_ADMIN_PORT", "nine")

	_, err := Parse([]byte("{}"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	// restore the variable once godotenv has set it
	t.Setenv("PROXY_CACHE_FOLDER", "")
	require.NoError(t, os.Unsetenv("PROXY_CACHE_FOLDER"))

	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(".env", []byte("PROXY_CACHE_FOLDER=/var/cache/offline-proxy\n"), 0644))
	require.NoError(t, os.WriteFile("config.yaml", []byte("cache:\n  backend: disk\n"), 0644))

	config, err := Load("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/offline-proxy", config.Cache.Folder)
}

func validConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8080, AdminPort: 9090},
		Cache:  CacheConfig{Version: "v1", Backend: "disk", Folder: "/tmp/cache", StoreTimeout: "30s"},
		Policy: PolicyConfig{FallbackDocument: "/", StaticExtensions: []string{".js"}},
		Rules:  RulesConfig{Mode: "whitelist"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid port", func(c *Config) { c.Server.Port = -1 }, true},
		{"invalid admin port", func(c *Config) { c.Server.AdminPort = 70000 }, true},
		{"admin port clash", func(c *Config) { c.Server.AdminPort = 8080 }, true},
		{"missing version", func(c *Config) { c.Cache.Version = "" }, true},
		{"version with slash", func(c *Config) { c.Cache.Version = "v1/../x" }, true},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "memcached" }, true},
		{"disk without folder", func(c *Config) { c.Cache.Folder = "" }, true},
		{"redis without url", func(c *Config) { c.Cache.Backend = "redis" }, true},
		{"redis with url", func(c *Config) {
			c.Cache.Backend = "redis"
			c.Cache.Redis.URL = "redis://localhost:6379"
		}, false},
		{"mongodb without url", func(c *Config) { c.Cache.Backend = "mongodb" }, true},
		{"sqlite without path", func(c *Config) { c.Cache.Backend = "sqlite" }, true},
		{"sqlite with path", func(c *Config) {
			c.Cache.Backend = "sqlite"
			c.Cache.SQLite.Path = "/tmp/cache.db"
		}, false},
		{"negative max entry size", func(c *Config) { c.Cache.MaxEntrySize = -1 }, true},
		{"invalid store timeout", func(c *Config) { c.Cache.StoreTimeout = "invalid" }, true},
		{"zero store timeout", func(c *Config) { c.Cache.StoreTimeout = "0s" }, true},
		{"relative fallback", func(c *Config) { c.Policy.FallbackDocument = "index.html" }, true},
		{"extension without dot", func(c *Config) { c.Policy.StaticExtensions = []string{"js"} }, true},
		{"invalid mode", func(c *Config) { c.Rules.Mode = "invalid" }, true},
		{"rule without base uri", func(c *Config) { c.Rules.Rules = []Rule{{Methods: []string{"GET"}}} }, true},
		{"invalid log level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"invalid log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"transparent without https", func(c *Config) { c.Server.HTTPS.TransparentPort = 8443 }, true},
		{"transparent with https", func(c *Config) {
			c.Server.HTTPS.Enabled = true
			c.Server.HTTPS.TransparentPort = 8443
		}, false},
		{"ca cert without key", func(c *Config) { c.Server.HTTPS.CACertFile = "ca.pem" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStoreTimeout(t *testing.T) {
	config := Config{
		Cache: CacheConfig{StoreTimeout: "1m30s"},
	}

	timeout, err := config.GetStoreTimeout()
	if err != nil {
		t.Fatalf("GetStoreTimeout() error = %v", err)
	}

	expected := time.Minute + 30*time.Second
	if timeout != expected {
		t.Errorf("GetStoreTimeout() = %v, want %v", timeout, expected)
	}
}

func TestStorageConfig(t *testing.T) {
	config := validConfig()
	config.Cache.Backend = cache.BackendMongoDB
	config.Cache.MongoDB = MongoDBConfig{URL: "mongodb://db:27017", Database: "lms"}
	config.Cache.SQLite.Path = "/data/cache.db"

	got := config.StorageConfig()
	assert.Equal(t, cache.BackendMongoDB, got.Backend)
	assert.Equal(t, "/tmp/cache", got.Folder)
	assert.Equal(t, "mongodb://db:27017", got.MongoDB.URL)
	assert.Equal(t, "lms", got.MongoDB.Database)
	assert.Equal(t, "/data/cache.db", got.SQLitePath)
}

func TestEngineConfig(t *testing.T) {
	config, err := Parse([]byte(`
cache:
  max_entry_size: 2048
  store_timeout: 10s
policy:
  fallback_document: /app.html
`))
	require.NoError(t, err)

	got := config.EngineConfig("v4")
	assert.Equal(t, policy.VersionsFor("v4"), got.Versions)
	assert.Equal(t, "/app.html", got.FallbackDocument)
	assert.Equal(t, int64(2048), got.MaxEntrySize)
	assert.Equal(t, 10*time.Second, got.StoreTimeout)
	assert.Equal(t, policy.DefaultClassifier(), got.Classifier)
}

func TestLogConfigApply(t *testing.T) {
	previous := logrus.GetLevel()
	t.Cleanup(func() {
		logrus.SetLevel(previous)
		logrus.SetFormatter(&logrus.TextFormatter{})
	})

	require.NoError(t, LogConfig{Level: "debug", Format: "json"}.Apply())
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, LogConfig{Level: "loud"}.Apply())
}
