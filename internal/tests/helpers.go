package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/proxy"
)

// upstream is a fake single page application with its backend API
type upstream struct {
	*httptest.Server
	hits atomic.Int64
}

func (u *upstream) Hits() int64 {
	return u.hits.Load()
}

// fixture_upstream creates a test upstream server
func fixture_upstream() *upstream {
	u := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, requ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message": "Hello from upstream", "path": "` + requ.URL.Path + `"}`))
	})
	mux.HandleFunc("/static/", func(w http.ResponseWriter, requ *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte(`console.log("` + requ.URL.Path + `")`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, requ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><div id="root"></div></body></html>`))
	})

	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.hits.Add(1)
		mux.ServeHTTP(w, requ)
	}))
	return u
}

// fixture_config creates a test config with optional rules
func fixture_config(tempDir string, rules *config.RulesConfig) (*config.Config, error) {
	cfg, err := config.Parse([]byte("{}"))
	if err != nil {
		return nil, err
	}
	cfg.Cache.Backend = cache.BackendDisk
	cfg.Cache.Folder = tempDir

	if rules != nil {
		cfg.Rules = *rules
	}

	return cfg, cfg.Validate()
}

// fixture_proxy creates a proxy server with the given config, deploys its cache version
// and returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	storage, err := cache.New(context.Background(), cfg.StorageConfig())
	if err != nil {
		return nil, nil, nil, err
	}

	proxyServer, err := proxy.New(cfg, storage, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	if _, _, err := proxyServer.Deploy(context.Background(), cfg.Cache.Version); err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}

// navigate sends a top-level page load, as a browser would
func navigate(client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	return client.Do(req)
}
