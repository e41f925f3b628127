package tests

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/offline-proxy/internal/config"
)

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestProxyIntegration(t *testing.T) {
	// Create a test upstream server
	upstream := fixture_upstream()
	defer upstream.Close()

	// Create temporary directory for cache
	tempDir := t.TempDir()

	cfg, err := fixture_config(tempDir, nil)
	require.NoError(t, err)

	proxyServer, proxyTestServer, client, err := fixture_proxy(cfg)
	if err != nil {
		t.Fatalf("Failed to create proxy server: %v", err)
	}
	defer proxyTestServer.Close()

	// Test first request (should hit upstream and cache)
	t.Run("first request - cache miss", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/static/js/app.js")
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}

		if resp.Header.Get("X-Cache") == "HIT" {
			t.Errorf("Expected a response from upstream, got X-Cache: HIT")
		}

		if body := readAll(t, resp); !strings.Contains(body, "/static/js/app.js") {
			t.Errorf("Unexpected response body: %s", body)
		}
		proxyServer.Engine().Wait()
	})

	// Test second request (should hit cache)
	t.Run("second request - cache hit", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/static/js/app.js")
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		if resp.Header.Get("X-Cache") != "HIT" {
			t.Errorf("Expected X-Cache: HIT, got %s", resp.Header.Get("X-Cache"))
		}

		if body := readAll(t, resp); !strings.Contains(body, "/static/js/app.js") {
			t.Errorf("Unexpected response body: %s", body)
		}

		if upstream.Hits() != 1 {
			t.Errorf("Expected 1 upstream hit, got %d", upstream.Hits())
		}
	})

	// Verify cache file was created
	t.Run("verify cache file exists", func(t *testing.T) {
		upstreamURL, _ := url.Parse(upstream.URL)
		expectedCachePath := filepath.Join(tempDir, "static-v1", "http", upstreamURL.Host, "static", "js", "app.js", "_entry", "GET.bin")

		if _, err := os.Stat(expectedCachePath); err != nil {
			t.Errorf("Cache file should exist at %s", expectedCachePath)
		}
	})

	// API responses are never stored
	t.Run("api requests always reach upstream", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp, err := client.Get(upstream.URL + "/api/courses")
			require.NoError(t, err)
			assert.Empty(t, resp.Header.Get("X-Cache"))
			assert.Contains(t, readAll(t, resp), "Hello from upstream")
		}
		assert.Equal(t, int64(3), upstream.Hits())
	})
}

func TestProxyOffline(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	cfg, err := fixture_config(t.TempDir(), nil)
	require.NoError(t, err)

	proxyServer, proxyTestServer, client, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()

	// warm the app shell and one asset
	resp, err := navigate(client, upstream.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, readAll(t, resp), `<div id="root">`)

	resp, err = client.Get(upstream.URL + "/static/css/app.css")
	require.NoError(t, err)
	readAll(t, resp)

	proxyServer.Engine().Wait()
	upstream.Close()

	t.Run("navigation falls back to the app shell", func(t *testing.T) {
		resp, err := navigate(client, upstream.URL+"/courses/12/videos")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, readAll(t, resp), `<div id="root">`)
	})

	t.Run("cached asset still served", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/static/css/app.css")
		require.NoError(t, err)
		assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
		readAll(t, resp)
	})

	t.Run("api answers with a network error", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/api/courses")
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.JSONEq(t, `{"error":"Network error"}`, readAll(t, resp))
	})

	t.Run("uncached asset fails", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/static/js/missing.js")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		readAll(t, resp)
	})
}

func TestProxyIntegrationWithCustomRules(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	// Only another origin goes through the cache
	customRules := &config.RulesConfig{
		Mode: "whitelist",
		Rules: []config.Rule{
			{
				BaseURI: "https://example.com",
				Methods: []string{"GET"},
			},
		},
	}

	cfg, err := fixture_config(t.TempDir(), customRules)
	require.NoError(t, err)

	proxyServer, proxyTestServer, client, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()

	t.Run("requests outside the rules are forwarded untouched", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp, err := client.Get(upstream.URL + "/static/js/app.js")
			require.NoError(t, err)
			assert.Empty(t, resp.Header.Get("X-Cache"))
			assert.Empty(t, resp.Header.Get("X-Request-ID"))
			readAll(t, resp)
		}
		proxyServer.Engine().Wait()
		assert.Equal(t, int64(2), upstream.Hits())
	})
}

func TestProxyVersionBump(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	tempDir := t.TempDir()
	cfg, err := fixture_config(tempDir, nil)
	require.NoError(t, err)

	proxyServer, proxyTestServer, client, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()

	resp, err := client.Get(upstream.URL + "/static/js/app.js")
	require.NoError(t, err)
	readAll(t, resp)
	proxyServer.Engine().Wait()

	_, deleted, err := proxyServer.Deploy(context.Background(), "v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1"}, deleted)

	_, err = os.Stat(filepath.Join(tempDir, "static-v1"))
	assert.True(t, os.IsNotExist(err), "old generation should be removed from disk")

	resp, err = client.Get(upstream.URL + "/static/js/app.js")
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("X-Cache"))
	readAll(t, resp)
	assert.Equal(t, int64(2), upstream.Hits())

	require.NoError(t, proxyServer.Shutdown(context.Background()))
}
