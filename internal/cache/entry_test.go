package cache

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserialize(t *testing.T) {
	stored := time.Date(2026, 10, 17, 8, 30, 0, 123, time.UTC)
	entry := &Entry{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type":  []string{"application/javascript"},
			"Cache-Control": []string{"public, max-age=31536000"},
		},
		Body:     []byte("console.log('hi')"),
		StoredAt: stored,
	}

	data, err := Serialize(entry)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(PREFIX)))

	got, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, entry.Body, got.Body)
	assert.Equal(t, "application/javascript", got.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=31536000", got.Header.Get("Cache-Control"))
	assert.Empty(t, got.Header.Get(storedAtHeader))
	assert.True(t, stored.Equal(got.StoredAt))
}

func TestDeserializeInvalid(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("short"), []byte("HTTP/1.1 200 OK\r\n\r\n")} {
		_, err := Deserialize(data)
		assert.ErrorIs(t, err, ErrInvalidEntry)
	}
}

func TestEntryResponse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://lms.local/static/app.js", nil)
	entry := &Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/javascript"}},
		Body:   []byte("let a = 1"),
	}

	resp := entry.Response(req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, int64(9), resp.ContentLength)
	assert.Same(t, req, resp.Request)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "let a = 1", string(body))

	// the entry itself is untouched
	assert.Empty(t, entry.Header.Get("X-Cache"))
}

func TestNewEntryCopiesHeader(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader("")),
	}

	entry := NewEntry(resp, []byte("<html>"))
	resp.Header.Set("Content-Type", "text/plain")

	assert.Equal(t, "text/html", entry.Header.Get("Content-Type"))
	assert.False(t, entry.StoredAt.IsZero())
}
