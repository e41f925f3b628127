package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// networkErrorBody is what API callers get when the backend is unreachable
var networkErrorBody = mustJSON(map[string]string{"error": "Network error"})

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// networkErrorResponse is the synthetic 503 answered for API requests without network
func networkErrorResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(networkErrorBody)),
		ContentLength: int64(len(networkErrorBody)),
		Request:       req,
	}
}

// isErrorStatus reports the statuses that make navigation fall back to cache.
// Redirects are passed on: the proxied client follows them itself.
func isErrorStatus(code int) bool {
	return code >= http.StatusBadRequest
}

// cacheable reports whether resp may be stored under the key of req
func cacheable(req *http.Request, resp *http.Response) bool {
	if req.Method != http.MethodGet && req.Method != "" {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	// partial content is not the resource
	return resp.StatusCode != http.StatusPartialContent
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type readCloser struct {
	io.Reader
	io.Closer
}

// capture reads the body of resp once and hands the same bytes back to the caller.
// Bodies larger than limit are left streaming and reported as not captured.
// A read failure is replayed to the caller at the same position.
func capture(resp *http.Response, limit int64) ([]byte, bool) {
	if resp.Body == nil || resp.Body == http.NoBody {
		resp.Body = http.NoBody
		return []byte{}, true
	}
	if limit > 0 && resp.ContentLength > limit {
		return nil, false
	}

	original := resp.Body
	reader := io.Reader(original)
	if limit > 0 {
		reader = io.LimitReader(original, limit+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), errReader{err}), original}
		return nil, false
	}

	if limit > 0 && int64(len(body)) > limit {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), original), original}
		return nil, false
	}

	_ = original.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return body, true
}

// discard releases a response the engine decided not to return
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

var errNilResponse = errors.New("network returned no response")
