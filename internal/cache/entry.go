package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"
)

// PREFIX marks a serialized entry so foreign files are never decoded as responses
const PREFIX = "---HTTP-RESPONSE---\n"

// storedAtHeader carries the storage time inside the serialized response
const storedAtHeader = "X-Cache-Stored-At"

// ErrInvalidEntry is returned when stored bytes do not decode to an entry
var ErrInvalidEntry = errors.New("invalid cache entry")

// Entry is a captured response: status, headers and the full body
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewEntry captures resp with an already read body.
// The header is copied, body is kept as is and must not be modified afterwards.
func NewEntry(resp *http.Response, body []byte) *Entry {
	return &Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
}

// Response builds a fresh response for req out of the entry
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("X-Cache", "HIT")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Clone returns a copy that shares nothing mutable with e
func (e *Entry) Clone() *Entry {
	return &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     bytes.Clone(e.Body),
		StoredAt: e.StoredAt,
	}
}

// Serialize encodes an entry as a raw HTTP response, preceded by PREFIX
func Serialize(e *Entry) ([]byte, error) {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("X-Cache")
	header.Set(storedAtHeader, e.StoredAt.UTC().Format(time.RFC3339Nano))

	resp := &http.Response{
		StatusCode:    e.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, err
	}

	return append([]byte(PREFIX), b...), nil
}

func Deserialize(b []byte) (*Entry, error) {
	if len(b) < len(PREFIX) || string(b[:len(PREFIX)]) != PREFIX {
		return nil, fmt.Errorf("%w: missing prefix", ErrInvalidEntry)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b[len(PREFIX):])), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrInvalidEntry, err)
	}

	entry := &Entry{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}
	if v := resp.Header.Get(storedAtHeader); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			entry.StoredAt = t
		}
		entry.Header.Del(storedAtHeader)
	}
	return entry, nil
}
