package proxy

import (
	"bufio"
	"net"
	"net/http"

	"github.com/google/uuid"
)

// removeProxyHeaders prepares a proxied request to be sent upstream by the engine
func removeProxyHeaders(r *http.Request) {
	r.RequestURI = ""
	// the transport negotiates compression itself and hands back decoded bodies
	r.Header.Del("Accept-Encoding")
	r.Header.Del("Proxy-Connection")
	r.Header.Del("Proxy-Authenticate")
	r.Header.Del("Proxy-Authorization")
	r.Header.Del("Connection")
}

// requestID returns the client supplied X-Request-ID or a new one
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	id := uuid.NewString()
	r.Header.Set("X-Request-ID", id)
	return id
}

// dumbResponseWriter hands a raw connection to goproxy, which hijacks it right away
type dumbResponseWriter struct {
	net.Conn
}

func (dumbResponseWriter) Header() http.Header {
	return make(http.Header)
}

func (dumbResponseWriter) WriteHeader(int) {}

func (w dumbResponseWriter) Write(buf []byte) (int, error) {
	// goproxy writes "HTTP/1.0 200 OK" to acknowledge the CONNECT, the client never sent one
	return len(buf), nil
}

func (w dumbResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.Conn, bufio.NewReadWriter(bufio.NewReader(w.Conn), bufio.NewWriter(w.Conn)), nil
}
