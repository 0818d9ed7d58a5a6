package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
)

// CapturedRequest is a snapshot of what an upstream fake received.
type CapturedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// NewJSONUpstream returns a test server that captures each request and
// responds 200 with the given JSON body. The capture callback runs before the
// response is written.
func NewJSONUpstream(body string, capture func(CapturedRequest)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			capture(snapshot(r))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body)) //nolint:errcheck
	}))
}

// NewSSEUpstream returns a test server that streams the given pre-framed SSE
// events, flushing after each one.
func NewSSEUpstream(events []string, capture func(CapturedRequest)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			capture(snapshot(r))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			w.Write([]byte(ev)) //nolint:errcheck
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func snapshot(r *http.Request) CapturedRequest {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(r.Body, 1<<20))
	}
	return CapturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	}
}
