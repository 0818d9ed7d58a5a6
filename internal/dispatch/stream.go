package dispatch

import (
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// maxBufferedBody caps non-streaming response copies.
	maxBufferedBody = 32 << 20
	// maxUsageCapture caps the bytes retained for post-stream usage parsing.
	maxUsageCapture = 2 << 20
)

// streamResult summarizes one forwarded response.
type streamResult struct {
	status       int
	streaming    bool
	firstTokenMs int64
	usageBody    []byte // captured bytes for usage parsing, capped
	clientGone   bool
}

// capWriter retains the first limit bytes written through it.
type capWriter struct {
	buf   []byte
	limit int
}

func (c *capWriter) Write(p []byte) (int, error) {
	if room := c.limit - len(c.buf); room > 0 {
		if len(p) > room {
			c.buf = append(c.buf, p[:room]...)
		} else {
			c.buf = append(c.buf, p...)
		}
	}
	return len(p), nil
}

// forwardResponse copies the upstream response to the client: status first,
// then headers minus content-encoding, then the body. SSE bodies are flushed
// on every read so frames reach the client as they arrive; all bodies are
// teed into a capped buffer for usage parsing.
func forwardResponse(w http.ResponseWriter, resp *http.Response, start time.Time) (*streamResult, error) {
	for key, vals := range resp.Header {
		if http.CanonicalHeaderKey(key) == "Content-Encoding" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	res := &streamResult{
		status:    resp.StatusCode,
		streaming: strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream"),
	}
	capture := &capWriter{limit: maxUsageCapture}

	flusher, canFlush := w.(http.Flusher)
	if res.streaming && canFlush {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if res.firstTokenMs == 0 {
					res.firstTokenMs = time.Since(start).Milliseconds()
				}
				capture.Write(buf[:n]) //nolint:errcheck
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					res.clientGone = true
					res.usageBody = capture.buf
					return res, nil
				}
				flusher.Flush()
			}
			if readErr != nil {
				res.usageBody = capture.buf
				if readErr == io.EOF {
					return res, nil
				}
				return res, readErr
			}
		}
	}

	_, err := io.Copy(io.MultiWriter(w, capture), io.LimitReader(resp.Body, maxBufferedBody))
	res.usageBody = capture.buf
	if err != nil {
		res.clientGone = true
	}
	return res, nil
}
