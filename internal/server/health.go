package server

import "net/http"

// Probe responses, pre-allocated so the handlers stay alloc-free under
// aggressive load-balancer polling.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

// writePlain emits a plain-text probe response. Assigning the header slice
// directly skips the per-call allocation of Header.Set (same trick as
// respond.go:jsonCT).
func writePlain(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(status)
	w.Write(body)
}

// handleHealthz reports process liveness only.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, okBody)
}

// handleReadyz reports readiness to take traffic: the store must answer a
// ping. Without a configured ReadyCheck the probe degrades to liveness.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writePlain(w, http.StatusServiceUnavailable, notReadyBody)
			return
		}
	}
	writePlain(w, http.StatusOK, okBody)
}
