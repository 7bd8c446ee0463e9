package handlers

import (
	"net/http"
	"os"
)

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz is a readiness probe.
// It checks that run directories can still be created under the data dir.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := os.MkdirAll(h.config.DataDir, 0o755); err != nil {
		h.httpError(w, "Data directory unavailable", http.StatusServiceUnavailable)
		return
	}
	f, err := os.CreateTemp(h.config.DataDir, ".ready-*")
	if err != nil {
		h.httpError(w, "Data directory not writable", http.StatusServiceUnavailable)
		return
	}
	f.Close()
	os.Remove(f.Name())

	h.respondJson(w, http.StatusOK, map[string]string{"status": "ready"})
}
