package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tilemud/core/pkg/healthpoll"
)

// HealthStatus reports one dependency's last observed poll.
type HealthStatus struct {
	Dependency string    `json:"dependency"`
	Healthy    bool      `json:"healthy"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// HealthHandler serves /health, /ready, and /live. Grounded on the
// teacher's health.go HTTP surface, narrowed from a registry of named
// checks to the single cache Poller this core schedules.
type HealthHandler struct {
	poller *healthpoll.Poller
	name   string
}

// NewHealthHandler builds a HealthHandler over the given named Poller.
func NewHealthHandler(name string, poller *healthpoll.Poller) *HealthHandler {
	return &HealthHandler{name: name, poller: poller}
}

// Live always answers 200: the process is up and serving HTTP at all.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready answers 200 only if the last observed poll was healthy; 503
// otherwise, including before the first poll has run.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	healthy, checkedAt := h.poller.LastObserved()
	status := HealthStatus{Dependency: h.name, Healthy: healthy, CheckedAt: checkedAt}

	w.Header().Set("Content-Type", "application/json")
	if !healthy || checkedAt.IsZero() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Health reports the same status as Ready but always answers 200, for
// dashboards that want the detail without treating degraded as an outage.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	healthy, checkedAt := h.poller.LastObserved()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthStatus{Dependency: h.name, Healthy: healthy, CheckedAt: checkedAt})
}
