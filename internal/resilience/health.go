package resilience

import (
	"sync"
	"time"
)

// HealthTracker caches the health verdict for a single external service so
// that bursts of work do not trigger a health-check storm. Every successful
// call refreshes the verdict; every connection failure marks the service
// unhealthy. The cached verdict is trusted for a fixed window (default 30s)
// before a live probe is performed again.
type HealthTracker struct {
	mu          sync.Mutex
	healthy     bool
	lastChecked time.Time
	window      time.Duration

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// DefaultHealthWindow is how long a cached health verdict stays valid.
const DefaultHealthWindow = 30 * time.Second

// NewHealthTracker creates a tracker with the given cache window. A zero or
// negative window falls back to DefaultHealthWindow.
func NewHealthTracker(window time.Duration) *HealthTracker {
	if window <= 0 {
		window = DefaultHealthWindow
	}
	return &HealthTracker{
		window:  window,
		nowFunc: time.Now,
	}
}

// MarkHealthy records a successful call with a fresh timestamp.
func (h *HealthTracker) MarkHealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = true
	h.lastChecked = h.nowFunc()
}

// MarkUnhealthy records a connection failure with a fresh timestamp.
func (h *HealthTracker) MarkUnhealthy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = false
	h.lastChecked = h.nowFunc()
}

// Verdict returns the cached health verdict and whether it is still fresh.
// Callers perform a live probe only when fresh is false.
func (h *HealthTracker) Verdict() (healthy, fresh bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastChecked.IsZero() {
		return false, false
	}
	fresh = h.nowFunc().Sub(h.lastChecked) < h.window
	return h.healthy, fresh
}
