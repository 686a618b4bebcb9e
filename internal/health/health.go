// Package health serves liveness and readiness probes for a running spoolq
// process. Queues register a readiness check while they are open.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck is the probe result for one registered queue.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by the probe endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy.
type CheckFunc func() error

// Checker tracks registered readiness checks and the stopping state.
type Checker struct {
	mu       sync.RWMutex
	checks   map[string]CheckFunc
	stopping atomic.Bool
}

// New creates an empty Checker.
func New() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the readiness check for name and returns a func
// that removes it.
func (c *Checker) Register(name string, check CheckFunc) func() {
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.checks, name)
		c.mu.Unlock()
	}
}

// Names returns the registered check names in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetStopping marks the process as stopping. Both probes report down after it.
func (c *Checker) SetStopping() {
	c.stopping.Store(true)
}

// Mount registers /live and /ready on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/live", c.LiveHandler())
	mux.HandleFunc("/ready", c.ReadyHandler())
}

// LiveHandler reports up until SetStopping is called.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.stopping.Load() {
			writeJSON(w, http.StatusServiceUnavailable, stoppingResponse())
			return
		}
		writeJSON(w, http.StatusOK, Response{Status: StatusUp, Timestamp: now()})
	}
}

// ReadyHandler runs every registered check. Any failure, or having no
// registered queue at all, yields 503.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.stopping.Load() {
			writeJSON(w, http.StatusServiceUnavailable, stoppingResponse())
			return
		}

		c.mu.RLock()
		checks := make(map[string]CheckFunc, len(c.checks))
		for k, v := range c.checks {
			checks[k] = v
		}
		c.mu.RUnlock()

		resp := Response{
			Status:     StatusUp,
			Components: make(map[string]ComponentCheck, len(checks)),
			Timestamp:  now(),
		}
		if len(checks) == 0 {
			resp.Status = StatusDown
		}
		for name, check := range checks {
			if err := check(); err != nil {
				resp.Status = StatusDown
				resp.Components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
				continue
			}
			resp.Components[name] = ComponentCheck{Status: StatusUp}
		}

		code := http.StatusOK
		if resp.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func stoppingResponse() Response {
	return Response{
		Status:    StatusDown,
		Timestamp: now(),
		Components: map[string]ComponentCheck{
			"process": {Status: StatusDown, Message: "stopping"},
		},
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
