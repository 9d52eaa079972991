// Package health evaluates named checks for the admin endpoints. Every
// check appears in the full report; a check can additionally gate the
// liveness or readiness probe.
package health

import (
	"sync"
	"time"
)

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check is the result of one check.
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	DurationMS  float64        `json:"duration_ms"`
}

// CheckFunc performs a check.
type CheckFunc func() Check

// Probe selects the checks a report runs.
type Probe uint8

const (
	// All runs every registered check.
	All Probe = 0
	// Liveness checks fail only when the process must be restarted.
	Liveness Probe = 1 << iota
	// Readiness checks fail while the node should not receive traffic.
	Readiness
)

// Report aggregates the checks of one probe. Its status is the worst
// status of its checks.
type Report struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    float64          `json:"uptime_seconds"`
}

type entry struct {
	name   string
	fn     CheckFunc
	probes Probe
}

// Checker holds the registered checks.
type Checker struct {
	mu      sync.RWMutex
	entries []entry
	started time.Time
}

// NewChecker returns a Checker with no checks.
func NewChecker() *Checker {
	return &Checker{started: time.Now()}
}

// Register adds a check, replacing any check with the same name. The check
// is part of the full report and of every probe listed.
func (c *Checker) Register(name string, fn CheckFunc, probes ...Probe) {
	var mask Probe
	for _, p := range probes {
		mask |= p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].name == name {
			c.entries[i] = entry{name: name, fn: fn, probes: mask}
			return
		}
	}
	c.entries = append(c.entries, entry{name: name, fn: fn, probes: mask})
}

// Run evaluates the checks selected by p.
func (c *Checker) Run(p Probe) Report {
	c.mu.RLock()
	entries := make([]entry, 0, len(c.entries))
	for _, e := range c.entries {
		if p == All || e.probes&p != 0 {
			entries = append(entries, e)
		}
	}
	c.mu.RUnlock()

	now := time.Now()
	report := Report{
		Status:    StatusHealthy,
		Timestamp: now,
		Checks:    make(map[string]Check, len(entries)),
		Uptime:    now.Sub(c.started).Seconds(),
	}
	for _, e := range entries {
		start := time.Now()
		check := e.fn()
		check.LastChecked = start
		check.DurationMS = float64(time.Since(start).Microseconds()) / 1000
		if check.Name == "" {
			check.Name = e.name
		}
		report.Checks[e.name] = check
		if check.Status.rank() > report.Status.rank() {
			report.Status = check.Status
		}
	}
	return report
}
