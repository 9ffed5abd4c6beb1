package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status of one component or of the whole gateway.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component names. Admission gates on the first three; storage and codec
// problems are surfaced but do not refuse calls on their own.
const (
	ComponentEventSocket  = "event_socket"
	ComponentEngine       = "engine"
	ComponentConversation = "conversation"
	ComponentStorage      = "storage"
	ComponentCodec        = "codec"
)

// Probe inspects one component. Probes must honor ctx and return quickly.
type Probe func(ctx context.Context) (Status, string)

// Component is one probe's latest result.
type Component struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is a point-in-time view of every component plus the aggregate.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Monitor runs registered probes on a fixed cadence and answers the one
// question admission cares about: may the gateway take another call.
type Monitor struct {
	interval time.Duration
	log      *slog.Logger
	clock    func() time.Time

	mu         sync.Mutex
	probes     []namedProbe
	components map[string]Component
	checkedAt  time.Time
}

type namedProbe struct {
	name  string
	probe Probe
}

func NewMonitor(interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		interval:   interval,
		log:        log,
		clock:      time.Now,
		components: make(map[string]Component),
	}
}

// Register adds a probe. Call before Run; re-registering a name replaces it.
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.probes {
		if p.name == name {
			m.probes[i].probe = probe
			return
		}
	}
	m.probes = append(m.probes, namedProbe{name: name, probe: probe})
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs every probe once and records the results.
func (m *Monitor) Sweep(ctx context.Context) {
	m.mu.Lock()
	probes := make([]namedProbe, len(m.probes))
	copy(probes, m.probes)
	m.mu.Unlock()

	now := m.clock()
	for _, p := range probes {
		status, detail := p.probe(ctx)
		m.mu.Lock()
		prev, had := m.components[p.name]
		m.components[p.name] = Component{Name: p.name, Status: status, Detail: detail, CheckedAt: now}
		m.checkedAt = now
		m.mu.Unlock()

		if had && prev.Status != status {
			m.log.Warn("component status changed",
				"component", p.name, "from", prev.Status, "to", status, "detail", detail)
		}
	}
}

// Snapshot returns the latest report. Components keep registration order.
func (m *Monitor) Snapshot() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{Status: StatusHealthy, CheckedAt: m.checkedAt}
	for _, p := range m.probes {
		c, ok := m.components[p.name]
		if !ok {
			c = Component{Name: p.name, Status: StatusUnhealthy, Detail: "not yet checked"}
		}
		report.Components = append(report.Components, c)
		switch c.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// CanAcceptCalls reports whether the call path is usable: the event socket,
// the engine, and the conversation endpoint must not be unhealthy. Degraded
// still accepts; storage and codec never gate on their own.
func (m *Monitor) CanAcceptCalls() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range []string{ComponentEventSocket, ComponentEngine, ComponentConversation} {
		c, ok := m.components[name]
		if !ok || c.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
