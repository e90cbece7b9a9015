// Package placement decides where file bytes go: it tracks backend health,
// applies the placement rule table to pick a primary and optional backup
// backend, and runs the upload fan-out including multipart transfers and
// failover.
package placement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/metrics"
)

// HealthMonitor probes backends on a timer and keeps the latest status in a
// single-writer many-reader table. The request hot path only ever reads the
// table; probes never run inline with an upload.
type HealthMonitor struct {
	backends []interfaces.StorageBackend
	interval time.Duration
	log      *slog.Logger

	mu       sync.RWMutex
	statuses map[string]interfaces.HealthStatus

	stop chan struct{}
	done chan struct{}
}

// NewHealthMonitor creates a monitor for backends probing every interval.
func NewHealthMonitor(backends []interfaces.StorageBackend, interval time.Duration, log *slog.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		backends: backends,
		interval: interval,
		log:      log,
		statuses: make(map[string]interfaces.HealthStatus),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes once synchronously so placement decisions have data
// immediately, then continues on the timer.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.ProbeOnce(ctx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.ProbeOnce(ctx)
			}
		}
	}()
}

// Stop terminates the probe loop.
func (m *HealthMonitor) Stop() {
	close(m.stop)
	<-m.done
}

// ProbeOnce checks every backend and updates the status table.
func (m *HealthMonitor) ProbeOnce(ctx context.Context) {
	for _, backend := range m.backends {
		status := backend.HealthCheck(ctx)

		m.mu.Lock()
		previous, seen := m.statuses[backend.Name()]
		m.statuses[backend.Name()] = status
		m.mu.Unlock()

		if status.Healthy {
			metrics.BackendHealthy.WithLabelValues(backend.Name()).Set(1)
		} else {
			metrics.BackendHealthy.WithLabelValues(backend.Name()).Set(0)
		}

		if seen && previous.Healthy != status.Healthy {
			m.log.Warn("Backend health changed",
				slog.String("backend", backend.Name()),
				slog.Bool("healthy", status.Healthy),
				slog.String("detail", status.Detail))
		}
	}
}

// Healthy reports the last probe result for the named backend. Unknown
// backends are unhealthy.
func (m *HealthMonitor) Healthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[name].Healthy
}

// Snapshot returns a copy of the status table.
func (m *HealthMonitor) Snapshot() map[string]interfaces.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interfaces.HealthStatus, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}
