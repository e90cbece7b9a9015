package placement

import (
	"fmt"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// Config names the backends the rule table refers to and sets the size
// bucket boundaries.
type Config struct {
	// PrimaryBackend is the default destination for uploads.
	PrimaryBackend string

	// ArchivalBackend holds permanent files and critical backups.
	ArchivalBackend string

	// SmallFileCeiling is the exclusive upper bound for the small bucket,
	// which gets an archival backup by default.
	SmallFileCeiling int64

	// LargeFileCeiling separates the middle and large buckets. Neither gets
	// a default backup; the boundary exists for placement reporting and
	// future per-bucket policies.
	LargeFileCeiling int64

	// CriticalSizeCeiling is the largest file the critical flag will back up
	// to archival storage.
	CriticalSizeCeiling int64
}

// DefaultConfig returns production bucket boundaries.
func DefaultConfig(primary, archival string) Config {
	return Config{
		PrimaryBackend:      primary,
		ArchivalBackend:     archival,
		SmallFileCeiling:    10 << 20,
		LargeFileCeiling:    1 << 30,
		CriticalSizeCeiling: 100 << 20,
	}
}

// Placement is the outcome of a placement decision. Backup is nil when the
// rule table assigns none or no healthy candidate exists.
type Placement struct {
	Primary interfaces.StorageBackend
	Backup  interfaces.StorageBackend
}

// Strategy applies the placement rule table over the currently healthy
// backends.
type Strategy struct {
	cfg      Config
	monitor  *HealthMonitor
	backends map[string]interfaces.StorageBackend
	order    []string
}

// NewStrategy creates a strategy over backends. The monitor supplies health
// state; backends named by cfg must be present.
func NewStrategy(cfg Config, backends []interfaces.StorageBackend, monitor *HealthMonitor) (*Strategy, error) {
	byName := make(map[string]interfaces.StorageBackend, len(backends))
	order := make([]string, 0, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
		order = append(order, b.Name())
	}
	if _, ok := byName[cfg.PrimaryBackend]; !ok {
		return nil, fmt.Errorf("primary backend %q not configured", cfg.PrimaryBackend)
	}
	if _, ok := byName[cfg.ArchivalBackend]; !ok {
		return nil, fmt.Errorf("archival backend %q not configured", cfg.ArchivalBackend)
	}
	return &Strategy{cfg: cfg, monitor: monitor, backends: byName, order: order}, nil
}

// Backend returns a configured backend by name.
func (s *Strategy) Backend(name string) (interfaces.StorageBackend, bool) {
	b, ok := s.backends[name]
	return b, ok
}

// Backends returns all configured backends in registration order.
func (s *Strategy) Backends() []interfaces.StorageBackend {
	out := make([]interfaces.StorageBackend, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.backends[name])
	}
	return out
}

// SelectPlacement picks a primary and optional backup backend for a file of
// sizeBytes. The rule table is evaluated in fixed order, first match wins:
//
//	permanent                          -> archival primary, default backup
//	critical and under critical limit  -> default primary, archival backup
//	small bucket                       -> default primary, archival backup
//	middle and large buckets           -> default primary, no backup
//
// Only backends whose last probe reported healthy are candidates. An
// unhealthy nominal primary falls back to the nominal backup, then to any
// healthy backend; with none healthy the selection fails before any bytes
// move.
func (s *Strategy) SelectPlacement(sizeBytes int64, flags interfaces.UploadFlags) (Placement, error) {
	var nominalPrimary, nominalBackup string
	switch {
	case flags.Permanent:
		nominalPrimary, nominalBackup = s.cfg.ArchivalBackend, s.cfg.PrimaryBackend
	case flags.Critical && sizeBytes < s.cfg.CriticalSizeCeiling:
		nominalPrimary, nominalBackup = s.cfg.PrimaryBackend, s.cfg.ArchivalBackend
	case sizeBytes < s.cfg.SmallFileCeiling:
		nominalPrimary, nominalBackup = s.cfg.PrimaryBackend, s.cfg.ArchivalBackend
	default:
		nominalPrimary, nominalBackup = s.cfg.PrimaryBackend, ""
	}

	primary := s.pickHealthy(nominalPrimary, nominalBackup)
	if primary == nil {
		return Placement{}, &interfaces.BackendUnavailableError{Requested: nominalPrimary}
	}

	placement := Placement{Primary: primary}
	if nominalBackup != "" && nominalBackup != primary.Name() && s.monitor.Healthy(nominalBackup) {
		placement.Backup = s.backends[nominalBackup]
	}
	return placement, nil
}

// pickHealthy resolves the fallback chain: nominal primary, nominal backup,
// any healthy backend.
func (s *Strategy) pickHealthy(nominalPrimary, nominalBackup string) interfaces.StorageBackend {
	if s.monitor.Healthy(nominalPrimary) {
		return s.backends[nominalPrimary]
	}
	if nominalBackup != "" && s.monitor.Healthy(nominalBackup) {
		return s.backends[nominalBackup]
	}
	for _, name := range s.order {
		if s.monitor.Healthy(name) {
			return s.backends[name]
		}
	}
	return nil
}
