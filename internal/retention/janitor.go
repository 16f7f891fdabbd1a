// Package retention implements data retention for concluded investigations.
// A background janitor periodically finds terminal investigations (COMPLETED,
// FAILED, CANCELLED) older than the retention window, archives a full
// snapshot (record, rounds, results, context) to a pluggable archive backend,
// and purges them from the hot store.
//
// Archive failures are fail-safe: an investigation is NOT purged if its
// snapshot could not be archived. With no archive driver registered the
// janitor purges without archiving.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/internal/store"
	"github.com/opskit/inquest/pkg/models"
)

// DefaultMaxAge is the retention window for terminal investigations.
const DefaultMaxAge = 7 * 24 * time.Hour

// DefaultListLimit caps how many investigations one cycle examines per status.
const DefaultListLimit = 1000

// Snapshot is the full durable state of one investigation, as handed to an
// archive driver before purging.
type Snapshot struct {
	Investigation *models.Investigation    `json:"investigation"`
	Context       *models.Context          `json:"context,omitempty"`
	Results       []models.ExecutionResult `json:"results,omitempty"`
}

// Archiver is a pluggable archive backend for expired investigations.
type Archiver interface {
	// Kind identifies the backend ("local", "s3", ...).
	Kind() string

	// ArchiveInvestigations writes the snapshots to durable storage and
	// returns a URI locating the archive.
	ArchiveInvestigations(ctx context.Context, snaps []Snapshot) (string, error)

	// HealthCheck verifies the backend is writable.
	HealthCheck(ctx context.Context) error
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Archived int
	Purged   int
	Errors   []error
}

// Janitor periodically archives and purges expired terminal investigations.
type Janitor struct {
	store    store.Store
	maxAge   time.Duration
	interval time.Duration

	// archivers is a registry of pluggable archive backends.
	archivers map[string]Archiver
	driverMu  sync.RWMutex

	// defaultBackend is the driver used for archiving.
	defaultBackend string
}

// NewJanitor creates a retention janitor. Investigations stay queryable for
// maxAge after their last update; the sweep runs every interval.
func NewJanitor(s store.Store, maxAge, interval time.Duration) *Janitor {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if interval < time.Minute {
		interval = time.Hour // minimum 1 hour
	}
	return &Janitor{
		store:     s,
		maxAge:    maxAge,
		interval:  interval,
		archivers: make(map[string]Archiver),
	}
}

// RegisterArchiver adds an archive driver. The first registered driver
// becomes the default backend.
func (j *Janitor) RegisterArchiver(driver Archiver) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	kind := driver.Kind()
	if len(j.archivers) == 0 {
		j.defaultBackend = kind
	}
	j.archivers[kind] = driver
	log.Info().Str("kind", kind).Msg("Archive driver registered")
}

// SetDefaultBackend overrides which archive driver is used.
func (j *Janitor) SetDefaultBackend(kind string) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	j.defaultBackend = kind
}

// ListArchivers returns the kinds of all registered archive drivers.
func (j *Janitor) ListArchivers() []string {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	kinds := make([]string, 0, len(j.archivers))
	for k := range j.archivers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Start runs the janitor in a background goroutine. It blocks until ctx is
// canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("max_age", j.maxAge).
		Dur("interval", j.interval).
		Strs("archivers", j.ListArchivers()).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep. Exported so operators can trigger a
// sweep out of band.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	expired, err := j.findExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: failed to list investigations")
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	if len(expired) == 0 {
		return stats
	}

	snaps, purgeable := j.snapshot(ctx, expired, &stats)

	if driver := j.archiver(); driver != nil {
		uri, err := driver.ArchiveInvestigations(ctx, snaps)
		if err != nil {
			// Fail-safe: nothing is purged when the archive write fails.
			log.Warn().Err(err).
				Str("backend", driver.Kind()).
				Int("count", len(snaps)).
				Msg("Archive failed, skipping purge")
			stats.Errors = append(stats.Errors, err)
			return stats
		}
		stats.Archived = len(snaps)
		log.Debug().Str("uri", uri).Int("count", len(snaps)).Msg("Investigations archived")
	}

	for _, id := range purgeable {
		if err := j.store.PurgeInvestigation(ctx, id); err != nil {
			log.Warn().Err(err).Str("investigation_id", id).Msg("Failed to purge investigation")
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.Purged++
	}

	if stats.Archived > 0 || stats.Purged > 0 {
		log.Info().
			Int("archived", stats.Archived).
			Int("purged", stats.Purged).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

// findExpired returns terminal investigations last updated before the cutoff.
func (j *Janitor) findExpired(ctx context.Context) ([]models.Investigation, error) {
	cutoff := time.Now().UTC().Add(-j.maxAge)
	var expired []models.Investigation
	for _, status := range []models.InvestigationStatus{
		models.InvestigationCompleted,
		models.InvestigationFailed,
		models.InvestigationCancelled,
	} {
		invs, err := j.store.ListInvestigations(ctx, status, DefaultListLimit)
		if err != nil {
			return nil, err
		}
		for _, inv := range invs {
			if inv.UpdatedAt.Before(cutoff) {
				expired = append(expired, inv)
			}
		}
	}
	return expired, nil
}

// snapshot assembles full snapshots for the expired investigations. An
// investigation whose snapshot cannot be assembled is left in the hot store.
func (j *Janitor) snapshot(ctx context.Context, expired []models.Investigation, stats *CycleStats) ([]Snapshot, []string) {
	snaps := make([]Snapshot, 0, len(expired))
	ids := make([]string, 0, len(expired))
	for _, inv := range expired {
		full, err := j.store.GetInvestigation(ctx, inv.ID)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		snap := Snapshot{Investigation: full}
		if snapCtx, err := j.store.GetContext(ctx, inv.ID); err == nil {
			snap.Context = snapCtx
		}
		if results, err := j.store.ResultLog(ctx, inv.ID); err == nil {
			snap.Results = results
		}
		snaps = append(snaps, snap)
		ids = append(ids, inv.ID)
	}
	return snaps, ids
}

func (j *Janitor) archiver() Archiver {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	if j.defaultBackend == "" {
		return nil
	}
	return j.archivers[j.defaultBackend]
}
