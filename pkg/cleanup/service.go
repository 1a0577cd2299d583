// Package cleanup provides background retention enforcement: sweeping
// expired auth sessions and purging plan artifacts past their retention
// window.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/planmesh/orchestrator/pkg/authsession"
	"github.com/planmesh/orchestrator/pkg/eventbus"
	"github.com/planmesh/orchestrator/pkg/planstate"
)

// Config bundles the cleanup loop's tunables.
type Config struct {
	// PlanArtifactRetention is how long a plan's metadata (and its
	// in-memory replay history) is kept after its last update. Zero
	// disables plan-artifact purging.
	PlanArtifactRetention time.Duration
	// CleanupInterval is how often the loop runs.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}

// Service periodically enforces retention policies:
//   - Evicts expired auth sessions from the session store
//   - Purges plan metadata (and its in-memory event history) once it has
//     aged past PlanArtifactRetention
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config   Config
	store    planstate.Store
	bus      *eventbus.Bus
	sessions *authsession.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. sessions may be nil to skip
// the session sweep (e.g. when auth is backed by an external session
// store that manages its own expiry).
func NewService(cfg Config, store planstate.Store, bus *eventbus.Bus, sessions *authsession.Store) *Service {
	return &Service{config: cfg.withDefaults(), store: store, bus: bus, sessions: sessions}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"plan_artifact_retention", s.config.PlanArtifactRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepSessions()
	s.purgePlanArtifacts(ctx)
}

func (s *Service) sweepSessions() {
	if s.sessions == nil {
		return
	}
	count := s.sessions.Sweep(time.Now())
	if count > 0 {
		slog.Info("retention: evicted expired auth sessions", "count", count)
	}
}

func (s *Service) purgePlanArtifacts(ctx context.Context) {
	if s.config.PlanArtifactRetention <= 0 {
		return
	}
	metas, err := s.store.ListPlanMetadata(ctx)
	if err != nil {
		slog.Error("retention: listing plan metadata failed", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.config.PlanArtifactRetention)
	var purged int
	for _, meta := range metas {
		if meta.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.ForgetPlanMetadata(ctx, meta.PlanID); err != nil {
			slog.Error("retention: purging plan metadata failed", "plan_id", meta.PlanID, "error", err)
			continue
		}
		if s.bus != nil {
			s.bus.ClearPlanHistory(meta.PlanID)
		}
		purged++
	}
	if purged > 0 {
		slog.Info("retention: purged aged plan artifacts", "count", purged)
	}
}
