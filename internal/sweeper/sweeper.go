// Package sweeper periodically removes media accounts whose owning
// panel account no longer holds an entitled plan.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"subbridge/internal/keylock"
	"subbridge/internal/metrics"
	"subbridge/internal/reconcile"
	"subbridge/internal/session"
	"subbridge/internal/store"
	"subbridge/pkg/panel"
)

// PlanPolicy decides which panel plans keep media access.
type PlanPolicy interface {
	PlanAllowed(planID *int) bool
}

// Sweeper walks all durable records and de-provisions media accounts
// that fail the entitlement check.
type Sweeper struct {
	records  store.Store
	sessions *session.Cache
	locks    *keylock.Map
	dial     session.DialFunc
	media    reconcile.MediaDeleter
	policy   PlanPolicy

	interval     time.Duration
	initialDelay time.Duration

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New wires a sweeper over the shared stores, lock map and clients.
func New(records store.Store, sessions *session.Cache, locks *keylock.Map, dial session.DialFunc, media reconcile.MediaDeleter, policy PlanPolicy, interval, initialDelay time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 3600 * time.Second
	}
	if initialDelay < 0 {
		initialDelay = 0
	}
	return &Sweeper{
		records:      records,
		sessions:     sessions,
		locks:        locks,
		dial:         dial,
		media:        media,
		policy:       policy,
		interval:     interval,
		initialDelay: initialDelay,
	}
}

// Start launches the periodic sweep loop. The first run waits for the
// configured initial delay so startup traffic settles first.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go func() {
		defer close(s.stopped)

		select {
		case <-runCtx.Done():
			return
		case <-time.After(s.initialDelay):
		}
		s.RunOnce(runCtx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(runCtx)
			}
		}
	}()

	log.Info().
		Dur("interval", s.interval).
		Dur("initial_delay", s.initialDelay).
		Msg("Entitlement sweeper started")
}

// Stop requests shutdown and waits up to ten seconds for an in-flight
// sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil

	select {
	case <-s.stopped:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Entitlement sweeper stop timed out")
	}
}

// RunOnce performs a single full sweep. Overlapping invocations are
// rejected rather than queued.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if !s.runMu.TryLock() {
		metrics.SweepRunsTotal.WithLabelValues("skipped_overlap").Inc()
		log.Warn().Msg("Entitlement sweep still running, skipping this cycle")
		return
	}
	defer s.runMu.Unlock()

	runID := uuid.New().String()[:8]
	logger := log.With().Str("sweep", runID).Logger()

	entries, err := s.records.ListAll()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to enumerate records, aborting sweep")
		return
	}

	logger.Info().Int("records", len(entries)).Msg("Entitlement sweep starting")
	start := time.Now()
	deprovisioned := 0

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Entitlement sweep cancelled")
			return
		default:
		}
		if s.sweepRecord(ctx, logger, entry.ID, entry.Record) {
			deprovisioned++
		}
	}

	elapsed := time.Since(start)
	metrics.SweepRunsTotal.WithLabelValues("completed").Inc()
	metrics.SweepDurationSeconds.Observe(elapsed.Seconds())
	logger.Info().
		Int("records", len(entries)).
		Int("deprovisioned", deprovisioned).
		Dur("elapsed", elapsed).
		Msg("Entitlement sweep finished")
}

// sweepRecord examines one identity and reports whether its media
// account was removed. A failure here never aborts the whole sweep.
func (s *Sweeper) sweepRecord(ctx context.Context, logger zerolog.Logger, id int64, rec *store.Record) (removed bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepRecordsTotal.WithLabelValues("error").Inc()
			logger.Error().Interface("panic", r).Int64("identity", id).Msg("Panic while sweeping record")
		}
	}()

	if rec == nil || rec.Media == nil {
		metrics.SweepRecordsTotal.WithLabelValues("skipped").Inc()
		return false
	}
	if rec.Email == "" || rec.Password == "" {
		metrics.SweepRecordsTotal.WithLabelValues("skipped").Inc()
		logger.Debug().Int64("identity", id).Msg("Record has media but no panel credentials, skipping")
		return false
	}

	client, err := s.dial(rec.Email, rec.Password)
	if err != nil {
		metrics.SweepRecordsTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Int64("identity", id).Msg("Failed to build panel client")
		return false
	}

	profile, err := s.verifyPlan(ctx, client, id, rec)
	if err != nil {
		// Unable to confirm the plan. Keep the media account; deleting
		// on a transient panel failure would be wrong.
		metrics.SweepRecordsTotal.WithLabelValues("login_failed").Inc()
		logger.Warn().Err(err).Int64("identity", id).Str("email", rec.Email).Msg("Could not verify plan, keeping media account")
		return false
	}

	if s.policy.PlanAllowed(profile.PlanID) {
		metrics.SweepRecordsTotal.WithLabelValues("validated").Inc()
		return false
	}

	if err := s.media.DeleteUser(ctx, rec.Media.AccountID); err != nil {
		metrics.SweepRecordsTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).
			Int64("identity", id).
			Str("media_account", rec.Media.AccountID).
			Msg("Failed to delete media account, will retry next sweep")
		return false
	}
	metrics.MediaAccountsDeletedTotal.WithLabelValues("entitlement").Inc()

	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.records.Load(id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.SweepRecordsTotal.WithLabelValues("error").Inc()
			logger.Error().Err(err).Int64("identity", id).Msg("Failed to reload record after media deletion")
		}
		return true
	}
	current.Media = nil
	if err := s.records.Save(id, current); err != nil {
		metrics.SweepRecordsTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Int64("identity", id).Msg("Failed to persist record after media deletion")
		return true
	}
	s.sessions.Forget(id)

	metrics.SweepRecordsTotal.WithLabelValues("deprovisioned").Inc()
	planID := 0
	if profile.PlanID != nil {
		planID = *profile.PlanID
	}
	logger.Info().
		Int64("identity", id).
		Str("email", rec.Email).
		Int("plan_id", planID).
		Str("media_account", rec.Media.AccountID).
		Msg("Removed media account, plan no longer entitled")
	return true
}

// verifyPlan fetches a fresh profile, reusing the stored token when the
// panel still honors it and falling back to a password login.
func (s *Sweeper) verifyPlan(ctx context.Context, client session.PanelClient, id int64, rec *store.Record) (*panel.Profile, error) {
	if rec.AuthToken != "" {
		client.SetToken(rec.AuthToken)
		if p, err := client.GetProfile(ctx); err == nil {
			return p, nil
		}
		client.SetToken("")
	}

	if err := client.Login(ctx); err != nil {
		return nil, err
	}

	// Persist the refreshed token so the next probe skips the login.
	rec.AuthToken = client.Token()
	unlock := s.locks.Lock(id)
	if current, err := s.records.Load(id); err == nil {
		current.AuthToken = rec.AuthToken
		if err := s.records.Save(id, current); err != nil {
			log.Error().Err(err).Int64("identity", id).Msg("Failed to persist refreshed auth token")
		}
	}
	unlock()

	return client.GetProfile(ctx)
}
