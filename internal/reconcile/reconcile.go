// Package reconcile enforces the one-address-one-identity rule at
// login time. A successful login with an email already bound elsewhere
// takes the address over: the superseded identity loses its durable
// record, its cached session and, best effort, its media account.
package reconcile

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"subbridge/internal/index"
	"subbridge/internal/keylock"
	"subbridge/internal/metrics"
	"subbridge/internal/store"
)

// MediaDeleter deletes accounts on the media server.
type MediaDeleter interface {
	DeleteUser(ctx context.Context, accountID string) error
}

// SessionForgetter drops live cache entries.
type SessionForgetter interface {
	Forget(id int64)
}

// Reconciler owns the email binding transitions. All index
// read-modify-write sequences run under bindMu, the single-writer
// critical section for claim and release.
type Reconciler struct {
	records  store.Store
	index    *index.EmailIndex
	sessions SessionForgetter
	locks    *keylock.Map
	media    MediaDeleter

	bindMu sync.Mutex
}

// New wires a reconciler over the shared stores and lock map.
func New(records store.Store, idx *index.EmailIndex, sessions SessionForgetter, locks *keylock.Map, media MediaDeleter) *Reconciler {
	return &Reconciler{
		records:  records,
		index:    idx,
		sessions: sessions,
		locks:    locks,
		media:    media,
	}
}

// Bind records that identity id has proven ownership of email. When
// another identity held the address, that identity is evicted first.
// persist, when non-nil, runs inside the same critical section as the
// claim, so the record it writes cannot outlive a concurrent takeover
// of the address. Returns whether a takeover happened. The binding
// itself never fails because of the superseded identity's cleanup;
// only index persistence and persist errors propagate.
func (r *Reconciler) Bind(ctx context.Context, id int64, email string, persist func() error) (bool, error) {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	prev, bound := r.index.Lookup(email)

	tookOver := false
	if bound && prev != id {
		r.evict(ctx, prev, email)
		metrics.TakeoversTotal.Inc()
		tookOver = true
	}

	if !bound || prev != id {
		if err := r.index.Claim(email, id); err != nil {
			return tookOver, err
		}
	}

	if persist != nil {
		if err := persist(); err != nil {
			return tookOver, err
		}
	}
	return tookOver, nil
}

// Unbind releases email and drops the owning identity's state. Used
// when an identity deletes its own account. The release is skipped if
// a concurrent takeover already moved the address to another identity.
func (r *Reconciler) Unbind(ctx context.Context, id int64, email string) error {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	unlock := r.locks.Lock(id)
	defer unlock()

	r.sessions.Forget(id)
	if err := r.records.Delete(id); err != nil {
		return err
	}
	if owner, ok := r.index.Lookup(email); ok && owner == id {
		return r.index.Release(email)
	}
	return nil
}

// ReleaseIfOwner drops the binding for email only while id still holds
// it. Used when an identity re-logs in under a different address.
func (r *Reconciler) ReleaseIfOwner(email string, id int64) error {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()

	if owner, ok := r.index.Lookup(email); !ok || owner != id {
		return nil
	}
	return r.index.Release(email)
}

// evict strips the superseded identity. Media de-provisioning is best
// effort: a failure there must not block the new owner's login.
// Callers hold bindMu.
func (r *Reconciler) evict(ctx context.Context, id int64, email string) {
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.records.Load(id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Int64("identity", id).Msg("Failed to load superseded record during takeover")
		}
	} else if rec.Media != nil {
		if err := r.media.DeleteUser(ctx, rec.Media.AccountID); err != nil {
			metrics.TakeoverDeprovisionFailuresTotal.Inc()
			log.Warn().Err(err).
				Int64("identity", id).
				Str("media_account", rec.Media.AccountID).
				Msg("Failed to delete superseded media account, continuing takeover")
		} else {
			metrics.MediaAccountsDeletedTotal.WithLabelValues("takeover").Inc()
			log.Info().
				Int64("identity", id).
				Str("media_account", rec.Media.AccountID).
				Msg("Deleted media account of superseded identity")
		}
	}

	r.sessions.Forget(id)
	if err := r.records.Delete(id); err != nil {
		log.Error().Err(err).Int64("identity", id).Msg("Failed to delete superseded record during takeover")
	}

	log.Info().Int64("identity", id).Str("email", email).Msg("Email binding taken over from identity")
}
