// Package service is the account-bridge facade: every user-facing
// operation goes through here, so the binding rules and entitlement
// checks live in one place regardless of which frontend calls in.
package service

import (
	"context"
	stderrors "errors"

	"github.com/rs/zerolog/log"

	"subbridge/internal/errors"
	"subbridge/internal/index"
	"subbridge/internal/keylock"
	"subbridge/internal/metrics"
	"subbridge/internal/reconcile"
	"subbridge/internal/session"
	"subbridge/internal/store"
	"subbridge/pkg/emby"
	"subbridge/pkg/panel"
)

// MediaProvisioner provisions and removes media-server accounts.
type MediaProvisioner interface {
	CreateUser(ctx context.Context, username, password string) (*emby.Account, error)
	DeleteUser(ctx context.Context, accountID string) error
}

// PlanPolicy decides which panel plans keep media access.
type PlanPolicy interface {
	PlanAllowed(planID *int) bool
}

// MediaInfo is what an account holder needs to reach the media server.
type MediaInfo struct {
	Username  string
	Password  string
	ServerURL string
}

// Service coordinates the record store, email index, session cache,
// binding reconciler and the two upstream clients.
type Service struct {
	records    store.Store
	index      *index.EmailIndex
	sessions   *session.Cache
	reconciler *reconcile.Reconciler
	locks      *keylock.Map
	dial       session.DialFunc
	media      MediaProvisioner
	policy     PlanPolicy
	serverURL  string
}

// New wires the facade. serverURL is the connection hint handed out
// with media credentials; it may be empty.
func New(records store.Store, idx *index.EmailIndex, sessions *session.Cache, reconciler *reconcile.Reconciler, locks *keylock.Map, dial session.DialFunc, media MediaProvisioner, policy PlanPolicy, serverURL string) *Service {
	return &Service{
		records:    records,
		index:      idx,
		sessions:   sessions,
		reconciler: reconciler,
		locks:      locks,
		dial:       dial,
		media:      media,
		policy:     policy,
		serverURL:  serverURL,
	}
}

// Login authenticates identity id against the panel with email and
// password, reconciles the email binding and persists the credentials.
func (s *Service) Login(ctx context.Context, id int64, email, password string) (*session.Session, error) {
	if email == "" || password == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "login", id, stderrors.New("email and password are required"))
	}

	client, err := s.dial(email, password)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeInternal, "login", id, err)
	}
	if err := client.Login(ctx); err != nil {
		if panel.IsAuthError(err) {
			return nil, errors.WrapAuthError("login", id, err)
		}
		return nil, errors.WrapConnectionError("login", id, err)
	}

	// The record carrying the email is saved inside the reconciler's
	// binding critical section, so a concurrent takeover of the same
	// address either runs before this save or evicts the record it
	// produced.
	var rec *store.Record
	var previousEmail string
	tookOver, err := s.reconciler.Bind(ctx, id, email, func() error {
		unlock := s.locks.Lock(id)
		defer unlock()

		current, loadErr := s.records.Load(id)
		if loadErr != nil {
			current = &store.Record{}
		}
		previousEmail = current.Email
		current.Email = email
		current.Password = password
		current.AuthToken = client.Token()
		if err := s.records.Save(id, current); err != nil {
			return err
		}
		rec = current
		return nil
	})
	if err != nil {
		return nil, errors.New(errors.ErrorTypeInternal, "bind_email", id, err)
	}
	if tookOver {
		log.Info().Int64("identity", id).Str("email", email).Msg("Login took over email from another identity")
	}

	// An identity switching to a different panel account releases its
	// old address so someone else can claim it cleanly.
	if previousEmail != "" && previousEmail != email {
		if err := s.reconciler.ReleaseIfOwner(previousEmail, id); err != nil {
			log.Error().Err(err).Str("email", previousEmail).Msg("Failed to release previous email binding")
		}
	}

	sess := &session.Session{ID: id, Record: rec, Client: client}
	s.sessions.Put(sess)
	return sess, nil
}

// Logout drops the identity's durable record, its email binding and
// any cached session. The media account, if any, is removed first.
func (s *Service) Logout(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	rec, err := s.records.Load(id)
	unlock()
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.New(errors.ErrorTypeNotFound, "logout", id, err)
		}
		return errors.New(errors.ErrorTypeInternal, "logout", id, err)
	}

	if rec.Media != nil {
		if err := s.media.DeleteUser(ctx, rec.Media.AccountID); err != nil {
			log.Warn().Err(err).Int64("identity", id).Str("media_account", rec.Media.AccountID).Msg("Failed to delete media account during logout")
		} else {
			metrics.MediaAccountsDeletedTotal.WithLabelValues("user_request").Inc()
		}
	}

	if err := s.reconciler.Unbind(ctx, id, rec.Email); err != nil {
		return errors.New(errors.ErrorTypeInternal, "logout", id, err)
	}
	log.Info().Int64("identity", id).Str("email", rec.Email).Msg("Identity logged out, record removed")
	return nil
}

// activeSession fetches a session that holds a validated panel client.
func (s *Service) activeSession(ctx context.Context, op string, id int64) (*session.Session, error) {
	sess, err := s.sessions.GetOrLoad(ctx, id)
	if err != nil {
		if stderrors.Is(err, session.ErrNoRecord) {
			return nil, errors.New(errors.ErrorTypeNotFound, op, id, err)
		}
		return nil, errors.New(errors.ErrorTypeInternal, op, id, err)
	}
	if !sess.LoggedIn() {
		return nil, errors.New(errors.ErrorTypeAuth, op, id, stderrors.New("stored credentials no longer accepted, login again"))
	}
	return sess, nil
}

// Profile returns the identity's panel profile.
func (s *Service) Profile(ctx context.Context, id int64) (*panel.Profile, error) {
	sess, err := s.activeSession(ctx, "profile", id)
	if err != nil {
		return nil, err
	}
	profile, err := sess.Client.GetProfile(ctx)
	if err != nil {
		return nil, s.wrapUpstream("profile", id, err)
	}
	return profile, nil
}

// Subscription returns the identity's subscription details.
func (s *Service) Subscription(ctx context.Context, id int64) (*panel.Subscription, error) {
	sess, err := s.activeSession(ctx, "subscription", id)
	if err != nil {
		return nil, err
	}
	sub, err := sess.Client.GetSubscription(ctx)
	if err != nil {
		return nil, s.wrapUpstream("subscription", id, err)
	}
	return sub, nil
}

// Plans returns the panel's purchasable plans.
func (s *Service) Plans(ctx context.Context, id int64) ([]panel.Plan, error) {
	sess, err := s.activeSession(ctx, "plans", id)
	if err != nil {
		return nil, err
	}
	plans, err := sess.Client.GetPlans(ctx)
	if err != nil {
		return nil, s.wrapUpstream("plans", id, err)
	}
	return plans, nil
}

// Orders returns the identity's order history.
func (s *Service) Orders(ctx context.Context, id int64) ([]panel.Order, error) {
	sess, err := s.activeSession(ctx, "orders", id)
	if err != nil {
		return nil, err
	}
	orders, err := sess.Client.GetOrders(ctx)
	if err != nil {
		return nil, s.wrapUpstream("orders", id, err)
	}
	return orders, nil
}

// ProvisionMedia creates a media account for the identity. Requires a
// live session, an entitled plan, exclusive ownership of the bound
// email and no existing media account.
func (s *Service) ProvisionMedia(ctx context.Context, id int64) (*MediaInfo, error) {
	sess, err := s.activeSession(ctx, "provision_media", id)
	if err != nil {
		return nil, err
	}

	if sess.Record.Media != nil {
		return nil, errors.New(errors.ErrorTypeConflict, "provision_media", id, stderrors.New("media account already exists"))
	}
	if owner, ok := s.index.Lookup(sess.Record.Email); !ok || owner != id {
		return nil, errors.New(errors.ErrorTypeConflict, "provision_media", id, stderrors.New("email is bound to another identity"))
	}

	profile, err := sess.Client.GetProfile(ctx)
	if err != nil {
		return nil, s.wrapUpstream("provision_media", id, err)
	}
	if !s.policy.PlanAllowed(profile.PlanID) {
		return nil, errors.New(errors.ErrorTypeEntitle, "provision_media", id, stderrors.New("current plan does not include media access"))
	}

	username := emby.GenerateUsername()
	password := emby.GeneratePassword()

	account, err := s.media.CreateUser(ctx, username, password)
	if err != nil {
		return nil, errors.WrapAPIError("provision_media", id, err, 0)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.records.Load(id)
	if err != nil {
		rec = sess.Record
	}
	rec.Media = &store.MediaAccount{
		AccountID: account.ID,
		Username:  account.Username,
		Password:  account.Password,
	}
	if err := s.records.Save(id, rec); err != nil {
		// The media account exists but the record write failed. Remove
		// the orphan so the user can retry from a clean slate.
		if delErr := s.media.DeleteUser(ctx, account.ID); delErr != nil {
			log.Error().Err(delErr).Int64("identity", id).Str("media_account", account.ID).Msg("Failed to remove orphaned media account")
		}
		return nil, errors.New(errors.ErrorTypeInternal, "provision_media", id, err)
	}
	sess.Record.Media = rec.Media

	log.Info().Int64("identity", id).Str("media_account", account.ID).Str("username", username).Msg("Provisioned media account")
	return &MediaInfo{Username: account.Username, Password: account.Password, ServerURL: s.serverURL}, nil
}

// MediaAccount returns the identity's stored media credentials.
func (s *Service) MediaAccount(ctx context.Context, id int64) (*MediaInfo, error) {
	unlock := s.locks.Lock(id)
	rec, err := s.records.Load(id)
	unlock()
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.New(errors.ErrorTypeNotFound, "media_account", id, err)
		}
		return nil, errors.New(errors.ErrorTypeInternal, "media_account", id, err)
	}
	if rec.Media == nil {
		return nil, errors.New(errors.ErrorTypeNotFound, "media_account", id, stderrors.New("no media account provisioned"))
	}
	return &MediaInfo{Username: rec.Media.Username, Password: rec.Media.Password, ServerURL: s.serverURL}, nil
}

// RemoveMedia deletes the identity's media account at its own request.
func (s *Service) RemoveMedia(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.records.Load(id)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.New(errors.ErrorTypeNotFound, "remove_media", id, err)
		}
		return errors.New(errors.ErrorTypeInternal, "remove_media", id, err)
	}
	if rec.Media == nil {
		return errors.New(errors.ErrorTypeNotFound, "remove_media", id, stderrors.New("no media account provisioned"))
	}

	accountID := rec.Media.AccountID
	if err := s.media.DeleteUser(ctx, accountID); err != nil {
		return errors.WrapAPIError("remove_media", id, err, 0)
	}
	metrics.MediaAccountsDeletedTotal.WithLabelValues("user_request").Inc()

	rec.Media = nil
	if err := s.records.Save(id, rec); err != nil {
		return errors.New(errors.ErrorTypeInternal, "remove_media", id, err)
	}
	s.sessions.Forget(id)

	log.Info().Int64("identity", id).Str("media_account", accountID).Msg("Removed media account at user request")
	return nil
}

// wrapUpstream maps a panel client failure to the bridge error model.
func (s *Service) wrapUpstream(op string, id int64, err error) error {
	if panel.IsAuthError(err) {
		s.sessions.Forget(id)
		return errors.WrapAuthError(op, id, err)
	}
	return errors.WrapConnectionError(op, id, err)
}
