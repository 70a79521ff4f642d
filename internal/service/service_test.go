package service_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"subbridge/internal/errors"
	"subbridge/internal/index"
	"subbridge/internal/keylock"
	"subbridge/internal/reconcile"
	"subbridge/internal/service"
	"subbridge/internal/session"
	"subbridge/internal/store"
	"subbridge/pkg/emby"
	"subbridge/pkg/panel"
)

type fakePanel struct {
	email    string
	password string
	planID   *int

	token      string
	loginCalls int
}

func (f *fakePanel) Login(ctx context.Context) error {
	f.loginCalls++
	if f.password != "pw" {
		return fmt.Errorf("%w: bad password", panel.ErrAuthRejected)
	}
	f.token = "tok-" + f.email
	return nil
}

func (f *fakePanel) GetProfile(ctx context.Context) (*panel.Profile, error) {
	if f.token != "tok-"+f.email {
		return nil, fmt.Errorf("%w: stale token", panel.ErrAuthRejected)
	}
	return &panel.Profile{Email: f.email, PlanID: f.planID}, nil
}

func (f *fakePanel) GetSubscription(ctx context.Context) (*panel.Subscription, error) {
	return &panel.Subscription{SubscribeURL: "https://panel.example.com/sub"}, nil
}
func (f *fakePanel) GetPlans(ctx context.Context) ([]panel.Plan, error)   { return nil, nil }
func (f *fakePanel) GetOrders(ctx context.Context) ([]panel.Order, error) { return nil, nil }
func (f *fakePanel) Token() string                                        { return f.token }
func (f *fakePanel) SetToken(token string)                                { f.token = token }

type fakeMedia struct {
	created int
	deleted []string
}

func (f *fakeMedia) CreateUser(ctx context.Context, username, password string) (*emby.Account, error) {
	f.created++
	return &emby.Account{ID: fmt.Sprintf("media-%d", f.created), Username: username, Password: password}, nil
}

func (f *fakeMedia) DeleteUser(ctx context.Context, accountID string) error {
	f.deleted = append(f.deleted, accountID)
	return nil
}

type allowPolicy map[int]bool

func (p allowPolicy) PlanAllowed(planID *int) bool {
	return planID != nil && p[*planID]
}

type fixture struct {
	records store.Store
	index   *index.EmailIndex
	cache   *session.Cache
	media   *fakeMedia
	plans   map[string]*int
	svc     *service.Service
}

func newFixture(t *testing.T, allowed ...int) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	records, err := store.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	idx, err := index.New(dataDir, records)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}

	f := &fixture{
		records: records,
		index:   idx,
		media:   &fakeMedia{},
		plans:   make(map[string]*int),
	}
	dial := func(email, password string) (session.PanelClient, error) {
		return &fakePanel{email: email, password: password, planID: f.plans[email]}, nil
	}

	policy := allowPolicy{}
	for _, id := range allowed {
		policy[id] = true
	}

	locks := keylock.NewMap()
	f.cache = session.NewCache(records, locks, dial, 300*time.Second)
	reconciler := reconcile.New(records, idx, f.cache, locks, f.media)
	f.svc = service.New(records, idx, f.cache, reconciler, locks, dial, f.media, policy, "https://media.example.com")
	return f
}

func intPtr(v int) *int { return &v }

func TestLogin_PersistsAndBinds(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	sess, err := f.svc.Login(ctx, 100, "a@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !sess.LoggedIn() {
		t.Fatalf("session not live after login")
	}

	rec, err := f.records.Load(100)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Email != "a@example.com" || rec.Password != "pw" || rec.AuthToken == "" {
		t.Fatalf("persisted record incomplete: %+v", rec)
	}
	if id, ok := f.index.Lookup("a@example.com"); !ok || id != 100 {
		t.Fatalf("email not bound: got %d/%v", id, ok)
	}
	if f.cache.Len() != 1 {
		t.Fatalf("session not cached")
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(context.Background(), 100, "a@example.com", "wrong")
	if !stderrors.Is(err, errors.ErrUnauthorized) {
		t.Fatalf("bad credentials: got %v, want ErrUnauthorized", err)
	}
	if _, ok := f.index.Lookup("a@example.com"); ok {
		t.Fatalf("failed login bound the email")
	}
}

func TestLogin_MissingInput(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Login(context.Background(), 100, "", "pw"); err == nil {
		t.Fatalf("login without email succeeded")
	}
}

// Identity 100 owns the email and a media account. Identity 200 logs in
// with the same credentials: 200 becomes the owner, 100 loses record,
// session and media account.
func TestLogin_TakesOverEmail(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.plans["shared@example.com"] = intPtr(1)
	if _, err := f.svc.Login(ctx, 100, "shared@example.com", "pw"); err != nil {
		t.Fatalf("Login (100): %v", err)
	}
	if _, err := f.svc.ProvisionMedia(ctx, 100); err != nil {
		t.Fatalf("ProvisionMedia: %v", err)
	}

	if _, err := f.svc.Login(ctx, 200, "shared@example.com", "pw"); err != nil {
		t.Fatalf("Login (200): %v", err)
	}

	if id, _ := f.index.Lookup("shared@example.com"); id != 200 {
		t.Fatalf("email owner after takeover: got %d, want 200", id)
	}
	if _, err := f.records.Load(100); !stderrors.Is(err, store.ErrNotFound) {
		t.Fatalf("superseded record survived: %v", err)
	}
	if len(f.media.deleted) != 1 {
		t.Fatalf("superseded media account not deleted: %v", f.media.deleted)
	}
}

func TestLogin_RebindReleasesOldEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Login(ctx, 100, "old@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.svc.Login(ctx, 100, "new@example.com", "pw"); err != nil {
		t.Fatalf("Login (rebind): %v", err)
	}

	if _, ok := f.index.Lookup("old@example.com"); ok {
		t.Fatalf("old email still bound after rebind")
	}
	if id, _ := f.index.Lookup("new@example.com"); id != 100 {
		t.Fatalf("new email not bound: got %d", id)
	}
}

func TestProvisionMedia(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()

	f.plans["a@example.com"] = intPtr(2)
	if _, err := f.svc.Login(ctx, 100, "a@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	info, err := f.svc.ProvisionMedia(ctx, 100)
	if err != nil {
		t.Fatalf("ProvisionMedia: %v", err)
	}
	if info.Username == "" || info.Password == "" {
		t.Fatalf("credentials missing: %+v", info)
	}
	if info.ServerURL != "https://media.example.com" {
		t.Fatalf("server url missing: %+v", info)
	}

	rec, err := f.records.Load(100)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Media == nil || rec.Media.Username != info.Username {
		t.Fatalf("media descriptor not persisted: %+v", rec.Media)
	}

	// Second request is refused while an account exists.
	if _, err := f.svc.ProvisionMedia(ctx, 100); !stderrors.Is(err, errors.ErrConflict) {
		t.Fatalf("second provision: got %v, want ErrConflict", err)
	}
	if f.media.created != 1 {
		t.Fatalf("media accounts created: got %d, want 1", f.media.created)
	}
}

func TestProvisionMedia_NotEntitled(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()

	f.plans["a@example.com"] = intPtr(5)
	if _, err := f.svc.Login(ctx, 100, "a@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := f.svc.ProvisionMedia(ctx, 100); !stderrors.Is(err, errors.ErrNotEntitled) {
		t.Fatalf("provision with plan 5: got %v, want ErrNotEntitled", err)
	}
	if f.media.created != 0 {
		t.Fatalf("media account created without entitlement")
	}
}

func TestProvisionMedia_NoRecord(t *testing.T) {
	f := newFixture(t, 1)

	if _, err := f.svc.ProvisionMedia(context.Background(), 404); !stderrors.Is(err, errors.ErrNotFound) {
		t.Fatalf("provision without record: got %v, want ErrNotFound", err)
	}
}

func TestMediaAccountAndRemove(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.plans["a@example.com"] = intPtr(1)
	if _, err := f.svc.Login(ctx, 100, "a@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	provisioned, err := f.svc.ProvisionMedia(ctx, 100)
	if err != nil {
		t.Fatalf("ProvisionMedia: %v", err)
	}

	info, err := f.svc.MediaAccount(ctx, 100)
	if err != nil {
		t.Fatalf("MediaAccount: %v", err)
	}
	if info.Username != provisioned.Username || info.Password != provisioned.Password {
		t.Fatalf("stored credentials mismatch: %+v vs %+v", info, provisioned)
	}

	if err := f.svc.RemoveMedia(ctx, 100); err != nil {
		t.Fatalf("RemoveMedia: %v", err)
	}
	if len(f.media.deleted) != 1 {
		t.Fatalf("upstream account not deleted: %v", f.media.deleted)
	}
	if _, err := f.svc.MediaAccount(ctx, 100); !stderrors.Is(err, errors.ErrNotFound) {
		t.Fatalf("MediaAccount after removal: got %v, want ErrNotFound", err)
	}
	// Credentials survive media removal.
	rec, err := f.records.Load(100)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Email != "a@example.com" {
		t.Fatalf("panel binding lost on media removal: %+v", rec)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.plans["a@example.com"] = intPtr(1)
	if _, err := f.svc.Login(ctx, 100, "a@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.svc.ProvisionMedia(ctx, 100); err != nil {
		t.Fatalf("ProvisionMedia: %v", err)
	}

	if err := f.svc.Logout(ctx, 100); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.records.Load(100); !stderrors.Is(err, store.ErrNotFound) {
		t.Fatalf("record survived logout: %v", err)
	}
	if _, ok := f.index.Lookup("a@example.com"); ok {
		t.Fatalf("email still bound after logout")
	}
	if len(f.media.deleted) != 1 {
		t.Fatalf("media account not removed on logout: %v", f.media.deleted)
	}
}

func TestProfile_SessionBacked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.plans["a@example.com"] = intPtr(3)
	if _, err := f.svc.Login(ctx, 100, "a@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	profile, err := f.svc.Profile(ctx, 100)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.Email != "a@example.com" || profile.PlanID == nil || *profile.PlanID != 3 {
		t.Fatalf("profile mismatch: %+v", profile)
	}

	// Evicted session reloads transparently from the durable record.
	f.cache.Forget(100)
	if _, err := f.svc.Profile(ctx, 100); err != nil {
		t.Fatalf("Profile after eviction: %v", err)
	}
}

func TestProfile_NoRecord(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Profile(context.Background(), 404); !stderrors.Is(err, errors.ErrNotFound) {
		t.Fatalf("Profile without record: got %v, want ErrNotFound", err)
	}
}
