package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"subbridge/internal/index"
	"subbridge/internal/keylock"
	"subbridge/internal/reconcile"
	"subbridge/internal/store"
)

type fakeForgetter struct {
	forgotten []int64
}

func (f *fakeForgetter) Forget(id int64) {
	f.forgotten = append(f.forgotten, id)
}

type fakeMedia struct {
	deleted   []string
	deleteErr error
}

func (f *fakeMedia) DeleteUser(ctx context.Context, accountID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, accountID)
	return nil
}

type fixture struct {
	records    store.Store
	index      *index.EmailIndex
	sessions   *fakeForgetter
	media      *fakeMedia
	reconciler *reconcile.Reconciler
}

func newFixture(t *testing.T) *fixture {
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
	sessions := &fakeForgetter{}
	media := &fakeMedia{}
	return &fixture{
		records:    records,
		index:      idx,
		sessions:   sessions,
		media:      media,
		reconciler: reconcile.New(records, idx, sessions, keylock.NewMap(), media),
	}
}

func TestBind_UnclaimedEmail(t *testing.T) {
	f := newFixture(t)

	tookOver, err := f.reconciler.Bind(context.Background(), 100, "a@example.com", nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if tookOver {
		t.Fatalf("takeover reported for unclaimed email")
	}
	if id, ok := f.index.Lookup("a@example.com"); !ok || id != 100 {
		t.Fatalf("binding missing: got %d/%v", id, ok)
	}
}

func TestBind_SameOwnerIsNoOp(t *testing.T) {
	f := newFixture(t)

	if _, err := f.reconciler.Bind(context.Background(), 100, "a@example.com", nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	tookOver, err := f.reconciler.Bind(context.Background(), 100, "a@example.com", nil)
	if err != nil {
		t.Fatalf("Bind (repeat): %v", err)
	}
	if tookOver {
		t.Fatalf("takeover reported for same owner")
	}
	if len(f.sessions.forgotten) != 0 || len(f.media.deleted) != 0 {
		t.Fatalf("repeat bind touched sessions or media")
	}
}

// Identity 100 owns the email and a media account; identity 200 logs in
// with the same address. 200 must end up as the sole owner, 100 must
// lose its record, cached session and media account.
func TestBind_Takeover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.records.Save(100, &store.Record{
		Email:    "shared@example.com",
		Password: "pw",
		Media:    &store.MediaAccount{AccountID: "m1", Username: "old", Password: "x"},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := f.reconciler.Bind(ctx, 100, "shared@example.com", nil); err != nil {
		t.Fatalf("Bind (initial): %v", err)
	}

	tookOver, err := f.reconciler.Bind(ctx, 200, "shared@example.com", nil)
	if err != nil {
		t.Fatalf("Bind (takeover): %v", err)
	}
	if !tookOver {
		t.Fatalf("takeover not reported")
	}

	if id, ok := f.index.Lookup("shared@example.com"); !ok || id != 200 {
		t.Fatalf("email not owned by new identity: got %d/%v", id, ok)
	}
	if _, err := f.records.Load(100); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("superseded record survived: %v", err)
	}
	if len(f.media.deleted) != 1 || f.media.deleted[0] != "m1" {
		t.Fatalf("superseded media account not deleted: %v", f.media.deleted)
	}
	if len(f.sessions.forgotten) != 1 || f.sessions.forgotten[0] != 100 {
		t.Fatalf("superseded session not forgotten: %v", f.sessions.forgotten)
	}
}

func TestBind_TakeoverSurvivesMediaDeleteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.records.Save(100, &store.Record{
		Email: "shared@example.com",
		Media: &store.MediaAccount{AccountID: "m1"},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := f.reconciler.Bind(ctx, 100, "shared@example.com", nil); err != nil {
		t.Fatalf("Bind (initial): %v", err)
	}

	f.media.deleteErr = errors.New("media server unreachable")

	tookOver, err := f.reconciler.Bind(ctx, 200, "shared@example.com", nil)
	if err != nil {
		t.Fatalf("Bind must succeed despite media failure: %v", err)
	}
	if !tookOver {
		t.Fatalf("takeover not reported")
	}
	if id, _ := f.index.Lookup("shared@example.com"); id != 200 {
		t.Fatalf("email not transferred after media failure: got %d", id)
	}
	if _, err := f.records.Load(100); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("superseded record survived media failure: %v", err)
	}
}

func TestBind_TakeoverWithoutMediaAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.records.Save(100, &store.Record{Email: "shared@example.com"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := f.reconciler.Bind(ctx, 100, "shared@example.com", nil); err != nil {
		t.Fatalf("Bind (initial): %v", err)
	}

	if _, err := f.reconciler.Bind(ctx, 200, "shared@example.com", nil); err != nil {
		t.Fatalf("Bind (takeover): %v", err)
	}
	if len(f.media.deleted) != 0 {
		t.Fatalf("media delete called for identity without media: %v", f.media.deleted)
	}
}

func TestUnbind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.records.Save(100, &store.Record{Email: "a@example.com"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := f.reconciler.Bind(ctx, 100, "a@example.com", nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := f.reconciler.Unbind(ctx, 100, "a@example.com"); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if _, ok := f.index.Lookup("a@example.com"); ok {
		t.Fatalf("email still bound after Unbind")
	}
	if _, err := f.records.Load(100); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record survived Unbind: %v", err)
	}
}

// blockingMedia parks every DeleteUser call until release is closed.
type blockingMedia struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	deleted []string
}

func (b *blockingMedia) DeleteUser(ctx context.Context, accountID string) error {
	b.entered <- struct{}{}
	<-b.release

	b.mu.Lock()
	b.deleted = append(b.deleted, accountID)
	b.mu.Unlock()
	return nil
}

// Identity 100 owns the address with media account m1. Identities 200
// and 300 bind the same address concurrently, the second arriving while
// the first takeover is still deleting m1. The binds must serialize:
// the later one observes the intermediate owner and evicts it, so the
// final state has exactly one record carrying the address and the index
// pointing at it.
func TestBind_ConcurrentClaimsSerialized(t *testing.T) {
	dataDir := t.TempDir()
	records, err := store.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	idx, err := index.New(dataDir, records)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	media := &blockingMedia{entered: make(chan struct{}, 2), release: make(chan struct{})}
	r := reconcile.New(records, idx, &fakeForgetter{}, keylock.NewMap(), media)
	ctx := context.Background()

	if err := records.Save(100, &store.Record{
		Email: "shared@example.com",
		Media: &store.MediaAccount{AccountID: "m1"},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := r.Bind(ctx, 100, "shared@example.com", nil); err != nil {
		t.Fatalf("Bind (initial): %v", err)
	}

	saveAs := func(id int64) func() error {
		return func() error {
			return records.Save(id, &store.Record{Email: "shared@example.com", Password: "pw"})
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := r.Bind(ctx, 200, "shared@example.com", saveAs(200)); err != nil {
			t.Errorf("Bind (200): %v", err)
		}
	}()

	// The first takeover is now parked inside the media delete; start
	// the competing bind before letting it finish.
	<-media.entered
	go func() {
		defer wg.Done()
		if _, err := r.Bind(ctx, 300, "shared@example.com", saveAs(300)); err != nil {
			t.Errorf("Bind (300): %v", err)
		}
	}()
	close(media.release)
	wg.Wait()

	if id, _ := idx.Lookup("shared@example.com"); id != 300 {
		t.Fatalf("final owner: got %d, want 300", id)
	}
	if _, err := records.Load(100); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record 100 survived: %v", err)
	}
	if _, err := records.Load(200); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record 200 survived with the address: %v", err)
	}
	rec, err := records.Load(300)
	if err != nil {
		t.Fatalf("Load (300): %v", err)
	}
	if rec.Email != "shared@example.com" {
		t.Fatalf("winning record lost the address: %+v", rec)
	}
	if len(media.deleted) != 1 || media.deleted[0] != "m1" {
		t.Fatalf("media deletions: got %v, want [m1]", media.deleted)
	}
}

// wrappingStore decorates load failures the way a layered store would.
type wrappingStore struct {
	store.Store
}

func (w wrappingStore) Load(id int64) (*store.Record, error) {
	rec, err := w.Store.Load(id)
	if err != nil {
		return nil, fmt.Errorf("load record %d: %w", id, err)
	}
	return rec, nil
}

// A takeover of an owner whose record is gone must treat a wrapped
// not-found from the store like a plain one: nothing to de-provision,
// binding completes.
func TestBind_TakeoverWithWrappedNotFound(t *testing.T) {
	dataDir := t.TempDir()
	base, err := store.NewFileStore(dataDir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	records := wrappingStore{Store: base}
	idx, err := index.New(dataDir, base)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	media := &fakeMedia{}
	r := reconcile.New(records, idx, &fakeForgetter{}, keylock.NewMap(), media)
	ctx := context.Background()

	if _, err := r.Bind(ctx, 100, "gone@example.com", nil); err != nil {
		t.Fatalf("Bind (initial): %v", err)
	}

	tookOver, err := r.Bind(ctx, 200, "gone@example.com", nil)
	if err != nil {
		t.Fatalf("Bind (takeover): %v", err)
	}
	if !tookOver {
		t.Fatalf("takeover not reported")
	}
	if id, _ := idx.Lookup("gone@example.com"); id != 200 {
		t.Fatalf("email not transferred: got %d", id)
	}
	if len(media.deleted) != 0 {
		t.Fatalf("media delete attempted for recordless owner: %v", media.deleted)
	}
}
