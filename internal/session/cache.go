// Package session caches authenticated panel sessions per chat
// identity. A cache miss falls back to the durable record store and
// re-validates the stored auth token against the panel, logging in
// afresh when the token has gone stale.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"subbridge/internal/keylock"
	"subbridge/internal/metrics"
	"subbridge/internal/store"
	"subbridge/pkg/panel"
)

// ErrNoRecord is returned when an identity has never logged in.
var ErrNoRecord = errors.New("no record for identity")

// PanelClient is the billing capability a session holds.
type PanelClient interface {
	Login(ctx context.Context) error
	GetProfile(ctx context.Context) (*panel.Profile, error)
	GetSubscription(ctx context.Context) (*panel.Subscription, error)
	GetPlans(ctx context.Context) ([]panel.Plan, error)
	GetOrders(ctx context.Context) ([]panel.Order, error)
	Token() string
	SetToken(token string)
}

// DialFunc builds a panel client for one account's credentials.
type DialFunc func(email, password string) (PanelClient, error)

// Session is the live state handed to command handlers. Client is nil
// when the stored credentials could not be validated; Record always
// reflects the durable state.
type Session struct {
	ID     int64
	Record *store.Record
	Client PanelClient
}

// LoggedIn reports whether the session holds a validated panel client.
func (s *Session) LoggedIn() bool {
	return s != nil && s.Client != nil
}

type cacheEntry struct {
	session    *Session
	lastAccess time.Time
}

// Cache is the in-memory, TTL-bounded session cache.
type Cache struct {
	records store.Store
	locks   *keylock.Map
	dial    DialFunc
	ttl     time.Duration

	mu    sync.Mutex
	byID  map[int64]*cacheEntry
	group singleflight.Group

	janitorCancel  context.CancelFunc
	janitorStopped chan struct{}

	nowFn func() time.Time
}

// NewCache creates a session cache over the given record store.
func NewCache(records store.Store, locks *keylock.Map, dial DialFunc, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Cache{
		records: records,
		locks:   locks,
		dial:    dial,
		ttl:     ttl,
		byID:    make(map[int64]*cacheEntry),
		nowFn:   time.Now,
	}
}

// TTL returns the configured inactivity timeout.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetOrLoad returns the cached session for id, loading and
// re-validating from the durable record when the cache has no live
// entry. Concurrent loads of the same identity are deduplicated.
func (c *Cache) GetOrLoad(ctx context.Context, id int64) (*Session, error) {
	if session := c.lookup(id); session != nil {
		metrics.CacheHitsTotal.Inc()
		return session, nil
	}

	metrics.CacheMissesTotal.Inc()
	result, err, _ := c.group.Do(strconv.FormatInt(id, 10), func() (interface{}, error) {
		// Another caller may have populated the entry while this one
		// waited on the flight.
		if session := c.lookup(id); session != nil {
			return session, nil
		}
		return c.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

// lookup returns the live entry for id, refreshing its timestamp.
func (c *Cache) lookup(id int64) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.byID[id]
	if !ok {
		return nil
	}
	entry.lastAccess = c.nowFn()
	return entry.session
}

// load reads the durable record and revalidates its session handle.
func (c *Cache) load(ctx context.Context, id int64) (*Session, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	rec, err := c.records.Load(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoRecord
		}
		return nil, err
	}

	session := &Session{ID: id, Record: rec}
	if rec.Email == "" || rec.Password == "" {
		return session, nil
	}

	client, err := c.dial(rec.Email, rec.Password)
	if err != nil {
		return nil, err
	}

	validated := false
	if rec.AuthToken != "" {
		client.SetToken(rec.AuthToken)
		if _, err := client.GetProfile(ctx); err == nil {
			log.Debug().Int64("identity", id).Msg("Stored auth token still valid")
			validated = true
		} else {
			log.Info().Int64("identity", id).Msg("Stored auth token rejected, re-logging in")
			client.SetToken("")
		}
	}

	if !validated {
		if err := client.Login(ctx); err != nil {
			metrics.SessionLoginsTotal.WithLabelValues("failure").Inc()
			log.Warn().Err(err).Int64("identity", id).Msg("Re-login with stored credentials failed")
			// No live session; hand back the durable state untouched.
			return session, nil
		}
		metrics.SessionLoginsTotal.WithLabelValues("success").Inc()

		rec.AuthToken = client.Token()
		if err := c.records.Save(id, rec); err != nil {
			log.Error().Err(err).Int64("identity", id).Msg("Failed to persist refreshed auth token")
		}
	}

	session.Client = client
	c.insert(id, session)
	return session, nil
}

// Put caches an already-validated session (fresh login path) and
// refreshes its timestamp.
func (c *Cache) Put(session *Session) {
	c.insert(session.ID, session)
}

func (c *Cache) insert(id int64, session *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byID[id] = &cacheEntry{session: session, lastAccess: c.nowFn()}
	metrics.CacheEntries.Set(float64(len(c.byID)))
}

// Touch refreshes the last-access timestamp without reloading.
func (c *Cache) Touch(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.byID[id]; ok {
		entry.lastAccess = c.nowFn()
	}
}

// Forget drops the cache entry for id, if any.
func (c *Cache) Forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.byID, id)
	metrics.CacheEntries.Set(float64(len(c.byID)))
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.byID)
}

// EvictExpired removes every entry idle for longer than ttl and
// returns how many were dropped.
func (c *Cache) EvictExpired(ttl time.Duration) int {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, entry := range c.byID {
		if now.Sub(entry.lastAccess) > ttl {
			email := ""
			if entry.session.Record != nil {
				email = entry.session.Record.Email
			}
			delete(c.byID, id)
			evicted++
			metrics.CacheEvictionsTotal.Inc()
			log.Info().Int64("identity", id).Str("email", email).Msg("Evicted idle session")
		}
	}
	metrics.CacheEntries.Set(float64(len(c.byID)))
	return evicted
}
