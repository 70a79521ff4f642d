package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StartJanitor begins the periodic expiry sweep that drops cache
// entries idle for longer than the configured TTL.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 600 * time.Second
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.janitorCancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.janitorCancel = cancel
	c.janitorStopped = make(chan struct{})
	stopped := c.janitorStopped
	c.mu.Unlock()

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if evicted := c.EvictExpired(c.ttl); evicted > 0 {
					log.Debug().Int("evicted", evicted).Msg("Expiry sweep dropped idle sessions")
				}
			}
		}
	}()

	log.Info().Dur("interval", interval).Dur("ttl", c.ttl).Msg("Session expiry sweep started")
}

// StopJanitor requests janitor shutdown and waits up to five seconds.
func (c *Cache) StopJanitor() {
	c.mu.Lock()
	cancel := c.janitorCancel
	stopped := c.janitorStopped
	c.janitorCancel = nil
	c.janitorStopped = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Session expiry sweep stop timed out")
	}
}
