package binance

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultClockMaxAge     = 30 * time.Minute
	defaultClockRetryAfter = 5 * time.Second
)

// ServerTimeFunc returns the venue's current time in milliseconds.
type ServerTimeFunc func(ctx context.Context) (int64, error)

// Clock tracks the offset between the venue clock and the local clock. The
// offset is fetched lazily, refreshed when older than maxAge or after
// Invalidate, and falls back to zero when the venue cannot be reached.
type Clock struct {
	fetch      ServerTimeFunc
	now        func() time.Time
	maxAge     time.Duration
	retryAfter time.Duration
	logger     *logrus.Logger

	mu          sync.Mutex
	offset      int64
	synced      bool
	syncedAt    time.Time
	lastAttempt time.Time
}

func NewClock(fetch ServerTimeFunc, logger *logrus.Logger) *Clock {
	return &Clock{
		fetch:      fetch,
		now:        time.Now,
		maxAge:     defaultClockMaxAge,
		retryAfter: defaultClockRetryAfter,
		logger:     logger,
	}
}

// Offset returns server time minus local time in milliseconds.
func (c *Clock) Offset(ctx context.Context) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	fresh := c.synced && now.Sub(c.syncedAt) < c.maxAge
	if fresh {
		return c.offset
	}
	if !c.synced && !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.retryAfter {
		return c.offset
	}
	c.lastAttempt = now

	serverTime, err := c.fetch(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to sync server time, using zero offset")
		c.offset = 0
		c.synced = false
		return 0
	}

	local := c.now()
	c.offset = serverTime - local.UnixMilli()
	c.synced = true
	c.syncedAt = local
	c.logger.WithField("offset_ms", c.offset).Debug("Synced server time")
	return c.offset
}

// Now is the corrected timestamp in milliseconds.
func (c *Clock) Now(ctx context.Context) int64 {
	offset := c.Offset(ctx)
	return c.now().UnixMilli() + offset
}

// Invalidate forces the next Offset call to resync.
func (c *Clock) Invalidate() {
	c.mu.Lock()
	c.synced = false
	c.lastAttempt = time.Time{}
	c.mu.Unlock()
}
