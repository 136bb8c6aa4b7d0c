package manifest

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	errx "github.com/pubx-real-estate/orchestrator/internal/core/error"
	logx "github.com/pubx-real-estate/orchestrator/pkg/logger"

	"github.com/pubx-real-estate/orchestrator/internal/agent/model"
	"github.com/pubx-real-estate/orchestrator/internal/observability/metrics"
)

// refreshKey is the only singleflight key; the cache guards one resource.
const refreshKey = "manifest"

// Fetcher is the refresh dependency, satisfied by *Client.
type Fetcher interface {
	Fetch(ctx context.Context) (*model.ManifestSnapshot, error)
}

// Cache serves manifest snapshots with a TTL. Concurrent callers during a
// refresh share one in-flight fetch; on fetch failure the previous snapshot
// is served marked stale when one exists.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	metrics *metrics.OrchestratorMetrics

	mu   sync.RWMutex
	snap *model.ManifestSnapshot

	group singleflight.Group
	now   func() time.Time
}

func NewCache(fetcher Fetcher, ttl time.Duration, m *metrics.OrchestratorMetrics) *Cache {
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		metrics: m,
		now:     time.Now,
	}
}

// Get returns the current snapshot, refreshing synchronously when the cached
// one is older than the TTL.
func (c *Cache) Get(ctx context.Context) (*model.ManifestSnapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap != nil && !snap.Stale && snap.Age(c.now()) < c.ttl {
		return snap, nil
	}

	v, err, shared := c.group.Do(refreshKey, func() (any, error) {
		return c.refresh(ctx)
	})
	if shared {
		logx.Debug().Msg("manifest refresh shared with concurrent caller")
	}
	if err != nil {
		return nil, err
	}
	return v.(*model.ManifestSnapshot), nil
}

func (c *Cache) refresh(ctx context.Context) (*model.ManifestSnapshot, error) {
	// Re-check under the flight: a caller that queued behind a finished
	// refresh should not trigger a second fetch.
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap != nil && !snap.Stale && snap.Age(c.now()) < c.ttl {
		return snap, nil
	}

	fresh, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.metrics.ObserveManifestRefresh("error")
		if snap == nil {
			logx.Error().Err(err).Msg("manifest fetch failed with no stale fallback")
			return nil, errx.RegistryUnavailable(err)
		}
		// serve the previous snapshot, marked stale on a copy so readers of
		// the old pointer are unaffected
		stale := *snap
		stale.Stale = true
		c.mu.Lock()
		c.snap = &stale
		c.mu.Unlock()
		logx.Warn().Err(err).Time("fetched_at", stale.FetchedAt).Msg("manifest fetch failed, serving stale snapshot")
		return &stale, nil
	}

	c.mu.Lock()
	c.snap = fresh
	c.mu.Unlock()
	c.metrics.ObserveManifestRefresh("ok")
	logx.Debug().Int("tools", len(fresh.Tools)).Msg("manifest refreshed")
	return fresh, nil
}
