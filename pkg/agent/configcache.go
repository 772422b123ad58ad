package agent

import (
	"context"
	"sync"
	"time"

	"github.com/discopilot/discopilot/pkg/store"
)

const DefaultConfigTTL = 60 * time.Second

// ConfigCache fronts the store's latest agent configuration with a TTL, so
// the dispatcher avoids a store round-trip on every inbound message. A nil
// configuration is a valid cached value: it means no record exists yet and
// the bot answers direct mentions only, with the default persona.
type ConfigCache struct {
	store store.Store
	ttl   time.Duration

	mu        sync.Mutex
	cached    *store.AgentConfig
	fetchedAt time.Time
	primed    bool
}

func NewConfigCache(st store.Store, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = DefaultConfigTTL
	}
	return &ConfigCache{store: st, ttl: ttl}
}

// Active returns the cached configuration when it is younger than the TTL,
// refreshing from the store otherwise. Refresh races are harmless: both
// writers produce a valid snapshot and the last one wins.
func (cc *ConfigCache) Active(ctx context.Context) (*store.AgentConfig, error) {
	cc.mu.Lock()
	if cc.primed && time.Since(cc.fetchedAt) < cc.ttl {
		cfg := cc.cached
		cc.mu.Unlock()
		return cfg, nil
	}
	cc.mu.Unlock()

	cfg, err := cc.store.LatestAgentConfig(ctx)
	if err != nil {
		return nil, err
	}

	cc.mu.Lock()
	cc.cached = cfg
	cc.fetchedAt = time.Now()
	cc.primed = true
	cc.mu.Unlock()
	return cfg, nil
}

// Invalidate drops the cached value so the next Active call hits the store.
// Admin config updates call this to take effect immediately.
func (cc *ConfigCache) Invalidate() {
	cc.mu.Lock()
	cc.primed = false
	cc.cached = nil
	cc.mu.Unlock()
}
