package agent

import (
	"sync"
	"time"
)

const DefaultGuardTTL = 60 * time.Second

// ttlSet is a self-expiring set of event keys. Each marked key is forgotten
// after the TTL via its own timer. The dispatcher keeps two of these: one
// for duplicate platform deliveries and one for the reply-once guard.
type ttlSet struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*time.Timer
}

func newTTLSet(ttl time.Duration) *ttlSet {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &ttlSet{ttl: ttl, entries: make(map[string]*time.Timer)}
}

func (s *ttlSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Mark records key for the TTL duration. Marking an already-present key
// restarts its expiry.
func (s *ttlSet) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.entries[key]; ok {
		timer.Stop()
	}
	s.entries[key] = time.AfterFunc(s.ttl, func() {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
	})
}

// Stop cancels all pending expiry timers. Used on shutdown.
func (s *ttlSet) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.entries {
		timer.Stop()
		delete(s.entries, key)
	}
}
