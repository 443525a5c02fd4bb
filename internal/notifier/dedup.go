package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	kit "pewcore/internal/transport"
	logx "pewcore/pkg/logx"
)

const (
	persistBuffer     = 1024
	dedupLookupBudget = 25 * time.Millisecond
	dedupWriteBudget  = 250 * time.Millisecond
)

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupKey identifies a notification by channel, target, priority and
// text. An empty channel is never deduplicated.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupCache maps keys to the time their suppression ends.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func (c *dedupCache) active(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[key]
	return ok && now.Before(until)
}

// put records key, drops expired entries and then evicts the soonest to
// expire until at most limit remain.
func (c *dedupCache) put(key string, until, now time.Time, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.until == nil {
		c.until = make(map[string]time.Time)
	}
	c.until[key] = until
	for k, t := range c.until {
		if !now.Before(t) {
			delete(c.until, k)
		}
	}
	if limit <= 0 || len(c.until) <= limit {
		return
	}
	keys := make([]string, 0, len(c.until))
	for k := range c.until {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return c.until[keys[i]].Before(c.until[keys[j]]) })
	for _, k := range keys[:len(keys)-limit] {
		delete(c.until, k)
	}
}

// admit reports whether key may be sent now, and opens a new window for it
// if so. Persisted windows from an earlier process also suppress.
func (s *Service) admit(ctx context.Context, key string, cfg Config, persist chan<- dedupWrite) bool {
	now := time.Now()
	if s.dedup.active(key, now) {
		return false
	}
	if persist != nil {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupBudget)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup.put(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dedup.put(key, until, now, cfg.DedupMaxEntries)
	if persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// persistLoop writes dedup windows until the channel is closed.
func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w, ok := <-ch:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, dedupWriteBudget)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("notifier.dedup_persist_failed", logx.Err(err))
			}
			cancel()
		}
	}
}
