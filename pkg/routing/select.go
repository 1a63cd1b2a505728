package routing

import (
	"sync"
	"time"

	"github.com/cuemby/stratoforge/pkg/types"
)

// stickyTTL bounds how long a session hint keeps pinning to the same
// instance after its last use.
const stickyTTL = time.Hour

type stickyEntry struct {
	instanceID string
	expiresAt  time.Time
}

// stickyCache remembers the instance a session hint last routed to, purely
// in-process — the same role the teacher's scheduler gives its per-run
// container counts, just keyed by session instead of recomputed per pass.
type stickyCache struct {
	mu      sync.Mutex
	entries map[string]stickyEntry
}

func newStickyCache() *stickyCache {
	return &stickyCache{entries: make(map[string]stickyEntry)}
}

func (c *stickyCache) get(sessionHint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionHint]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.instanceID, true
}

func (c *stickyCache) set(sessionHint, instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionHint] = stickyEntry{instanceID: instanceID, expiresAt: time.Now().Add(stickyTTL)}
}

// Select implements §4.10 step 3: sticky affinity via session_hint when the
// previously-chosen candidate still qualifies, otherwise lowest
// worker_queue_depth, tie-broken by lowest worker_gpu_utilization, tie-broken
// by earliest created_at. Adapted from the teacher scheduler's selectNode,
// which does the same running-minimum scan over container counts per node.
func Select(candidates []*types.Instance, sessionHint string, sticky *stickyCache) *types.Instance {
	if len(candidates) == 0 {
		return nil
	}

	if sessionHint != "" && sticky != nil {
		if instanceID, ok := sticky.get(sessionHint); ok {
			for _, c := range candidates {
				if c.ID == instanceID {
					return c
				}
			}
		}
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if isBetterCandidate(c, best) {
			best = c
		}
	}

	if sessionHint != "" && sticky != nil {
		sticky.set(sessionHint, best.ID)
	}
	return best
}

func isBetterCandidate(a, b *types.Instance) bool {
	aq, bq := queueDepth(a), queueDepth(b)
	if aq != bq {
		return aq < bq
	}
	au, bu := gpuUtilization(a), gpuUtilization(b)
	if au != bu {
		return au < bu
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func queueDepth(i *types.Instance) int {
	if i.WorkerQueueDepth == nil {
		return 0
	}
	return *i.WorkerQueueDepth
}

func gpuUtilization(i *types.Instance) float64 {
	if i.WorkerGPUUtilization == nil {
		return 0
	}
	return *i.WorkerGPUUtilization
}
