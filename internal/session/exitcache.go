package session

import (
	"context"
	"sync"
)

// ExitCache remembers how sessions ended so that exit notifications can be
// delivered after the session has left the manager's table. The PTY stream
// can hit end of file a beat before the process is reaped, so readers wait
// instead of polling.
type ExitCache struct {
	mu      sync.Mutex
	infos   map[string]ExitInfo
	waiters map[string][]chan ExitInfo
}

func NewExitCache() *ExitCache {
	return &ExitCache{
		infos:   make(map[string]ExitInfo),
		waiters: make(map[string][]chan ExitInfo),
	}
}

// Record stores a session's exit and wakes any waiters. Wire it up as the
// manager's exit hook.
func (c *ExitCache) Record(info ExitInfo) {
	c.mu.Lock()
	c.infos[info.SessionID] = info
	waiters := c.waiters[info.SessionID]
	delete(c.waiters, info.SessionID)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- info
	}
}

// Await blocks until the session's exit is recorded or ctx ends. ok is
// false when ctx expired first.
func (c *ExitCache) Await(ctx context.Context, sessionID string) (ExitInfo, bool) {
	c.mu.Lock()
	if info, found := c.infos[sessionID]; found {
		c.mu.Unlock()
		return info, true
	}

	ch := make(chan ExitInfo, 1)
	c.waiters[sessionID] = append(c.waiters[sessionID], ch)
	c.mu.Unlock()

	select {
	case info := <-ch:
		return info, true
	case <-ctx.Done():
		return ExitInfo{}, false
	}
}

// Forget drops a recorded exit, bounding the cache for long-lived runtimes.
func (c *ExitCache) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.infos, sessionID)
}
