package service

import "sync"

// configLocks serializes token mutations per config. Callback, refresh, and
// disconnect for the same config never interleave, so the delete-then-insert
// token replace cannot lose an update to a concurrent writer.
type configLocks struct {
	mu    sync.Mutex
	locks map[int64]*configLock
}

type configLock struct {
	mu   sync.Mutex
	refs int
}

func newConfigLocks() *configLocks {
	return &configLocks{locks: map[int64]*configLock{}}
}

// Lock acquires the per-config mutex and returns its unlock function.
func (c *configLocks) Lock(configID int64) func() {
	c.mu.Lock()
	entry, ok := c.locks[configID]
	if !ok {
		entry = &configLock{}
		c.locks[configID] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, configID)
		}
		c.mu.Unlock()
	}
}
