package tm

import (
	"sync"
)

// The manager has exactly two locks. When both are needed procArrayLock is always taken first.
// lockBoth is the only place that takes both, so the order can't be inverted by accident.

// procArrayLock guards the local visibility bookkeeping (latest completed gxid).
type procArrayLock struct {
	mu sync.Mutex
}

// tableLock guards the global transaction table, the gxid counter and the snapshot id counter.
type tableLock struct {
	mu sync.Mutex
}

// tableGuard is a held table lock. Nested helpers re-enter it instead of locking again.
type tableGuard struct {
	l     *tableLock
	depth int
}

// bothGuard is proof that procArrayLock and tableLock are held, in that order.
type bothGuard struct {
	pa    *procArrayLock
	table *tableGuard
}

func (m *Manager) lockTable() *tableGuard {
	m.tableLock.mu.Lock()
	return &tableGuard{l: &m.tableLock, depth: 1}
}

// acquireTable re-enters g when the caller already holds the table lock, and locks otherwise.
func (m *Manager) acquireTable(g *tableGuard) *tableGuard {
	if g != nil {
		g.depth++
		return g
	}
	return m.lockTable()
}

func (g *tableGuard) unlock() {
	g.depth--
	switch {
	case g.depth == 0:
		g.l.mu.Unlock()
	case g.depth < 0:
		panic("tm::locks::unlock; table lock released more times than acquired")
	}
}

func (m *Manager) lockBoth() *bothGuard {
	m.procArrayLock.mu.Lock()
	return &bothGuard{pa: &m.procArrayLock, table: m.lockTable()}
}

func (b *bothGuard) unlock() {
	b.table.unlock()
	if b.table.depth == 0 {
		b.pa.mu.Unlock()
	}
}
