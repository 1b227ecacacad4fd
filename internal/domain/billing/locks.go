package billing

import "sync"

// claimLocks serializes mutations of the same claim inside this process.
// Entries are dropped once no goroutine holds or waits on them.
type claimLocks struct {
	mu    sync.Mutex
	locks map[int64]*claimLock
}

type claimLock struct {
	mu   sync.Mutex
	refs int
}

func newClaimLocks() *claimLocks {
	return &claimLocks{locks: make(map[int64]*claimLock)}
}

func (l *claimLocks) lock(id int64) (unlock func()) {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &claimLock{}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
