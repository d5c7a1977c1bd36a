package wireservice

import (
	"sync"

	"github.com/gwillem/wire-go/internal/model"
)

// convLocks serialises group-state writes per conversation. Entries are
// dropped when the last holder unlocks.
type convLocks struct {
	mu sync.Mutex
	m  map[model.QualifiedID]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func newConvLocks() *convLocks {
	return &convLocks{m: make(map[model.QualifiedID]*convLock)}
}

// lock blocks until id is free and returns the matching unlock.
func (l *convLocks) lock(id model.QualifiedID) (unlock func()) {
	l.mu.Lock()
	e, ok := l.m[id]
	if !ok {
		e = &convLock{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
