package wireservice

import "sync"

// progress persists the notification cursor in submission order. The
// cursor moves past a notification only once it and every notification
// submitted before it finished routing, so a restart never skips one that
// was still in flight.
type progress struct {
	store CursorStore

	mu      sync.Mutex
	pending []*pendingNotification
	err     error
	closed  bool
}

type pendingNotification struct {
	id       string
	finished bool
}

func newProgress(store CursorStore) *progress {
	return &progress{store: store}
}

// track registers a submitted notification and returns the func that marks
// it routed.
func (p *progress) track(id string) func() {
	n := &pendingNotification{id: id}
	p.mu.Lock()
	p.pending = append(p.pending, n)
	p.mu.Unlock()
	return func() { p.finish(n) }
}

func (p *progress) finish(n *pendingNotification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	n.finished = true

	i := 0
	for i < len(p.pending) && p.pending[i].finished {
		i++
	}
	if i == 0 {
		return
	}
	cursor := p.pending[i-1].id
	p.pending = p.pending[i:]
	if p.err != nil {
		return
	}
	if err := p.store.SetLastCursor(cursor); err != nil {
		p.err = err
	}
}

// Err returns the first failure to persist the cursor.
func (p *progress) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return &FatalError{Err: p.err}
	}
	return nil
}

// close ignores later completions and returns the ids still unfinished.
func (p *progress) close() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var ids []string
	for _, n := range p.pending {
		if !n.finished {
			ids = append(ids, n.id)
		}
	}
	p.pending = nil
	return ids
}
