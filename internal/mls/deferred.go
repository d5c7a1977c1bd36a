package mls

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a Deferred engine.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrNotReady is returned by Deferred.Engine before Ready succeeded.
var ErrNotReady = errors.New("mls: engine not ready")

// InitFunc builds the engine. It may open a keystore or talk to the backend.
type InitFunc func(ctx context.Context) (Engine, error)

// Deferred is an engine handle built in two phases: NewDeferred returns it
// uninitialized, Ready runs the init function exactly once.
type Deferred struct {
	init InitFunc

	mu     sync.Mutex
	state  State
	engine Engine
	err    error
	done   chan struct{}
}

// NewDeferred returns an uninitialized handle.
func NewDeferred(init InitFunc) *Deferred {
	return &Deferred{init: init, done: make(chan struct{})}
}

// Ready initializes the engine on first call. Concurrent and later calls
// wait for and return the outcome of that first initialization. A caller
// whose ctx ends while waiting gets ctx.Err(); initialization continues.
func (d *Deferred) Ready(ctx context.Context) (Engine, error) {
	d.mu.Lock()
	if d.state == Uninitialized {
		d.state = Initializing
		d.mu.Unlock()
		engine, err := d.init(ctx)
		d.mu.Lock()
		if err != nil {
			engine = nil
			err = fmt.Errorf("mls: init engine: %w", err)
			d.state = Failed
		} else {
			d.state = Ready
		}
		d.engine, d.err = engine, err
		close(d.done)
		d.mu.Unlock()
		return engine, err
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine, d.err
}

// Engine returns the engine if Ready has completed successfully.
func (d *Deferred) Engine() (Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case Ready:
		return d.engine, nil
	case Failed:
		return nil, d.err
	}
	return nil, ErrNotReady
}

// State returns the current lifecycle state.
func (d *Deferred) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
