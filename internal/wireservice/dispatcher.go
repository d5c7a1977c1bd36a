package wireservice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher: closed")

// Dispatcher runs tasks off the read loop. Tasks with the same key run one
// at a time in submission order; tasks with different keys run
// concurrently.
type Dispatcher struct {
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]func(context.Context)
	closed bool
}

func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string][]func(context.Context)),
	}
}

// Submit queues task under key. The task's context is cancelled when Close
// gives up waiting.
func (d *Dispatcher) Submit(key string, task func(ctx context.Context)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q, running := d.queues[key]
	d.queues[key] = append(q, task)
	if !running {
		d.wg.Add(1)
		go d.drain(key)
	}
	return nil
}

// drain runs the queue for key until it is empty.
func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		task := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.run(key, task)
	}
}

func (d *Dispatcher) run(key string, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("key", key).Str("panic", fmt.Sprint(r)).Msg("dispatched task panicked")
		}
	}()
	task(d.ctx)
}

// Pending returns the number of keys with queued or running tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close stops accepting tasks and waits for queued ones until ctx is done.
// Tasks still running then see their context cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("dispatcher: close: %w", ctx.Err())
	}
}
