package wireservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/gwillem/wire-go/internal/backend"
	"github.com/gwillem/wire-go/internal/notification"
	"github.com/gwillem/wire-go/internal/wirews"
)

// State is the connection state of a Listener.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultPageSize      = 500
	defaultDedupWindow   = 4096
	defaultShutdownGrace = 10 * time.Second
)

// ListenerConfig tunes a Listener. Zero fields take defaults.
type ListenerConfig struct {
	// PageSize is the catch-up page size.
	PageSize int
	// DedupWindow is how many notification ids are remembered to drop
	// the overlap between catch-up and live delivery.
	DedupWindow int
	// ShutdownGrace bounds how long in-flight notifications may run after
	// the connection ends.
	ShutdownGrace time.Duration
	// SkipCatchUp disables the fetch of missed notifications on connect.
	SkipCatchUp bool
	// OnStateChange is called from the read loop on every transition.
	OnStateChange func(State)
}

// Listener runs one event connection at a time and feeds the router. Run
// is not safe for concurrent use; Stop may be called from any goroutine.
type Listener struct {
	router  *Router
	connect ConnectFunc
	source  NotificationSource
	cursor  CursorStore
	cfg     ListenerConfig
	logger  zerolog.Logger

	seen *lru.Cache[string, struct{}]
	// progress belongs to the current Run.
	progress *progress

	mu      sync.Mutex
	state   State
	stopped bool
	cancel  context.CancelFunc
}

// NewListener returns a Listener in StateDisconnected.
func NewListener(router *Router, connect ConnectFunc, source NotificationSource, cursor CursorStore, cfg ListenerConfig, logger zerolog.Logger) (*Listener, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	seen, err := lru.New[string, struct{}](cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("listener: dedup window: %w", err)
	}
	return &Listener{
		router:  router,
		connect: connect,
		source:  source,
		cursor:  cursor,
		cfg:     cfg,
		logger:  logger,
		seen:    seen,
	}, nil
}

// State returns the current state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	if l.state == s || l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	l.state = s
	l.mu.Unlock()
	if l.cfg.OnStateChange != nil {
		l.cfg.OnStateChange(s)
	}
}

// Stop ends the current and every future Run. It does not wait.
func (l *Listener) Stop() {
	l.setState(StateStopped)
	l.mu.Lock()
	l.stopped = true
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stopped reports whether Stop was called.
func (l *Listener) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Run connects once, catches up and processes live frames until the
// connection ends. A lost connection returns nil so the caller can
// reconnect; conditions a reconnect cannot fix return *FatalError.
// In-flight notifications get ShutdownGrace to finish before Run returns.
func (l *Listener) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.cancel = cancel
	l.mu.Unlock()

	var conn EventConn
	disp := NewDispatcher(l.logger)
	l.progress = newProgress(l.cursor)
	defer func() {
		// Drain before closing so routed notifications can still be acked.
		graceCtx, cancelGrace := context.WithTimeout(context.Background(), l.cfg.ShutdownGrace)
		defer cancelGrace()
		if err := disp.Close(graceCtx); err != nil {
			l.logger.Warn().Err(err).Int("pending", disp.Pending()).Msg("in-flight notifications cut off")
		}
		// Unfinished notifications must pass dedup when catch-up returns them.
		for _, id := range l.progress.close() {
			l.seen.Remove(id)
		}
		if conn != nil {
			conn.Close()
		}
		l.setState(StateDisconnected)
	}()

	l.setState(StateConnecting)
	conn, err := l.connect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn().Err(err).Msg("connect failed")
		}
		return nil
	}
	// CloseNow unblocks ReadFrame once ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.CloseNow() })
	defer stop()
	l.setState(StateConnected)
	l.logger.Info().Msg("connected")

	if !l.cfg.SkipCatchUp {
		if err := l.catchUp(ctx, disp); err != nil {
			return l.endCycle(ctx, err)
		}
	}
	if err := l.progress.Err(); err != nil {
		return l.endCycle(ctx, err)
	}

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, wirews.ErrMalformedFrame) {
				l.logger.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			if ctx.Err() == nil {
				l.logger.Info().Err(err).Msg("connection lost")
			}
			return nil
		}
		l.setState(StateProcessing)
		err = l.handleFrame(ctx, conn, disp, frame)
		l.setState(StateConnected)
		if err == nil {
			err = l.progress.Err()
		}
		if err != nil {
			return l.endCycle(ctx, err)
		}
	}
}

// endCycle sorts an error that ended the loop into graceful or fatal.
func (l *Listener) endCycle(ctx context.Context, err error) error {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		l.logger.Error().Err(err).Msg("listener stopped")
		return fatal
	}
	if ctx.Err() == nil {
		l.logger.Warn().Err(err).Msg("connection cycle ended")
	}
	return nil
}

func (l *Listener) handleFrame(ctx context.Context, conn EventConn, disp *Dispatcher, f wirews.Frame) error {
	switch f.Type {
	case wirews.FrameEvent:
		var raw notification.Raw
		if err := json.Unmarshal(f.Event, &raw); err != nil {
			l.logger.Warn().Err(err).Uint64("tag", f.DeliveryTag).Msg("undecodable event acked and dropped")
			return l.ack(ctx, conn, f.DeliveryTag)
		}
		tag := f.DeliveryTag
		return l.submit(disp, raw, func(taskCtx context.Context) {
			if err := l.ack(taskCtx, conn, tag); err != nil {
				l.logger.Debug().Err(err).Uint64("tag", tag).Msg("ack failed")
			}
		})
	case wirews.FrameMissed:
		l.logger.Info().Msg("backend reports missed notifications, catching up")
		if err := l.ack(ctx, conn, f.DeliveryTag); err != nil {
			return err
		}
		return l.catchUp(ctx, disp)
	default:
		return l.ack(ctx, conn, f.DeliveryTag)
	}
}

func (l *Listener) ack(ctx context.Context, conn EventConn, tag uint64) error {
	if tag == 0 {
		return nil
	}
	return conn.Ack(ctx, tag)
}

// catchUp routes every notification stored since the persisted cursor.
func (l *Listener) catchUp(ctx context.Context, disp *Dispatcher) error {
	since, err := l.cursor.LastCursor()
	if err != nil {
		return &FatalError{Err: err}
	}
	total := 0
	for {
		page, err := l.source.FetchNotifications(ctx, since, l.cfg.PageSize)
		if err != nil {
			var unauthorized *backend.UnauthorizedError
			if errors.As(err, &unauthorized) {
				return &FatalError{Err: err}
			}
			return err
		}
		for _, raw := range page.Notifications {
			if err := l.submit(disp, raw, nil); err != nil {
				return err
			}
			if raw.ID != "" {
				since = raw.ID
			}
		}
		total += len(page.Notifications)
		if !page.HasMore || len(page.Notifications) == 0 {
			break
		}
	}
	if total > 0 {
		l.logger.Info().Int("notifications", total).Msg("caught up")
	}
	return nil
}

// submit decodes raw and queues its events per conversation. done runs
// once every event of raw was routed, or at once for duplicates. The
// cursor advances from there, never at submission.
func (l *Listener) submit(disp *Dispatcher, raw notification.Raw, done func(context.Context)) error {
	if done == nil {
		done = func(context.Context) {}
	}
	if raw.ID != "" {
		if l.seen.Contains(raw.ID) {
			l.logger.Debug().Str("notification", raw.ID).Msg("duplicate notification dropped")
			done(context.Background())
			return nil
		}
		l.seen.Add(raw.ID, struct{}{})
	}

	events, errs := notification.DecodeBatch(raw)
	for _, err := range errs {
		l.logger.Warn().Err(err).Str("notification", raw.ID).Msg("event dropped")
	}
	if raw.ID != "" && !raw.Transient {
		finish := l.progress.track(raw.ID)
		ack := done
		done = func(ctx context.Context) {
			finish()
			ack(ctx)
		}
	}
	if len(events) == 0 {
		done(context.Background())
		return nil
	}

	var remaining atomic.Int32
	remaining.Store(int32(len(events)))
	for _, n := range events {
		key := n.Metadata().ConversationID.String()
		err := disp.Submit(key, func(ctx context.Context) {
			l.router.Route(ctx, n)
			if remaining.Add(-1) == 0 {
				done(ctx)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}
