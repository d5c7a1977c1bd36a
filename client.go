// Package wire is a client SDK for end-to-end encrypted MLS conversations
// on a Wire-compatible backend.
//
// A Client authenticates as one device, keeps local group state in sync
// with the backend and delivers decrypted messages to a Handler:
//
//	c, err := wire.New(cfg, wire.WithHandler(h))
//	if err := c.Start(ctx); err != nil { ... }
//	go c.Listen(ctx)
//	c.SendText(ctx, conv, "hello")
package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/gwillem/wire-go/internal/backend"
	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/mls/memengine"
	"github.com/gwillem/wire-go/internal/store"
	"github.com/gwillem/wire-go/internal/wireservice"
	"github.com/gwillem/wire-go/internal/wirews"
)

// ErrNotStarted is returned by operations that need a successful Start.
var ErrNotStarted = errors.New("client: not started (call Start first)")

// ErrMLSDisabled is returned by Start when the backend has MLS switched
// off.
var ErrMLSDisabled = errors.New("client: mls is not enabled on the backend")

// Engine is the MLS crypto capability behind a Client.
type Engine = mls.Engine

// EngineConfig is what an EngineFactory gets to build an engine.
type EngineConfig struct {
	ClientID    mls.ClientID
	CipherSuite mls.CipherSuite
	// Transport must receive every commit the engine produces.
	Transport mls.Transport
	// LowWaterMark is the key-package supply below which the engine
	// reports a low supply.
	LowWaterMark int
}

// EngineFactory builds the engine once the client knows its identity.
type EngineFactory func(ctx context.Context, cfg EngineConfig) (Engine, error)

// Client is the main entry point of the SDK.
type Client struct {
	cfg       Config
	logger    zerolog.Logger
	hasLogger bool
	tlsConfig *tls.Config
	handler   Handler
	newEngine EngineFactory
	onState   func(State)

	backend *backend.Client
	store   *store.Store
	engine  *mls.Deferred

	mu        sync.Mutex
	self      QualifiedID
	service   *wireservice.Service
	listener  *wireservice.Listener
	connected atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. If not set, one is built from the config's
// log level and format.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
		c.hasLogger = true
	}
}

// WithTLSConfig overrides the TLS configuration used for REST and the
// event stream.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithHandler sets the receiver of events and messages. If not set,
// everything is dropped.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithEngine replaces the default in-memory MLS engine. The in-memory
// engine keeps no state across restarts, so every start rejoins the
// conversations by external commit.
func WithEngine(f EngineFactory) Option {
	return func(c *Client) { c.newEngine = f }
}

// WithStateCallback registers fn for every connection state transition.
func WithStateCallback(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// New validates cfg, opens the local store and returns an unstarted
// Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("client: invalid config: %w", err)
	}
	c := &Client{
		cfg:       cfg,
		handler:   BaseHandler{},
		newEngine: newMemEngine,
	}
	for _, o := range opts {
		o(c)
	}
	if !c.hasLogger {
		c.logger = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	c.logger = c.logger.With().Str("client", cfg.ClientID).Logger()

	if err := c.openStore(); err != nil {
		return nil, fmt.Errorf("client: open store: %w", err)
	}

	keepAliveLog := c.logger.With().Str("component", "keepalive").Logger()
	c.backend = backend.New(backend.Config{
		APIURL:    cfg.APIURL,
		WSURL:     cfg.WSURL,
		Token:     cfg.Token,
		ClientID:  cfg.ClientID,
		TLSConfig: c.tlsConfig,
		Logger:    c.logger.With().Str("component", "backend").Logger(),
		WSOptions: []wirews.Option{
			wirews.WithKeepAliveInterval(seconds(cfg.KeepAliveSeconds)),
			wirews.WithKeepAliveTimeout(seconds(cfg.KeepAliveTimeoutSeconds)),
			wirews.WithKeepAliveCallback(func(rtt time.Duration) {
				keepAliveLog.Debug().Dur("rtt", rtt).Msg("pong")
			}),
		},
	})
	return c, nil
}

func newMemEngine(_ context.Context, cfg EngineConfig) (Engine, error) {
	return memengine.New(cfg.ClientID,
		memengine.WithTransport(cfg.Transport),
		memengine.WithCipherSuite(cfg.CipherSuite),
		memengine.WithLowWaterMark(cfg.LowWaterMark),
	), nil
}

func (c *Client) openStore() error {
	dbPath := c.cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(store.DefaultDataDir(), c.cfg.ClientID+".db")
	}
	c.logger.Debug().Str("path", dbPath).Msg("opening database")
	s, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	c.store = s
	return nil
}

// Start authenticates against the backend, brings up the MLS engine, tops
// up key packages and reconciles local conversations with the backend.
// Conversations that fail to re-establish are logged and retried when
// their next message arrives.
func (c *Client) Start(ctx context.Context) error {
	self, err := c.backend.FetchSelf(ctx)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	features, err := c.backend.FetchFeatures(ctx)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if !features.MLSEnabled() {
		return ErrMLSDisabled
	}
	suite, err := c.cipherSuite(features)
	if err != nil {
		return err
	}
	keys, err := c.backend.FetchPublicKeys(ctx)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	clientID := mls.NewClientID(self.QualifiedID, c.cfg.ClientID)
	c.engine = mls.NewDeferred(func(ctx context.Context) (mls.Engine, error) {
		return c.newEngine(ctx, EngineConfig{
			ClientID:     clientID,
			CipherSuite:  suite,
			Transport:    c.backend,
			LowWaterMark: c.cfg.KeyPackageLowWater,
		})
	})
	engine, err := c.engine.Ready(ctx)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	svc, err := wireservice.New(wireservice.Deps{
		Engine:          engine,
		Gateway:         c.backend,
		Store:           c.store,
		Handler:         c.handler,
		Self:            self.QualifiedID,
		ClientID:        c.cfg.ClientID,
		CipherSuite:     suite,
		ExternalSenders: keys.ExternalSenders(),
		ClaimRetry: wireservice.RetryPolicy{
			Attempts: c.cfg.ClaimRetryAttempts,
			Delay:    time.Duration(c.cfg.ClaimRetryDelayMillis) * time.Millisecond,
		},
		KeyPackageBatch: c.cfg.KeyPackageBatch,
		Logger:          c.logger,
	})
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	listener, err := wireservice.NewListener(svc.Router, c.connect, c.backend, c.store, wireservice.ListenerConfig{
		PageSize:      c.cfg.CatchUpPageSize,
		DedupWindow:   c.cfg.DedupWindow,
		ShutdownGrace: seconds(c.cfg.ShutdownGraceSeconds),
		OnStateChange: c.stateChanged,
	}, c.logger.With().Str("component", "listener").Logger())
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	c.mu.Lock()
	c.self = self.QualifiedID
	c.service = svc
	c.listener = listener
	c.mu.Unlock()

	if err := svc.TopUpKeyPackages(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("key package top-up failed")
	}
	n, err := svc.Lifecycle.SyncConversations(ctx)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	failed, err := svc.Lifecycle.Reestablish(ctx)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.logger.Info().
		Str("self", self.QualifiedID.String()).
		Int("conversations", n).
		Int("reestablish_failed", failed).
		Msg("client started")
	return nil
}

// cipherSuite picks the configured suite, else the backend default, and
// checks it against the suites the backend allows.
func (c *Client) cipherSuite(f *backend.Features) (mls.CipherSuite, error) {
	suite := mls.CipherSuite(c.cfg.CipherSuite)
	if suite == 0 {
		suite = f.MLS.Config.DefaultCipherSuite
	}
	if suite == 0 {
		suite = mls.DefaultCipherSuite
	}
	if allowed := f.MLS.Config.AllowedCipherSuites; len(allowed) > 0 && !slices.Contains(allowed, suite) {
		return 0, fmt.Errorf("client: cipher suite 0x%04x is not allowed by the backend", uint16(suite))
	}
	return suite, nil
}

// connect adapts the backend dial to the listener. A failed dial must
// return a nil interface, not a typed nil connection.
func (c *Client) connect(ctx context.Context) (wireservice.EventConn, error) {
	conn, err := c.backend.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) stateChanged(s State) {
	if s == StateConnected {
		c.connected.Store(true)
	}
	c.logger.Debug().Stringer("state", s).Msg("connection state")
	if c.onState != nil {
		c.onState(s)
	}
}

// Listen processes the event stream until ctx is done or Close is called,
// reconnecting with exponential backoff whenever the connection drops.
// The backoff resets after every connection that got established. A
// *FatalError ends Listen.
func (c *Client) Listen(ctx context.Context) error {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return ErrNotStarted
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = seconds(c.cfg.ReconnectMinSeconds)
	b.MaxInterval = seconds(c.cfg.ReconnectMaxSeconds)
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(b, ctx)

	for {
		c.connected.Store(false)
		err := l.Run(ctx)
		var fatal *FatalError
		if errors.As(err, &fatal) {
			return err
		}
		if l.Stopped() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.connected.Load() {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		c.logger.Info().Dur("wait", wait).Msg("connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return StateDisconnected
	}
	return l.State()
}

// Close stops listening for good and closes the local store.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.Stop()
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

func (c *Client) lifecycle() (*wireservice.Lifecycle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.service == nil {
		return nil, ErrNotStarted
	}
	return c.service.Lifecycle, nil
}

// Self returns the authenticated user. It is zero before Start.
func (c *Client) Self() QualifiedID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// ClientID returns the device id this client authenticates as.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// CreateGroup creates a group conversation, optionally owned by a team,
// and adds every member a key package could be claimed for. Members that
// could not be added are reported in the ClaimResult.
func (c *Client) CreateGroup(ctx context.Context, name string, team *TeamID, members ...QualifiedID) (*Conversation, ClaimResult, error) {
	lc, err := c.lifecycle()
	if err != nil {
		return nil, ClaimResult{}, err
	}
	return lc.CreateGroup(ctx, name, team, members)
}

// CreateChannel creates a team channel.
func (c *Client) CreateChannel(ctx context.Context, name string, team TeamID, members ...QualifiedID) (*Conversation, ClaimResult, error) {
	lc, err := c.lifecycle()
	if err != nil {
		return nil, ClaimResult{}, err
	}
	return lc.CreateChannel(ctx, name, team, members)
}

// CreateOneToOne returns the established one-to-one conversation with
// user, creating its group when needed.
func (c *Client) CreateOneToOne(ctx context.Context, user QualifiedID) (*Conversation, error) {
	lc, err := c.lifecycle()
	if err != nil {
		return nil, err
	}
	return lc.CreateOneToOne(ctx, user)
}

// AddMembers adds users to a group conversation.
func (c *Client) AddMembers(ctx context.Context, conv QualifiedID, users ...QualifiedID) (ClaimResult, error) {
	lc, err := c.lifecycle()
	if err != nil {
		return ClaimResult{}, err
	}
	return lc.AddMembers(ctx, conv, users)
}

// RemoveMembers removes users from a group conversation. Only admins may
// remove.
func (c *Client) RemoveMembers(ctx context.Context, conv QualifiedID, users ...QualifiedID) error {
	lc, err := c.lifecycle()
	if err != nil {
		return err
	}
	return lc.RemoveMembers(ctx, conv, users)
}

// LeaveConversation leaves conv and wipes its local state.
func (c *Client) LeaveConversation(ctx context.Context, conv QualifiedID) error {
	lc, err := c.lifecycle()
	if err != nil {
		return err
	}
	return lc.LeaveConversation(ctx, conv)
}

// DeleteConversation deletes a team conversation for everyone.
func (c *Client) DeleteConversation(ctx context.Context, conv QualifiedID) error {
	lc, err := c.lifecycle()
	if err != nil {
		return err
	}
	return lc.DeleteConversation(ctx, conv)
}

// Send encrypts and posts m to conv.
func (c *Client) Send(ctx context.Context, conv QualifiedID, m Message) error {
	lc, err := c.lifecycle()
	if err != nil {
		return err
	}
	return lc.SendMessage(ctx, conv, m)
}

// SendText sends a plain text message and returns its id.
func (c *Client) SendText(ctx context.Context, conv QualifiedID, text string) (string, error) {
	m := &Text{
		Meta: MessageMeta{
			ID:             NewMessageID(),
			ConversationID: conv,
			Sender:         c.Self(),
			Time:           time.Now(),
		},
		Text: text,
	}
	if err := c.Send(ctx, conv, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// SyncConversations reconciles the local conversation list with the
// backend and returns how many conversations were stored.
func (c *Client) SyncConversations(ctx context.Context) (int, error) {
	lc, err := c.lifecycle()
	if err != nil {
		return 0, err
	}
	return lc.SyncConversations(ctx)
}

// Conversations returns every conversation known locally.
func (c *Client) Conversations() ([]*Conversation, error) {
	return c.store.ListConversations()
}

// Conversation returns one local conversation, or nil if unknown.
func (c *Client) Conversation(id QualifiedID) (*Conversation, error) {
	return c.store.GetConversation(id)
}

// Members returns the locally known members of conv.
func (c *Client) Members(conv QualifiedID) ([]Member, error) {
	return c.store.GetMembers(conv)
}

// Teams returns the teams this user accepted invites for.
func (c *Client) Teams() ([]TeamID, error) {
	return c.store.ListTeams()
}
