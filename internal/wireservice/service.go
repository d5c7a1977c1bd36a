// Package wireservice is the MLS conversation core: it routes backend
// notifications into group state, keeps groups in sync with the backend and
// implements the conversation lifecycle API.
package wireservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Engine  mls.Engine
	Gateway Gateway
	Store   StateStore
	Handler Handler
	// Self is the local user.
	Self model.QualifiedID
	// ClientID is the backend id of this device, used for key packages.
	ClientID    string
	CipherSuite mls.CipherSuite
	// ExternalSenders are the backend keys allowed to propose removals in
	// locally created groups.
	ExternalSenders [][]byte
	ClaimRetry      RetryPolicy
	KeyPackageBatch int
	Logger          zerolog.Logger
}

// Service owns the router and the lifecycle API over one set of
// collaborators. Both share the per-conversation locks.
type Service struct {
	*core
	Router    *Router
	Lifecycle *Lifecycle
}

// New wires a Service. Engine, Gateway and Store are required.
func New(d Deps) (*Service, error) {
	if d.Engine == nil || d.Gateway == nil || d.Store == nil {
		return nil, errors.New("wireservice: engine, gateway and store are required")
	}
	if d.Handler == nil {
		d.Handler = BaseHandler{}
	}
	if d.CipherSuite == 0 {
		d.CipherSuite = mls.DefaultCipherSuite
	}
	c := &core{
		engine:          d.Engine,
		gateway:         d.Gateway,
		store:           d.Store,
		locks:           newConvLocks(),
		self:            d.Self,
		suite:           d.CipherSuite,
		externalSenders: d.ExternalSenders,
		logger:          d.Logger,
	}
	c.establisher = &Establisher{
		engine:  d.Engine,
		gateway: d.Gateway,
		suite:   d.CipherSuite,
		retry:   d.ClaimRetry,
		logger:  d.Logger,
	}
	c.fallback = &Fallback{engine: d.Engine, gateway: d.Gateway, logger: d.Logger}
	c.topUp = &keyPackageTopUp{
		engine:   d.Engine,
		gateway:  d.Gateway,
		clientID: d.ClientID,
		suite:    d.CipherSuite,
		batch:    d.KeyPackageBatch,
		logger:   d.Logger,
	}
	return &Service{
		core:      c,
		Router:    &Router{core: c, handler: d.Handler},
		Lifecycle: &Lifecycle{core: c},
	}, nil
}

// Establisher returns the shared group establishment algorithm.
func (s *Service) Establisher() *Establisher { return s.establisher }

// Fallback returns the resync strategy.
func (s *Service) Fallback() *Fallback { return s.fallback }

// TopUpKeyPackages uploads fresh key packages when the supply is low.
func (s *Service) TopUpKeyPackages(ctx context.Context) error { return s.topUp.run(ctx) }

// core is the state shared by Router and Lifecycle.
type core struct {
	engine          mls.Engine
	gateway         Gateway
	store           StateStore
	locks           *convLocks
	self            model.QualifiedID
	suite           mls.CipherSuite
	externalSenders [][]byte
	establisher     *Establisher
	fallback        *Fallback
	topUp           *keyPackageTopUp
	logger          zerolog.Logger
}

// errNotEstablishable is returned for a conversation without group history
// whose kind the caller may not establish.
var errNotEstablishable = errors.New("conversation has no group to join")

// anyKind lets establishConversation create a group for every kind.
func anyKind(model.ConversationKind) bool { return true }

// directOnly limits fresh groups to self and one-to-one conversations.
func directOnly(k model.ConversationKind) bool {
	return k == model.KindSelf || k == model.KindOneToOne
}

// establishConversation brings a conversation the backend knows into local
// group state: an existing group is kept, a group with history is joined
// by external commit and, if fresh allows the kind, a new group is
// established with the other members. The record and its members are
// persisted. Callers hold the conversation lock.
func (c *core) establishConversation(ctx context.Context, id model.QualifiedID, fresh func(model.ConversationKind) bool) (*model.Conversation, []model.Member, error) {
	remote, err := c.gateway.FetchConversation(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("establish %s: fetch conversation: %w", id, err)
	}
	conv, members := remote.Record()
	if len(conv.GroupID) == 0 {
		return nil, nil, fmt.Errorf("establish %s: backend has no group id", id)
	}
	group := mls.GroupID(conv.GroupID)

	exists, err := c.engine.GroupExists(ctx, group)
	if err != nil {
		return nil, nil, fmt.Errorf("establish %s: group exists: %w", id, err)
	}
	switch {
	case exists:
	case remote.Epoch > 0:
		if group, err = c.fallback.rejoin(ctx, id); err != nil {
			return nil, nil, err
		}
	case !fresh(conv.Kind):
		return nil, nil, errNotEstablishable
	default:
		res, err := c.establisher.EstablishGroup(ctx, group, c.others(members), c.externalSenders)
		if err != nil {
			return nil, nil, err
		}
		if len(res.Failed) > 0 {
			c.logger.Warn().Str("conversation", id.String()).Int("failed", len(res.Failed)).Msg("group established without some members")
		}
	}

	conv.GroupID = group
	if err := c.persist(&conv, members); err != nil {
		return nil, nil, err
	}
	return &conv, members, nil
}

func (c *core) persist(conv *model.Conversation, members []model.Member) error {
	if err := c.store.SaveConversation(conv); err != nil {
		return err
	}
	return c.store.SaveMembers(members)
}

// others returns the user ids of members other than self.
func (c *core) others(members []model.Member) []model.QualifiedID {
	var out []model.QualifiedID
	for _, m := range members {
		if m.UserID != c.self {
			out = append(out, m.UserID)
		}
	}
	return out
}
