package wireservice

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/wire-go/internal/backend"
	"github.com/gwillem/wire-go/internal/message"
	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/mls/memengine"
	"github.com/gwillem/wire-go/internal/model"
	"github.com/gwillem/wire-go/internal/store"
)

const testDomain = "example.com"

func newUser() model.QualifiedID { return model.NewQualifiedID(uuid.New(), testDomain) }

// deliveryService records every commit bundle an engine sends.
type deliveryService struct {
	mu      sync.Mutex
	bundles []mls.CommitBundle
}

func (d *deliveryService) SendCommitBundle(ctx context.Context, b mls.CommitBundle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bundles = append(d.bundles, b)
	return nil
}

func (d *deliveryService) last() mls.CommitBundle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bundles[len(d.bundles)-1]
}

// countingEngine records the commits that matter to the tests.
type countingEngine struct {
	mls.Engine

	mu    sync.Mutex
	joins int
	adds  [][]mls.KeyPackage
}

func (e *countingEngine) JoinByExternalCommit(ctx context.Context, groupInfo []byte) (mls.GroupID, error) {
	e.mu.Lock()
	e.joins++
	e.mu.Unlock()
	return e.Engine.JoinByExternalCommit(ctx, groupInfo)
}

func (e *countingEngine) AddMembers(ctx context.Context, group mls.GroupID, kps []mls.KeyPackage) error {
	e.mu.Lock()
	e.adds = append(e.adds, kps)
	e.mu.Unlock()
	return e.Engine.AddMembers(ctx, group, kps)
}

func (e *countingEngine) joinCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joins
}

func (e *countingEngine) addCalls() [][]mls.KeyPackage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adds
}

// fakeGateway serves conversations, group infos and key packages from
// maps and counts the mutating calls.
type fakeGateway struct {
	mu         sync.Mutex
	convs      map[model.QualifiedID]*backend.Conversation
	groupInfos map[model.QualifiedID]func() ([]byte, error)
	claims     map[model.QualifiedID]func() ([]mls.KeyPackage, error)
	created    *backend.Conversation
	oneToOne   *backend.Conversation

	sent        [][]byte
	uploaded    []mls.KeyPackage
	leaves      int
	deletes     int
	confirmed   []model.TeamID
	confirmErr  error
	fetchCounts map[model.QualifiedID]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		convs:       make(map[model.QualifiedID]*backend.Conversation),
		groupInfos:  make(map[model.QualifiedID]func() ([]byte, error)),
		claims:      make(map[model.QualifiedID]func() ([]mls.KeyPackage, error)),
		fetchCounts: make(map[model.QualifiedID]int),
	}
}

func notFoundResponse() error { return &backend.ClientError{Code: 404, Label: "not-found"} }

func (g *fakeGateway) setConversation(c *backend.Conversation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.convs[c.QualifiedID] = c
}

func (g *fakeGateway) FetchConversation(ctx context.Context, id model.QualifiedID) (*backend.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCounts[id]++
	c, ok := g.convs[id]
	if !ok {
		return nil, notFoundResponse()
	}
	cp := *c
	return &cp, nil
}

func (g *fakeGateway) FetchConversationGroupInfo(ctx context.Context, id model.QualifiedID) ([]byte, error) {
	g.mu.Lock()
	fn, ok := g.groupInfos[id]
	g.mu.Unlock()
	if !ok {
		return nil, notFoundResponse()
	}
	return fn()
}

func (g *fakeGateway) FetchConversationIDs(ctx context.Context) ([]model.QualifiedID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []model.QualifiedID
	for id := range g.convs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (g *fakeGateway) FetchConversationsByID(ctx context.Context, ids []model.QualifiedID) (*backend.ConversationsResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := &backend.ConversationsResult{}
	for _, id := range ids {
		if c, ok := g.convs[id]; ok {
			res.Found = append(res.Found, *c)
		} else {
			res.NotFound = append(res.NotFound, id)
		}
	}
	return res, nil
}

func (g *fakeGateway) FetchOneToOne(ctx context.Context, user model.QualifiedID) (*backend.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.oneToOne == nil {
		return nil, notFoundResponse()
	}
	g.convs[g.oneToOne.QualifiedID] = g.oneToOne
	cp := *g.oneToOne
	return &cp, nil
}

func (g *fakeGateway) CreateConversation(ctx context.Context, req backend.NewConversation) (*backend.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := *g.created
	c.Name = req.Name
	c.GroupConvType = req.GroupConvType
	if req.Team != nil {
		team := req.Team.TeamID
		c.Team = &team
	}
	g.convs[c.QualifiedID] = &c
	return &c, nil
}

func (g *fakeGateway) ClaimKeyPackage(ctx context.Context, user model.QualifiedID, suite mls.CipherSuite) ([]mls.KeyPackage, error) {
	g.mu.Lock()
	fn, ok := g.claims[user]
	g.mu.Unlock()
	if !ok {
		return nil, notFoundResponse()
	}
	return fn()
}

func (g *fakeGateway) UploadKeyPackages(ctx context.Context, clientID string, packages []mls.KeyPackage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploaded = append(g.uploaded, packages...)
	return nil
}

func (g *fakeGateway) CountKeyPackages(ctx context.Context, clientID string, suite mls.CipherSuite) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.uploaded), nil
}

func (g *fakeGateway) ConfirmTeamInvite(ctx context.Context, team model.TeamID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.confirmErr != nil {
		return g.confirmErr
	}
	g.confirmed = append(g.confirmed, team)
	return nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, ciphertext []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, ciphertext)
	return nil
}

func (g *fakeGateway) LeaveConversation(ctx context.Context, user, conv model.QualifiedID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaves++
	return nil
}

func (g *fakeGateway) DeleteConversation(ctx context.Context, team model.TeamID, conv model.QualifiedID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes++
	return nil
}

// recordingHandler counts callbacks and keeps the last text.
type recordingHandler struct {
	BaseHandler

	mu      sync.Mutex
	joined  []model.Conversation
	deleted []model.QualifiedID
	added   [][]model.Member
	left    [][]model.QualifiedID
	texts   []*message.Text
}

func (h *recordingHandler) OnConversationJoined(ctx context.Context, conv model.Conversation, members []model.Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined = append(h.joined, conv)
}

func (h *recordingHandler) OnConversationDeleted(ctx context.Context, conv model.QualifiedID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, conv)
}

func (h *recordingHandler) OnMembersJoined(ctx context.Context, conv model.QualifiedID, members []model.Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.added = append(h.added, members)
}

func (h *recordingHandler) OnMembersLeft(ctx context.Context, conv model.QualifiedID, users []model.QualifiedID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.left = append(h.left, users)
}

func (h *recordingHandler) OnText(ctx context.Context, m *message.Text) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.texts = append(h.texts, m)
}

func (h *recordingHandler) textCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.texts)
}

// harness is one local user with a real store and an in-memory engine.
type harness struct {
	self    model.QualifiedID
	ds      *deliveryService
	mem     *memengine.Engine
	engine  *countingEngine
	gateway *fakeGateway
	store   *store.Store
	handler *recordingHandler
	svc     *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	self := newUser()
	ds := &deliveryService{}
	mem := memengine.New(mls.NewClientID(self, "1"), memengine.WithTransport(ds), memengine.WithLowWaterMark(2))
	st, err := store.Open(filepath.Join(t.TempDir(), "wire.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		self:    self,
		ds:      ds,
		mem:     mem,
		engine:  &countingEngine{Engine: mem},
		gateway: newFakeGateway(),
		store:   st,
		handler: &recordingHandler{},
	}
	h.svc, err = New(Deps{
		Engine:          h.engine,
		Gateway:         h.gateway,
		Store:           st,
		Handler:         h.handler,
		Self:            self,
		ClientID:        "1",
		KeyPackageBatch: 4,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return h
}

// peer is another user with its own engine sharing the delivery service.
type peer struct {
	id  model.QualifiedID
	ds  *deliveryService
	mem *memengine.Engine
}

func newPeer() *peer {
	id := newUser()
	ds := &deliveryService{}
	return &peer{id: id, ds: ds, mem: memengine.New(mls.NewClientID(id, "1"), memengine.WithTransport(ds))}
}

// claimFrom makes the gateway hand out one fresh key package of p per
// claim.
func (g *fakeGateway) claimFrom(p *peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.claims[p.id] = func() ([]mls.KeyPackage, error) {
		return p.mem.GenerateKeyPackages(context.Background(), 1)
	}
}

// backendConversation builds the backend view of a group conversation.
func backendConversation(id model.QualifiedID, group mls.GroupID, epoch uint64, self model.QualifiedID, selfRole string, others ...model.QualifiedID) *backend.Conversation {
	c := &backend.Conversation{
		QualifiedID: id,
		Name:        "test",
		Protocol:    "mls",
		GroupID:     group,
		Epoch:       epoch,
		Members: backend.Members{
			Self: backend.Member{QualifiedID: self, Role: selfRole},
		},
	}
	for _, o := range others {
		c.Members.Others = append(c.Members.Others, backend.Member{QualifiedID: o, Role: "wire_member"})
	}
	return c
}
