// Package memengine is an in-memory mls.Engine. It keeps the observable
// behaviour of a real MLS client (epochs, single-use decryption, welcomes,
// external commits, commit-only messages) while skipping the asymmetric
// cryptography: group info carries the epoch secret in the clear. Use it for
// tests and demos, never for real traffic.
package memengine

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/gwillem/wire-go/internal/mls"
)

const (
	secretSize          = 32
	refSize             = 16
	defaultLowWaterMark = 10
)

var (
	// ErrGenerationConsumed is returned when a ciphertext was already
	// decrypted: its key has been deleted from the ratchet.
	ErrGenerationConsumed = errors.New("memengine: message generation already consumed")
	// ErrWrongEpoch is returned for messages from an epoch other than the
	// local one.
	ErrWrongEpoch = errors.New("memengine: message epoch does not match group epoch")
)

var _ mls.Engine = (*Engine)(nil)

type generationKey struct {
	sender     string
	generation uint64
}

type group struct {
	epoch    uint64
	secret   []byte
	members  map[string]struct{}
	nextGen  uint64
	consumed map[generationKey]struct{}
}

func (g *group) advance(salt []byte) error {
	next, err := deriveEpochSecret(g.secret, salt)
	if err != nil {
		return err
	}
	g.epoch++
	g.secret = next
	g.nextGen = 0
	g.consumed = make(map[generationKey]struct{})
	return nil
}

func (g *group) memberList() []string {
	return slices.Sorted(maps.Keys(g.members))
}

// Engine is one client's view of its groups.
type Engine struct {
	client    mls.ClientID
	suite     mls.CipherSuite
	transport mls.Transport
	lowWater  int

	mu          sync.Mutex
	groups      map[string]*group
	keyPackages map[string]struct{} // unconsumed key package refs (hex)
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransport sets where commits are sent before being merged locally.
// Without a transport commits are merged immediately.
func WithTransport(t mls.Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithLowWaterMark sets the key package count below which
// LowKeyPackageSupply reports true.
func WithLowWaterMark(n int) Option {
	return func(e *Engine) { e.lowWater = n }
}

// WithCipherSuite sets the suite stamped into generated key packages.
func WithCipherSuite(s mls.CipherSuite) Option {
	return func(e *Engine) { e.suite = s }
}

// New returns an engine for the given client.
func New(client mls.ClientID, opts ...Option) *Engine {
	e := &Engine{
		client:      client,
		suite:       mls.DefaultCipherSuite,
		lowWater:    defaultLowWaterMark,
		groups:      make(map[string]*group),
		keyPackages: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetTransport replaces the commit transport. It exists for wiring cycles
// where the transport needs the engine's client id first.
func (e *Engine) SetTransport(t mls.Transport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transport = t
}

func (e *Engine) ClientID() mls.ClientID { return e.client }

func (e *Engine) CreateGroup(ctx context.Context, id mls.GroupID, externalSenders [][]byte) error {
	secret, err := randomBytes(secretSize)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.groups[string(id)]; ok {
		return fmt.Errorf("memengine: create group %s: already exists", id)
	}
	e.groups[string(id)] = &group{
		secret:   secret,
		members:  map[string]struct{}{string(e.client): {}},
		consumed: make(map[generationKey]struct{}),
	}
	return nil
}

func (e *Engine) JoinByExternalCommit(ctx context.Context, groupInfo []byte) (mls.GroupID, error) {
	snap, err := unmarshalSnapshot(groupInfo)
	if err != nil {
		return nil, err
	}
	salt, err := randomBytes(secretSize)
	if err != nil {
		return nil, err
	}
	g := &group{
		epoch:    snap.epoch,
		secret:   snap.secret,
		members:  make(map[string]struct{}),
		consumed: make(map[generationKey]struct{}),
	}
	for _, m := range snap.members {
		g.members[m] = struct{}{}
	}
	commit := wireMessage{
		kind:    kindCommit,
		groupID: snap.groupID,
		epoch:   g.epoch,
		sender:  string(e.client),
		payload: salt,
		added:   []string{string(e.client)},
	}
	g.members[string(e.client)] = struct{}{}
	if err := g.advance(salt); err != nil {
		return nil, err
	}
	bundle := mls.CommitBundle{
		GroupID:   snap.groupID,
		Commit:    commit.marshal(),
		GroupInfo: g.snapshot(snap.groupID, nil).marshal(),
	}
	if err := e.send(ctx, bundle); err != nil {
		return nil, fmt.Errorf("memengine: external commit: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// A rejoin replaces whatever stale state we had.
	e.groups[string(snap.groupID)] = g
	return mls.GroupID(snap.groupID), nil
}

func (e *Engine) ProcessWelcome(ctx context.Context, welcome []byte) (mls.GroupID, error) {
	snap, err := unmarshalSnapshot(welcome)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var ref string
	for _, r := range snap.refs {
		if _, ok := e.keyPackages[hex.EncodeToString(r)]; ok {
			ref = hex.EncodeToString(r)
			break
		}
	}
	if ref == "" {
		return nil, &mls.OrphanWelcomeError{Reason: "no matching key package held locally"}
	}
	delete(e.keyPackages, ref)

	g := &group{
		epoch:    snap.epoch,
		secret:   snap.secret,
		members:  make(map[string]struct{}),
		consumed: make(map[generationKey]struct{}),
	}
	for _, m := range snap.members {
		g.members[m] = struct{}{}
	}
	e.groups[string(snap.groupID)] = g
	return mls.GroupID(snap.groupID), nil
}

func (e *Engine) AddMembers(ctx context.Context, id mls.GroupID, keyPackages []mls.KeyPackage) error {
	var (
		added []string
		refs  [][]byte
	)
	for _, raw := range keyPackages {
		kp, err := unmarshalKeyPackage(raw)
		if err != nil {
			return err
		}
		added = append(added, kp.client)
		refs = append(refs, kp.ref)
	}
	return e.commit(ctx, id, added, nil, refs)
}

func (e *Engine) RemoveMembers(ctx context.Context, id mls.GroupID, clients []mls.ClientID) error {
	removed := make([]string, len(clients))
	for i, c := range clients {
		removed[i] = string(c)
	}
	return e.commit(ctx, id, nil, removed, nil)
}

func (e *Engine) UpdateKeyingMaterial(ctx context.Context, id mls.GroupID) error {
	return e.commit(ctx, id, nil, nil, nil)
}

// commit builds a commit against the current epoch, hands it to the
// transport and merges it once accepted.
func (e *Engine) commit(ctx context.Context, id mls.GroupID, added, removed []string, refs [][]byte) error {
	salt, err := randomBytes(secretSize)
	if err != nil {
		return err
	}

	e.mu.Lock()
	g, ok := e.groups[string(id)]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("memengine: commit %s: %w", id, mls.ErrGroupNotFound)
	}
	msg := wireMessage{
		kind:    kindCommit,
		groupID: id,
		epoch:   g.epoch,
		sender:  string(e.client),
		payload: salt,
		added:   added,
		removed: removed,
	}
	next := g.clone()
	next.apply(added, removed)
	e.mu.Unlock()

	if err := next.advance(salt); err != nil {
		return err
	}
	bundle := mls.CommitBundle{
		GroupID:   id,
		Commit:    msg.marshal(),
		GroupInfo: next.snapshot(id, nil).marshal(),
	}
	if len(refs) > 0 {
		bundle.Welcome = next.snapshot(id, refs).marshal()
	}
	if err := e.send(ctx, bundle); err != nil {
		return fmt.Errorf("memengine: send commit %s: %w", id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.groups[string(id)]; !ok || cur.epoch != msg.epoch {
		return fmt.Errorf("memengine: commit %s: group changed while committing", id)
	}
	e.groups[string(id)] = next
	return nil
}

func (e *Engine) send(ctx context.Context, bundle mls.CommitBundle) error {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.SendCommitBundle(ctx, bundle)
}

func (e *Engine) Encrypt(ctx context.Context, id mls.GroupID, plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[string(id)]
	if !ok {
		return nil, fmt.Errorf("memengine: encrypt %s: %w", id, mls.ErrGroupNotFound)
	}
	msg := wireMessage{
		kind:       kindApplication,
		groupID:    id,
		epoch:      g.epoch,
		sender:     string(e.client),
		generation: g.nextGen,
	}
	g.nextGen++

	aead, err := messageCipher(g.secret, msg.sender, msg.generation)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	msg.nonce = nonce
	msg.payload = aead.Seal(nil, nonce, plaintext, msg.header())
	return msg.marshal(), nil
}

func (e *Engine) Decrypt(ctx context.Context, id mls.GroupID, ciphertext []byte) ([]byte, error) {
	msg, err := unmarshalMessage(ciphertext)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(msg.groupID, id) {
		return nil, fmt.Errorf("memengine: decrypt: message for group %x, not %s", msg.groupID, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[string(id)]
	if !ok {
		return nil, fmt.Errorf("memengine: decrypt %s: %w", id, mls.ErrGroupNotFound)
	}

	if msg.kind == kindCommit {
		if msg.sender == string(e.client) && msg.epoch < g.epoch {
			// Our own commit, already merged.
			return nil, nil
		}
		if msg.epoch != g.epoch {
			return nil, fmt.Errorf("memengine: commit for epoch %d, group at %d: %w", msg.epoch, g.epoch, ErrWrongEpoch)
		}
		g.apply(msg.added, msg.removed)
		if _, stillMember := g.members[string(e.client)]; !stillMember {
			delete(e.groups, string(id))
			return nil, nil
		}
		if err := g.advance(msg.payload); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if msg.epoch != g.epoch {
		return nil, fmt.Errorf("memengine: message for epoch %d, group at %d: %w", msg.epoch, g.epoch, ErrWrongEpoch)
	}
	key := generationKey{sender: msg.sender, generation: msg.generation}
	if _, used := g.consumed[key]; used {
		return nil, ErrGenerationConsumed
	}
	aead, err := messageCipher(g.secret, msg.sender, msg.generation)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, msg.nonce, msg.payload, msg.header())
	if err != nil {
		return nil, fmt.Errorf("memengine: decrypt: %w", err)
	}
	g.consumed[key] = struct{}{}
	return plaintext, nil
}

func (e *Engine) GroupExists(ctx context.Context, id mls.GroupID) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.groups[string(id)]
	return ok, nil
}

func (e *Engine) Members(ctx context.Context, id mls.GroupID) ([]mls.ClientID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[string(id)]
	if !ok {
		return nil, fmt.Errorf("memengine: members %s: %w", id, mls.ErrGroupNotFound)
	}
	out := make([]mls.ClientID, 0, len(g.members))
	for _, m := range g.memberList() {
		out = append(out, mls.ClientID(m))
	}
	return out, nil
}

func (e *Engine) Epoch(ctx context.Context, id mls.GroupID) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[string(id)]
	if !ok {
		return 0, fmt.Errorf("memengine: epoch %s: %w", id, mls.ErrGroupNotFound)
	}
	return g.epoch, nil
}

// GroupInfo returns the public snapshot of a group as the backend would
// publish it.
func (e *Engine) GroupInfo(id mls.GroupID) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[string(id)]
	if !ok {
		return nil, fmt.Errorf("memengine: group info %s: %w", id, mls.ErrGroupNotFound)
	}
	return g.snapshot(id, nil).marshal(), nil
}

func (e *Engine) WipeGroup(ctx context.Context, id mls.GroupID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.groups, string(id))
	return nil
}

func (e *Engine) GenerateKeyPackages(ctx context.Context, count int) ([]mls.KeyPackage, error) {
	out := make([]mls.KeyPackage, 0, count)
	e.mu.Lock()
	defer e.mu.Unlock()
	for range count {
		ref, err := randomBytes(refSize)
		if err != nil {
			return nil, err
		}
		e.keyPackages[hex.EncodeToString(ref)] = struct{}{}
		kp := keyPackage{client: string(e.client), ref: ref, suite: uint64(e.suite)}
		out = append(out, kp.marshal())
	}
	return out, nil
}

func (e *Engine) LowKeyPackageSupply(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keyPackages) < e.lowWater, nil
}

// KeyPackageCount returns the number of unconsumed key packages.
func (e *Engine) KeyPackageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keyPackages)
}

func (g *group) clone() *group {
	c := &group{
		epoch:    g.epoch,
		secret:   slices.Clone(g.secret),
		members:  maps.Clone(g.members),
		nextGen:  g.nextGen,
		consumed: maps.Clone(g.consumed),
	}
	return c
}

func (g *group) apply(added, removed []string) {
	for _, a := range added {
		g.members[a] = struct{}{}
	}
	for _, r := range removed {
		delete(g.members, r)
	}
}

func (g *group) snapshot(id []byte, refs [][]byte) groupSnapshot {
	return groupSnapshot{
		groupID: id,
		epoch:   g.epoch,
		secret:  g.secret,
		members: g.memberList(),
		refs:    refs,
	}
}

func deriveEpochSecret(secret, salt []byte) ([]byte, error) {
	out := make([]byte, secretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte("wire-go epoch")), out); err != nil {
		return nil, fmt.Errorf("memengine: derive epoch secret: %w", err)
	}
	return out, nil
}

func messageCipher(secret []byte, sender string, generation uint64) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	info := []byte("wire-go message " + sender + " " + strconv.FormatUint(generation, 10))
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("memengine: derive message key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("memengine: message cipher: %w", err)
	}
	return aead, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("memengine: random: %w", err)
	}
	return b, nil
}
