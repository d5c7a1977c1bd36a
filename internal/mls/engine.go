// Package mls defines the group-messaging crypto capability the SDK drives.
// The ciphersuites and key schedule belong to the implementation; the SDK
// only sees opaque group ids, key packages, welcomes and ciphertexts.
package mls

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gwillem/wire-go/internal/model"
)

// GroupID is the opaque handle of a cryptographic group.
type GroupID []byte

func (g GroupID) String() string { return fmt.Sprintf("%x", []byte(g)) }

// CipherSuite identifies an MLS ciphersuite.
type CipherSuite uint16

// DefaultCipherSuite is MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519.
const DefaultCipherSuite CipherSuite = 1

// ClientID identifies one device of a user inside a group, in the form
// "<user uuid>:<device>@<domain>".
type ClientID string

// NewClientID builds the client id of one of user's devices.
func NewClientID(user model.QualifiedID, device string) ClientID {
	return ClientID(user.ID.String() + ":" + device + "@" + user.Domain)
}

// User returns the user a client id belongs to.
func (c ClientID) User() (model.QualifiedID, bool) {
	rest, domain, ok := strings.Cut(string(c), "@")
	if !ok || domain == "" {
		return model.QualifiedID{}, false
	}
	idPart, _, ok := strings.Cut(rest, ":")
	if !ok {
		return model.QualifiedID{}, false
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return model.QualifiedID{}, false
	}
	return model.NewQualifiedID(id, domain), true
}

// KeyPackage is a claimable credential and key bundle for one client.
type KeyPackage []byte

// CommitBundle is what a commit hands to the delivery service: the commit
// for existing members, a welcome for added ones and the new public group
// info for future external joiners.
type CommitBundle struct {
	GroupID   GroupID
	Commit    []byte
	Welcome   []byte // nil when nobody was added
	GroupInfo []byte
}

// Transport carries commits from the engine to the backend. A commit is
// merged locally only after the transport accepted it.
type Transport interface {
	SendCommitBundle(ctx context.Context, bundle CommitBundle) error
}

// Engine is the crypto capability. Implementations must be safe for
// concurrent use across groups; callers serialise operations on one group.
type Engine interface {
	ClientID() ClientID
	CreateGroup(ctx context.Context, group GroupID, externalSenders [][]byte) error
	JoinByExternalCommit(ctx context.Context, groupInfo []byte) (GroupID, error)
	// ProcessWelcome returns *OrphanWelcomeError when the welcome cannot be
	// resolved against local key material.
	ProcessWelcome(ctx context.Context, welcome []byte) (GroupID, error)
	AddMembers(ctx context.Context, group GroupID, keyPackages []KeyPackage) error
	RemoveMembers(ctx context.Context, group GroupID, clients []ClientID) error
	UpdateKeyingMaterial(ctx context.Context, group GroupID) error
	Encrypt(ctx context.Context, group GroupID, plaintext []byte) ([]byte, error)
	// Decrypt returns a nil plaintext for handshake messages that carry no
	// application payload.
	Decrypt(ctx context.Context, group GroupID, ciphertext []byte) ([]byte, error)
	GroupExists(ctx context.Context, group GroupID) (bool, error)
	Members(ctx context.Context, group GroupID) ([]ClientID, error)
	Epoch(ctx context.Context, group GroupID) (uint64, error)
	WipeGroup(ctx context.Context, group GroupID) error
	GenerateKeyPackages(ctx context.Context, count int) ([]KeyPackage, error)
	LowKeyPackageSupply(ctx context.Context) (bool, error)
}

// ErrOrphanWelcome matches any *OrphanWelcomeError via errors.Is.
var ErrOrphanWelcome = errors.New("mls: orphan welcome")

// OrphanWelcomeError reports a welcome whose key package is no longer held
// locally, typically because a later proposal superseded the join.
type OrphanWelcomeError struct {
	Reason string
}

func (e *OrphanWelcomeError) Error() string {
	return "mls: orphan welcome: " + e.Reason
}

func (e *OrphanWelcomeError) Is(target error) bool { return target == ErrOrphanWelcome }

// ErrGroupNotFound is returned for operations on a group that does not
// exist locally.
var ErrGroupNotFound = errors.New("mls: group not found")
