// Package backend is the REST and event-stream client for the messaging
// backend.
package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/wire-go/internal/mls"
	"github.com/gwillem/wire-go/internal/model"
	"github.com/gwillem/wire-go/internal/notification"
	"github.com/gwillem/wire-go/internal/wirews"
)

const listIDsPageSize = 500

// Client provides high-level access to the backend API.
type Client struct {
	transport *Transport
	token     string
	clientID  string
	wsURL     string
	tlsConfig *tls.Config
	logger    zerolog.Logger
	wsOpts    []wirews.Option
}

// Config holds configuration for creating a Client.
type Config struct {
	APIURL    string
	WSURL     string
	Token     string
	ClientID  string
	TLSConfig *tls.Config
	Logger    zerolog.Logger
	// WSOptions are passed to every event-stream dial.
	WSOptions []wirews.Option
}

// New creates a backend client.
func New(cfg Config) *Client {
	return &Client{
		transport: NewTransport(cfg.APIURL, cfg.Token, cfg.TLSConfig, cfg.Logger),
		token:     cfg.Token,
		clientID:  cfg.ClientID,
		wsURL:     cfg.WSURL,
		tlsConfig: cfg.TLSConfig,
		logger:    cfg.Logger,
		wsOpts:    cfg.WSOptions,
	}
}

// ClientID is the device id the client authenticates as.
func (c *Client) ClientID() string { return c.clientID }

func convPath(id model.QualifiedID) string {
	return "/conversations/" + url.PathEscape(id.Domain) + "/" + id.ID.String()
}

// --- Self and features ---

// FetchSelf returns the authenticated user.
func (c *Client) FetchSelf(ctx context.Context) (*Self, error) {
	var s Self
	if _, err := c.transport.GetJSON(ctx, "/self", &s); err != nil {
		return nil, fmt.Errorf("fetch self: %w", err)
	}
	return &s, nil
}

// FetchFeatures returns the backend feature configuration.
func (c *Client) FetchFeatures(ctx context.Context) (*Features, error) {
	var f Features
	if _, err := c.transport.GetJSON(ctx, "/feature-configs", &f); err != nil {
		return nil, fmt.Errorf("fetch features: %w", err)
	}
	return &f, nil
}

// FetchPublicKeys returns the backend's MLS external-sender keys.
func (c *Client) FetchPublicKeys(ctx context.Context) (*PublicKeys, error) {
	var p PublicKeys
	if _, err := c.transport.GetJSON(ctx, "/mls/public-keys", &p); err != nil {
		return nil, fmt.Errorf("fetch public keys: %w", err)
	}
	return &p, nil
}

// --- Conversations ---

// FetchConversation returns one conversation including members and the
// current MLS epoch.
func (c *Client) FetchConversation(ctx context.Context, id model.QualifiedID) (*Conversation, error) {
	var conv Conversation
	if _, err := c.transport.GetJSON(ctx, convPath(id), &conv); err != nil {
		return nil, fmt.Errorf("fetch conversation %s: %w", id, err)
	}
	return &conv, nil
}

// FetchConversationGroupInfo returns the public group info needed for an
// external commit.
func (c *Client) FetchConversationGroupInfo(ctx context.Context, id model.QualifiedID) ([]byte, error) {
	body, status, err := c.transport.Get(ctx, convPath(id)+"/groupinfo")
	if err != nil {
		return nil, fmt.Errorf("fetch group info %s: %w", id, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch group info %s: %w", id, classify(status, body))
	}
	return body, nil
}

// FetchConversationIDs lists every conversation the user is in, following
// the backend's paging state.
func (c *Client) FetchConversationIDs(ctx context.Context) ([]model.QualifiedID, error) {
	var ids []model.QualifiedID
	req := listIDsRequest{Size: listIDsPageSize}
	for {
		var page listIDsResponse
		if _, err := c.transport.PostJSON(ctx, "/conversations/list-ids", req, &page); err != nil {
			return nil, fmt.Errorf("fetch conversation ids: %w", err)
		}
		ids = append(ids, page.QualifiedConversations...)
		if !page.HasMore || page.PagingState == "" {
			return ids, nil
		}
		req.PagingState = page.PagingState
	}
}

// FetchConversationsByID fetches conversations in one batch.
func (c *Client) FetchConversationsByID(ctx context.Context, ids []model.QualifiedID) (*ConversationsResult, error) {
	var res ConversationsResult
	if _, err := c.transport.PostJSON(ctx, "/conversations/list", listConversationsRequest{QualifiedIDs: ids}, &res); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return &res, nil
}

// CreateConversation creates an MLS conversation. Members are added by the
// first commit, not by the request.
func (c *Client) CreateConversation(ctx context.Context, req NewConversation) (*Conversation, error) {
	req.Protocol = "mls"
	if req.QualifiedUsers == nil {
		req.QualifiedUsers = []model.QualifiedID{}
	}
	var conv Conversation
	if _, err := c.transport.PostJSON(ctx, "/conversations", req, &conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// FetchOneToOne returns the one-to-one conversation with user, which the
// backend creates on first access.
func (c *Client) FetchOneToOne(ctx context.Context, user model.QualifiedID) (*Conversation, error) {
	var conv Conversation
	path := "/one2one-conversations/" + url.PathEscape(user.Domain) + "/" + user.ID.String()
	if _, err := c.transport.GetJSON(ctx, path, &conv); err != nil {
		return nil, fmt.Errorf("fetch one-to-one with %s: %w", user, err)
	}
	return &conv, nil
}

// LeaveConversation removes user from conv.
func (c *Client) LeaveConversation(ctx context.Context, user, conv model.QualifiedID) error {
	path := convPath(conv) + "/members/" + url.PathEscape(user.Domain) + "/" + user.ID.String()
	body, status, err := c.transport.Delete(ctx, path)
	if err != nil {
		return fmt.Errorf("leave conversation %s: %w", conv, err)
	}
	if status >= 300 {
		return fmt.Errorf("leave conversation %s: %w", conv, classify(status, body))
	}
	return nil
}

// DeleteConversation deletes a team conversation for everyone.
func (c *Client) DeleteConversation(ctx context.Context, team model.TeamID, conv model.QualifiedID) error {
	path := "/teams/" + team.String() + "/conversations/" + conv.ID.String()
	body, status, err := c.transport.Delete(ctx, path)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", conv, err)
	}
	if status >= 300 {
		return fmt.Errorf("delete conversation %s: %w", conv, classify(status, body))
	}
	return nil
}

// ConfirmTeamInvite accepts an invitation of the app into a team.
func (c *Client) ConfirmTeamInvite(ctx context.Context, team model.TeamID) error {
	body, status, err := c.transport.Post(ctx, "/apps/teams/"+team.String()+"/confirm", contentJSON, []byte("{}"))
	if err != nil {
		return fmt.Errorf("confirm team %s: %w", team, err)
	}
	if status >= 300 {
		return fmt.Errorf("confirm team %s: %w", team, classify(status, body))
	}
	return nil
}

// --- MLS ---

// ClaimKeyPackage claims one key package for every client of user. Our own
// client is skipped. An empty result means the user has no packages left.
func (c *Client) ClaimKeyPackage(ctx context.Context, user model.QualifiedID, suite mls.CipherSuite) ([]mls.KeyPackage, error) {
	path := fmt.Sprintf("/mls/key-packages/claim/%s/%s?ciphersuite=0x%04x",
		url.PathEscape(user.Domain), user.ID, uint16(suite))
	if c.clientID != "" {
		path += "&skip_own=" + url.QueryEscape(c.clientID)
	}
	var res claimResponse
	if _, err := c.transport.PostJSON(ctx, path, struct{}{}, &res); err != nil {
		return nil, fmt.Errorf("claim key package for %s: %w", user, err)
	}
	out := make([]mls.KeyPackage, 0, len(res.KeyPackages))
	for _, kp := range res.KeyPackages {
		if kp.Client == c.clientID && kp.User == user.ID {
			continue
		}
		out = append(out, kp.KeyPackage)
	}
	return out, nil
}

// UploadKeyPackages publishes fresh key packages for clientID.
func (c *Client) UploadKeyPackages(ctx context.Context, clientID string, packages []mls.KeyPackage) error {
	req := uploadKeyPackages{KeyPackages: make([][]byte, len(packages))}
	for i, kp := range packages {
		req.KeyPackages[i] = kp
	}
	if _, err := c.transport.PostJSON(ctx, "/mls/key-packages/self/"+url.PathEscape(clientID), req, nil); err != nil {
		return fmt.Errorf("upload key packages: %w", err)
	}
	return nil
}

// CountKeyPackages returns how many unclaimed packages clientID has.
func (c *Client) CountKeyPackages(ctx context.Context, clientID string, suite mls.CipherSuite) (int, error) {
	path := fmt.Sprintf("/mls/key-packages/self/%s/count?ciphersuite=0x%04x", url.PathEscape(clientID), uint16(suite))
	var res countResponse
	if _, err := c.transport.GetJSON(ctx, path, &res); err != nil {
		return 0, fmt.Errorf("count key packages: %w", err)
	}
	return res.Count, nil
}

// SendCommitBundle posts a commit with its welcome and group info. It
// implements mls.Transport.
func (c *Client) SendCommitBundle(ctx context.Context, bundle mls.CommitBundle) error {
	body, status, err := c.transport.Post(ctx, "/mls/commit-bundles", contentMLS, bundle.Marshal())
	if err != nil {
		return fmt.Errorf("send commit bundle: %w", err)
	}
	if status >= 300 {
		return fmt.Errorf("send commit bundle: %w", classify(status, body))
	}
	return nil
}

// SendMessage posts an encrypted application message.
func (c *Client) SendMessage(ctx context.Context, ciphertext []byte) error {
	body, status, err := c.transport.Post(ctx, "/mls/messages", contentMLS, ciphertext)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if status >= 300 {
		return fmt.Errorf("send message: %w", classify(status, body))
	}
	return nil
}

// --- Notifications ---

// NotificationPage is one page of the notification catch-up.
type NotificationPage struct {
	Notifications []notification.Raw `json:"notifications"`
	HasMore       bool               `json:"has_more"`
	Time          time.Time          `json:"time,omitzero"`
	// Gap is set when the backend no longer had the requested cursor and
	// returned what it still has. Events in between are lost.
	Gap bool `json:"-"`
}

// FetchNotifications returns up to size notifications after since. An
// empty since starts from the oldest stored notification.
func (c *Client) FetchNotifications(ctx context.Context, since string, size int) (*NotificationPage, error) {
	q := url.Values{}
	q.Set("size", strconv.Itoa(size))
	if c.clientID != "" {
		q.Set("client", c.clientID)
	}
	if since != "" {
		q.Set("since", since)
	}
	body, status, err := c.transport.Get(ctx, "/notifications?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}

	var page NotificationPage
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		// The cursor fell out of the backend's retention window. The body
		// still carries the notifications that follow the gap.
		page.Gap = true
	default:
		return nil, fmt.Errorf("fetch notifications: %w", classify(status, body))
	}
	if err := json.Unmarshal(body, &page); err != nil {
		if page.Gap {
			return nil, fmt.Errorf("fetch notifications: %w", classify(status, body))
		}
		return nil, fmt.Errorf("fetch notifications: decode: %w", err)
	}
	if page.Gap {
		c.logger.Warn().Str("since", since).Msg("notification cursor expired, events were missed")
	}
	return &page, nil
}

// Connect opens the live event stream.
func (c *Client) Connect(ctx context.Context) (*wirews.Conn, error) {
	if c.wsURL == "" {
		return nil, errors.New("connect: no websocket url configured")
	}
	u := c.wsURL + "/await"
	if c.clientID != "" {
		u += "?client=" + url.QueryEscape(c.clientID)
	}
	opts := append([]wirews.Option{
		wirews.WithHeaders(http.Header{"Authorization": {"Bearer " + c.token}}),
	}, c.wsOpts...)
	conn, err := wirews.Dial(ctx, u, c.tlsConfig, opts...)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	return conn, nil
}
