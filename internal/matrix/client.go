// Package matrix is a thin HTTP client for the Matrix client-server API,
// covering only what the orchestrator needs: identity checks, room and
// space management, long-poll sync, and message sends.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roomspark/roomspark/internal/common/logger"
)

const (
	maxAttempts    = 5
	maxMessageSize = 30000

	msgTypeText   = "m.text"
	msgTypeNotice = "m.notice"
)

// ChatError is returned for any failed chat API call.
type ChatError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("matrix %s: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("matrix %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("matrix %s: status %d", e.Op, e.StatusCode)
}

func (e *ChatError) Unwrap() error { return e.Err }

// Config holds the client connection settings.
type Config struct {
	HomeserverURL string
	UserID        string
	AccessToken   string
	Password      string
}

// Client talks to a single homeserver with bearer auth and a bounded
// retry loop around every request.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	userID      string
	accessToken string
	logger      *logger.Logger

	txnCounter atomic.Uint64
	txnPrefix  string

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// NewClient creates a client. When only a password is configured, Login
// must be called before any authenticated operation.
func NewClient(cfg Config, log *logger.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		baseURL:     NormalizeHomeserverURL(cfg.HomeserverURL),
		userID:      cfg.UserID,
		accessToken: cfg.AccessToken,
		txnPrefix:   "roomspark",
		sleep:       time.Sleep,
		logger:      log.WithFields(zap.String("component", "matrix")),
	}
}

var wellKnownSuffixes = []string{"/_matrix/static", "/_matrix/client"}

var clientVersionSuffix = regexp.MustCompile(`/_matrix/client/v\d+$`)

// NormalizeHomeserverURL strips trailing slashes, query, fragment, and any
// trailing well-known client path so endpoint paths can be joined onto a
// clean base.
func NormalizeHomeserverURL(raw string) string {
	s := raw
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if m := clientVersionSuffix.FindStringIndex(s); m != nil {
		s = s[:m[0]]
	}
	for _, suffix := range wellKnownSuffixes {
		s = strings.TrimSuffix(s, suffix)
	}
	return strings.TrimRight(s, "/")
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string { return c.userID }

// AccessToken returns the current access token.
func (c *Client) AccessToken() string { return c.accessToken }

// HomeserverURL returns the normalized base URL.
func (c *Client) HomeserverURL() string { return c.baseURL }

// serverName infers the homeserver's server name for via lists, preferring
// the user ID suffix over the URL host.
func (c *Client) serverName() string {
	if i := strings.Index(c.userID, ":"); i >= 0 && i+1 < len(c.userID) {
		return c.userID[i+1:]
	}
	if u, err := url.Parse(c.baseURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return c.baseURL
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/_matrix/client" + path
}

// doJSON performs one API call under the retry policy: up to maxAttempts
// attempts, sleeping on 429 responses, failing immediately on any other
// non-2xx status.
func (c *Client) doJSON(ctx context.Context, op, method, urlStr string, body any, out any, authed bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &ChatError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
		if err != nil {
			return &ChatError{Op: op, Err: err}
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if authed {
			req.Header.Set("Authorization", "Bearer "+c.accessToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &ChatError{Op: op, Err: err}
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			return &ChatError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return &ChatError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
				}
			}
			return nil
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxAttempts {
			delay := c.rateLimitDelay(respBody, attempt)
			c.logger.Warn("rate limited, backing off",
				zap.String("op", op),
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt))
			c.sleep(delay)
			continue
		}

		return &ChatError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(respBody), 500)}
	}
	return &ChatError{Op: op, StatusCode: http.StatusTooManyRequests, Body: "rate limit retries exhausted"}
}

// rateLimitDelay honors retry_after_ms when the server provides it
// (floored at 250ms), otherwise backs off linearly capped at 8s.
func (c *Client) rateLimitDelay(body []byte, attempt int) time.Duration {
	var rl rateLimitBody
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfterMs != nil {
		d := time.Duration(*rl.RetryAfterMs) * time.Millisecond
		if d < 250*time.Millisecond {
			d = 250 * time.Millisecond
		}
		return d
	}
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}

// Login exchanges the configured password for an access token. Fails when
// the response is missing either the token or the user ID.
func (c *Client) Login(ctx context.Context, password string) error {
	body := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": c.userID,
		},
		"password": password,
	}
	var resp loginResponse
	if err := c.doJSON(ctx, "login", http.MethodPost, c.endpoint("/v3/login"), body, &resp, false); err != nil {
		return err
	}
	if resp.AccessToken == "" || resp.UserID == "" {
		return &ChatError{Op: "login", Err: fmt.Errorf("login response missing access_token or user_id")}
	}
	c.accessToken = resp.AccessToken
	c.userID = resp.UserID
	return nil
}

// VerifyConnection probes the unauthenticated versions endpoint and then
// confirms the access token resolves to the configured bot identity.
func (c *Client) VerifyConnection(ctx context.Context) error {
	var versions versionsResponse
	if err := c.doJSON(ctx, "versions", http.MethodGet, c.baseURL+"/_matrix/client/versions", nil, &versions, false); err != nil {
		return err
	}
	if len(versions.Versions) == 0 {
		return &ChatError{Op: "versions", Err: fmt.Errorf("homeserver reported no supported versions")}
	}

	var who whoamiResponse
	if err := c.doJSON(ctx, "whoami", http.MethodGet, c.endpoint("/v3/account/whoami"), nil, &who, true); err != nil {
		return err
	}
	if who.UserID != c.userID {
		return &ChatError{Op: "whoami", Err: fmt.Errorf("homeserver returned identity %q, expected %q", who.UserID, c.userID)}
	}
	return nil
}

// EnsureJoinedRoom joins the room unless the bot is already a member.
func (c *Client) EnsureJoinedRoom(ctx context.Context, roomID string) error {
	var joined joinedRoomsResponse
	if err := c.doJSON(ctx, "joined_rooms", http.MethodGet, c.endpoint("/v3/joined_rooms"), nil, &joined, true); err != nil {
		return err
	}
	for _, id := range joined.JoinedRooms {
		if id == roomID {
			return nil
		}
	}
	return c.doJSON(ctx, "join", http.MethodPost,
		c.endpoint("/v3/join/"+url.PathEscape(roomID)), map[string]any{}, nil, true)
}

func (c *Client) createRoom(ctx context.Context, name, topic string, invites []string, asSpace bool) (string, error) {
	body := map[string]any{
		"name":       name,
		"preset":     "private_chat",
		"visibility": "private",
	}
	if topic != "" {
		body["topic"] = topic
	}
	if len(invites) > 0 {
		body["invite"] = invites
	}
	if asSpace {
		body["creation_content"] = map[string]any{"type": "m.space"}
	}
	var resp createRoomResponse
	if err := c.doJSON(ctx, "createRoom", http.MethodPost, c.endpoint("/v3/createRoom"), body, &resp, true); err != nil {
		return "", err
	}
	if resp.RoomID == "" {
		return "", &ChatError{Op: "createRoom", Err: fmt.Errorf("createRoom response missing room_id")}
	}
	return resp.RoomID, nil
}

// CreateSpace creates a private space and returns its room ID.
func (c *Client) CreateSpace(ctx context.Context, name, topic string, invites []string) (string, error) {
	return c.createRoom(ctx, name, topic, invites, true)
}

// CreateRoom creates a private room and returns its room ID.
func (c *Client) CreateRoom(ctx context.Context, name, topic string, invites []string) (string, error) {
	return c.createRoom(ctx, name, topic, invites, false)
}

// LinkRoomUnderSpace sets the bidirectional space hierarchy state events.
func (c *Client) LinkRoomUnderSpace(ctx context.Context, parentID, childID string) error {
	via := []string{c.serverName()}

	childURL := c.endpoint("/v3/rooms/" + url.PathEscape(parentID) + "/state/m.space.child/" + url.PathEscape(childID))
	if err := c.doJSON(ctx, "space.child", http.MethodPut, childURL, map[string]any{"via": via}, nil, true); err != nil {
		return err
	}

	parentURL := c.endpoint("/v3/rooms/" + url.PathEscape(childID) + "/state/m.space.parent/" + url.PathEscape(parentID))
	return c.doJSON(ctx, "space.parent", http.MethodPut, parentURL,
		map[string]any{"via": via, "canonical": true}, nil, true)
}

// EnsureInvites invites the given users, skipping anyone already joined or
// invited.
func (c *Client) EnsureInvites(ctx context.Context, roomID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	var members membersResponse
	membersURL := c.endpoint("/v3/rooms/" + url.PathEscape(roomID) + "/members")
	if err := c.doJSON(ctx, "members", http.MethodGet, membersURL, nil, &members, true); err != nil {
		return err
	}

	present := make(map[string]bool)
	for _, m := range members.Chunk {
		if m.Content.Membership == "join" || m.Content.Membership == "invite" {
			present[m.StateKey] = true
		}
	}

	inviteURL := c.endpoint("/v3/rooms/" + url.PathEscape(roomID) + "/invite")
	for _, userID := range userIDs {
		if present[userID] {
			continue
		}
		if err := c.doJSON(ctx, "invite", http.MethodPost, inviteURL, map[string]any{"user_id": userID}, nil, true); err != nil {
			return err
		}
	}
	return nil
}

// Sync long-polls for new timeline events in the given rooms, filtered to
// message events. A zero timeout returns immediately, which is how the
// scheduler primes its resume token.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration, roomIDs []string) (*SyncResponse, error) {
	filter := map[string]any{
		"room": map[string]any{
			"rooms": roomIDs,
			"timeline": map[string]any{
				"types": []string{"m.room.message"},
			},
			"state":     map[string]any{"types": []string{}},
			"ephemeral": map[string]any{"types": []string{}},
		},
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, &ChatError{Op: "sync", Err: err}
	}

	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	q.Set("filter", string(filterJSON))
	if since != "" {
		q.Set("since", since)
	}

	var resp SyncResponse
	if err := c.doJSON(ctx, "sync", http.MethodGet, c.endpoint("/v3/sync")+"?"+q.Encode(), nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage sends a text message, idempotent via a monotonically
// increasing transaction ID. Bodies longer than 30,000 characters are
// truncated. When threadRootEventID is set the message carries thread
// relation metadata with a fallback reply pointer.
func (c *Client) SendMessage(ctx context.Context, roomID, text, msgType, threadRootEventID string) (string, error) {
	if msgType == "" {
		msgType = msgTypeText
	}
	content := map[string]any{
		"msgtype": msgType,
		"body":    truncate(text, maxMessageSize),
	}
	if threadRootEventID != "" {
		content["m.relates_to"] = map[string]any{
			"rel_type":        "m.thread",
			"event_id":        threadRootEventID,
			"is_falling_back": true,
			"m.in_reply_to":   map[string]any{"event_id": threadRootEventID},
		}
	}

	txnID := fmt.Sprintf("%s-%d-%d", c.txnPrefix, time.Now().UnixMilli(), c.txnCounter.Add(1))
	sendURL := c.endpoint("/v3/rooms/" + url.PathEscape(roomID) + "/send/m.room.message/" + url.PathEscape(txnID))

	var resp sendResponse
	if err := c.doJSON(ctx, "send", http.MethodPut, sendURL, content, &resp, true); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// SendNotice sends an m.notice message.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) (string, error) {
	return c.SendMessage(ctx, roomID, text, msgTypeNotice, "")
}

// LeaveAndForget leaves and forgets the room; both calls are best-effort.
func (c *Client) LeaveAndForget(ctx context.Context, roomID string) {
	leaveURL := c.endpoint("/v3/rooms/" + url.PathEscape(roomID) + "/leave")
	if err := c.doJSON(ctx, "leave", http.MethodPost, leaveURL, map[string]any{}, nil, true); err != nil {
		c.logger.Debug("leave failed", zap.String("room_id", roomID), zap.Error(err))
	}
	forgetURL := c.endpoint("/v3/rooms/" + url.PathEscape(roomID) + "/forget")
	if err := c.doJSON(ctx, "forget", http.MethodPost, forgetURL, map[string]any{}, nil, true); err != nil {
		c.logger.Debug("forget failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
