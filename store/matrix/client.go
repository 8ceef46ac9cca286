package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/store"
)

// StateEvent is one state event as returned by the homeserver.
type StateEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

// StateClient is the slice of the Matrix client-server API the checkpoint
// store needs. Tests substitute an in-memory implementation.
type StateClient interface {
	// ResolveRoom maps a room alias to a room id, or errNoRoom.
	ResolveRoom(ctx context.Context, alias string) (string, error)

	// EnsureRoom resolves the alias, creating the room when it does not
	// exist yet.
	EnsureRoom(ctx context.Context, alias string) (string, error)

	// FullState returns every current state event of the room.
	FullState(ctx context.Context, roomID string) ([]StateEvent, error)

	// SendStateEvent puts a state event, replacing any previous event with
	// the same type and state key.
	SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) error
}

// errNoRoom reports that an alias does not resolve. The store maps it to
// store.ErrNotFound on read paths and to room creation on write paths.
var errNoRoom = errors.New("room not found")

// HTTPStateClient implements StateClient over the Matrix client-server
// HTTP API. Rate limits (429) and server errors (5xx) are retried with
// exponential backoff; authentication failures are never retried.
type HTTPStateClient struct {
	homeserverURL string
	accessToken   string
	httpClient    *http.Client
	maxRetries    uint64
	logger        log.Logger
}

// ClientOptions configuration for the Matrix HTTP client
type ClientOptions struct {
	HomeserverURL string // e.g. "https://matrix.example.org"
	AccessToken   string
	HTTPClient    *http.Client // optional, default 30s timeout
	MaxRetries    int          // retry budget for transient failures, default 5
}

// NewHTTPStateClient creates a Matrix client-server API client
func NewHTTPStateClient(opts ClientOptions) *HTTPStateClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &HTTPStateClient{
		homeserverURL: strings.TrimRight(opts.HomeserverURL, "/"),
		accessToken:   opts.AccessToken,
		httpClient:    httpClient,
		maxRetries:    uint64(maxRetries),
		logger:        log.GetDefaultLogger(),
	}
}

// SetLogger replaces the client's logger
func (c *HTTPStateClient) SetLogger(logger log.Logger) {
	c.logger = logger
}

// matrixError is the error body the homeserver returns alongside non-2xx
// statuses.
type matrixError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

// ResolveRoom maps a room alias to its room id.
func (c *HTTPStateClient) ResolveRoom(ctx context.Context, alias string) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias)
	if err := c.do(ctx, "resolve room", http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// EnsureRoom resolves the alias, creating a private room for it when it
// does not exist. A create that loses the race to another process falls
// back to resolving again.
func (c *HTTPStateClient) EnsureRoom(ctx context.Context, alias string) (string, error) {
	roomID, err := c.ResolveRoom(ctx, alias)
	if err == nil {
		return roomID, nil
	}
	if !errors.Is(err, errNoRoom) {
		return "", err
	}

	localpart := alias
	localpart = strings.TrimPrefix(localpart, "#")
	if i := strings.LastIndex(localpart, ":"); i >= 0 {
		localpart = localpart[:i]
	}

	body := map[string]any{
		"room_alias_name": localpart,
		"preset":          "private_chat",
	}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	err = c.do(ctx, "create room", http.MethodPost, "/_matrix/client/v3/createRoom", body, &resp)
	if err == nil {
		c.logger.Info("created room %s for alias %s", resp.RoomID, alias)
		return resp.RoomID, nil
	}
	if errors.Is(err, errAliasTaken) {
		return c.ResolveRoom(ctx, alias)
	}
	return "", err
}

// errAliasTaken reports M_ROOM_IN_USE from createRoom: another process
// created the room first.
var errAliasTaken = errors.New("room alias already taken")

// FullState returns the room's current state events.
func (c *HTTPStateClient) FullState(ctx context.Context, roomID string) ([]StateEvent, error) {
	var events []StateEvent
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/state"
	if err := c.do(ctx, "full state", http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// SendStateEvent puts one state event.
func (c *HTTPStateClient) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/state/" + url.PathEscape(eventType) + "/" + url.PathEscape(stateKey)
	return c.do(ctx, "send state event", http.MethodPut, path, content, nil)
}

// do runs one request with the retry policy. 429 and 5xx responses are
// retried up to the budget, then surfaced as store.TransientError; 401 and
// 403 become store.AuthError immediately.
func (c *HTTPStateClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
	}

	attempts := 0
	operation := func() error {
		attempts++

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.homeserverURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network errors are retryable
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
				}
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			var merr matrixError
			json.Unmarshal(respBody, &merr)
			return backoff.Permanent(&store.AuthError{
				Op:         op,
				StatusCode: resp.StatusCode,
				Message:    merr.Message,
			})

		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", errNoRoom, path))

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.logger.Debug("%s: status %d, retrying", op, resp.StatusCode)
			return fmt.Errorf("status %d: %s", resp.StatusCode, respBody)

		default:
			var merr matrixError
			json.Unmarshal(respBody, &merr)
			if merr.Code == "M_ROOM_IN_USE" {
				return backoff.Permanent(fmt.Errorf("%w: %s", errAliasTaken, merr.Message))
			}
			return backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), c.maxRetries), ctx)
	err := backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}

	var authErr *store.AuthError
	if errors.As(err, &authErr) || errors.Is(err, errNoRoom) || errors.Is(err, errAliasTaken) {
		return err
	}
	if attempts > 1 {
		return &store.TransientError{Op: op, Attempts: attempts, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}
