package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointgo/store"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPStateClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPStateClient(ClientOptions{
		HomeserverURL: server.URL,
		AccessToken:   "secret-token",
		MaxRetries:    2,
	})
}

func TestHTTPStateClient_EnsureRoom_CreatesWhenMissing(t *testing.T) {
	var created atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/_matrix/client/v3/directory/room/#checkpoint_t1:test":
			if created.Load() {
				json.NewEncoder(w).Encode(map[string]string{"room_id": "!abc:test"})
				return
			}
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND"})

		case r.Method == http.MethodPost && r.URL.Path == "/_matrix/client/v3/createRoom":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "checkpoint_t1", body["room_alias_name"])
			created.Store(true)
			json.NewEncoder(w).Encode(map[string]string{"room_id": "!abc:test"})

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	})
	client := newTestClient(t, handler)

	roomID, err := client.EnsureRoom(context.Background(), "#checkpoint_t1:test")
	require.NoError(t, err)
	assert.Equal(t, "!abc:test", roomID)

	// Second call resolves without creating again.
	roomID, err = client.EnsureRoom(context.Background(), "#checkpoint_t1:test")
	require.NoError(t, err)
	assert.Equal(t, "!abc:test", roomID)
}

func TestHTTPStateClient_RetriesRateLimit(t *testing.T) {
	var attempts atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{"errcode": "M_LIMIT_EXCEEDED"})
			return
		}
		json.NewEncoder(w).Encode([]StateEvent{})
	})
	client := newTestClient(t, handler)

	events, err := client.FullState(context.Background(), "!abc:test")
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHTTPStateClient_AuthErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "bad token"})
	})
	client := newTestClient(t, handler)

	_, err := client.FullState(context.Background(), "!abc:test")
	var authErr *store.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Equal(t, "bad token", authErr.Message)
	assert.Equal(t, int32(1), attempts.Load(), "auth failures burn no retries")
}

func TestHTTPStateClient_TransientAfterBudget(t *testing.T) {
	var attempts atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := newTestClient(t, handler)

	err := client.SendStateEvent(context.Background(), "!abc:test", recordEventType, "checkpoints//cp-1", map[string]string{"x": "y"})
	var transient *store.TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 3, transient.Attempts, "initial attempt plus two retries")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestHTTPStateClient_SendStateEvent_EscapesPath(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		// The raw path keeps the state key's internal slashes escaped.
		assert.Contains(t, r.URL.RawPath, "blobs%2F%2Fmessages%2F")
		json.NewEncoder(w).Encode(map[string]string{"event_id": "$ev1"})
	})
	client := newTestClient(t, handler)

	err := client.SendStateEvent(context.Background(), "!abc:test", recordEventType,
		"blobs//messages/"+store.FirstVersion(), map[string]string{"type": "json"})
	assert.NoError(t, err)
}
