package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointgo/store"
)

// fakeStateClient keeps room state in memory and records every state
// event sent, so tests can assert on write traffic.
type fakeStateClient struct {
	mu    sync.Mutex
	rooms map[string]string                     // alias -> room id
	state map[string]map[string]json.RawMessage // room id -> state key -> content
	sends []string                              // state keys sent, in order
}

func newFakeStateClient() *fakeStateClient {
	return &fakeStateClient{
		rooms: make(map[string]string),
		state: make(map[string]map[string]json.RawMessage),
	}
}

func (f *fakeStateClient) ResolveRoom(ctx context.Context, alias string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roomID, ok := f.rooms[alias]
	if !ok {
		return "", fmt.Errorf("%w: %s", errNoRoom, alias)
	}
	return roomID, nil
}

func (f *fakeStateClient) EnsureRoom(ctx context.Context, alias string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if roomID, ok := f.rooms[alias]; ok {
		return roomID, nil
	}
	roomID := fmt.Sprintf("!room%d:test", len(f.rooms)+1)
	f.rooms[alias] = roomID
	f.state[roomID] = make(map[string]json.RawMessage)
	return roomID, nil
}

func (f *fakeStateClient) FullState(ctx context.Context, roomID string) ([]StateEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []StateEvent
	for key, content := range f.state[roomID] {
		events = append(events, StateEvent{Type: recordEventType, StateKey: key, Content: content})
	}
	return events, nil
}

func (f *fakeStateClient) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state[roomID] == nil {
		f.state[roomID] = make(map[string]json.RawMessage)
	}
	f.state[roomID][stateKey] = data
	f.sends = append(f.sends, stateKey)
	return nil
}

func (f *fakeStateClient) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeStateClient) dropKey(roomID, stateKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state[roomID], stateKey)
}

func newTestStore(t *testing.T) (*fakeStateClient, *MatrixCheckpointStore) {
	t.Helper()
	client := newFakeStateClient()
	cs := NewMatrixCheckpointStoreWithClient(client, MatrixOptions{
		ServerName:  "test",
		LockTimeout: time.Second,
	})
	return client, cs
}

func TestMatrixCheckpointStore_PutAndGetTuple(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp := store.NewCheckpoint("", map[string]any{"messages": []string{"hello"}}, nil)
	id, err := cs.Put(ctx, addr, cp, &store.CheckpointMetadata{Source: store.SourceInput, Step: 0})
	require.NoError(t, err)

	tuple, err := cs.GetTuple(ctx, addr, id)
	require.NoError(t, err)
	assert.Equal(t, id, tuple.Checkpoint.ID)
	assert.Equal(t, []any{"hello"}, tuple.Checkpoint.ChannelValues["messages"])
	assert.Equal(t, store.SourceInput, tuple.Metadata.Source)
}

func TestMatrixCheckpointStore_PutIsIdempotent(t *testing.T) {
	client, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp := store.NewCheckpoint("", map[string]any{"messages": []string{"hello"}}, nil)
	_, err := cs.Put(ctx, addr, cp, nil)
	require.NoError(t, err)
	sent := client.sendCount()

	// Same commit replayed after a crash sends nothing new.
	_, err = cs.Put(ctx, addr, cp, nil)
	require.NoError(t, err)
	assert.Equal(t, sent, client.sendCount())
}

func TestMatrixCheckpointStore_ParentNotFound(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp := store.NewCheckpoint("no-such-parent", map[string]any{"x": 1}, nil)
	_, err := cs.Put(ctx, addr, cp, nil)
	assert.ErrorIs(t, err, store.ErrParentNotFound)
}

func TestMatrixCheckpointStore_PutWrites(t *testing.T) {
	client, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp := store.NewCheckpoint("", map[string]any{"messages": []string{}}, nil)
	_, err := cs.Put(ctx, addr, cp, nil)
	require.NoError(t, err)

	err = cs.PutWrites(ctx, addr, "unknown", "task-a", []store.ChannelWrite{
		{Channel: "messages", Value: "x"},
	})
	assert.ErrorIs(t, err, store.ErrUnknownCheckpoint)

	err = cs.PutWrites(ctx, addr, cp.ID, "task-a", []store.ChannelWrite{
		{Channel: "docs", Value: "a0"},
		{Channel: "messages", Value: "a1"},
	})
	require.NoError(t, err)
	sent := client.sendCount()

	// Retrying the identical task sends nothing new.
	err = cs.PutWrites(ctx, addr, cp.ID, "task-a", []store.ChannelWrite{
		{Channel: "docs", Value: "a0"},
		{Channel: "messages", Value: "a1"},
	})
	require.NoError(t, err)
	assert.Equal(t, sent, client.sendCount())

	// A changed value does replace the record.
	err = cs.PutWrites(ctx, addr, cp.ID, "task-a", []store.ChannelWrite{
		{Channel: "docs", Value: "a0-fixed"},
		{Channel: "messages", Value: "a1"},
	})
	require.NoError(t, err)
	assert.Equal(t, sent+1, client.sendCount())

	tuple, err := cs.GetTuple(ctx, addr, cp.ID)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "a0-fixed", tuple.PendingWrites[0].Value)
	assert.Equal(t, "a1", tuple.PendingWrites[1].Value)
}

func TestMatrixCheckpointStore_IncompleteFallsBack(t *testing.T) {
	client, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp1 := store.NewCheckpoint("", map[string]any{"messages": []string{"one"}}, nil)
	_, err := cs.Put(ctx, addr, cp1, nil)
	require.NoError(t, err)

	cp2 := store.NewCheckpoint(cp1.ID, map[string]any{"messages": []string{"one", "two"}}, cp1.ChannelVersions, "messages")
	_, err = cs.Put(ctx, addr, cp2, nil)
	require.NoError(t, err)

	// Simulate the blob event never reaching the room.
	roomID, err := client.ResolveRoom(ctx, cs.threadAlias("thread-1"))
	require.NoError(t, err)
	client.dropKey(roomID, blobStateKey("", "messages", cp2.ChannelVersions["messages"]))

	tuple, err := cs.GetTuple(ctx, addr, "")
	require.NoError(t, err)
	assert.Equal(t, cp1.ID, tuple.Checkpoint.ID, "latest falls back to the older complete checkpoint")

	_, err = cs.GetTuple(ctx, addr, cp2.ID)
	assert.ErrorIs(t, err, store.ErrIncomplete, "explicit id does not fall back")
}

func TestMatrixCheckpointStore_List(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	ids := make([]string, 5)
	parentID := ""
	versions := map[string]string(nil)
	for i := range ids {
		cp := store.NewCheckpoint(parentID, map[string]any{"step": float64(i)}, versions, "step")
		_, err := cs.Put(ctx, addr, cp, &store.CheckpointMetadata{Source: store.SourceLoop, Step: i})
		require.NoError(t, err)
		ids[i] = cp.ID
		parentID = cp.ID
		versions = cp.ChannelVersions
	}

	all, err := cs.List(ctx, addr, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].Checkpoint.ID, "newest first")

	page, err := cs.List(ctx, addr, store.ListOptions{Before: ids[3], Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].Checkpoint.ID)
	assert.Equal(t, ids[1], page[1].Checkpoint.ID)
}

func TestMatrixCheckpointStore_DeleteThread(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()

	root := store.ThreadAddress{ThreadID: "thread-1"}
	child := store.ThreadAddress{ThreadID: "thread-1", Namespace: "child"}
	other := store.ThreadAddress{ThreadID: "thread-2"}

	for _, addr := range []store.ThreadAddress{root, child, other} {
		cp := store.NewCheckpoint("", map[string]any{"x": float64(1)}, nil)
		_, err := cs.Put(ctx, addr, cp, nil)
		require.NoError(t, err)
	}

	require.NoError(t, cs.DeleteThread(ctx, "thread-1"))

	_, err := cs.GetTuple(ctx, root, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = cs.GetTuple(ctx, child, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = cs.GetTuple(ctx, other, "")
	assert.NoError(t, err, "other threads are untouched")

	// Deleting a thread that never existed is a no-op.
	assert.NoError(t, cs.DeleteThread(ctx, "thread-3"))
}

func TestMatrixCheckpointStore_LockTimeout(t *testing.T) {
	_, cs := newTestStore(t)
	cs.lockTimeout = 50 * time.Millisecond
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	require.NoError(t, cs.locks.lock(ctx, addr.String(), time.Second))
	defer cs.locks.unlock(addr.String())

	cp := store.NewCheckpoint("", map[string]any{"x": 1}, nil)
	_, err := cs.Put(ctx, addr, cp, nil)
	assert.ErrorIs(t, err, store.ErrAddressLockTimeout)
}

func TestMatrixCheckpointStore_ConcurrentPutWrites(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp := store.NewCheckpoint("", map[string]any{"messages": []string{}}, nil)
	_, err := cs.Put(ctx, addr, cp, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, taskID := range []string{"task-a", "task-b"} {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			err := cs.PutWrites(ctx, addr, cp.ID, taskID, []store.ChannelWrite{
				{Channel: "docs", Value: taskID},
			})
			assert.NoError(t, err)
		}(taskID)
	}
	wg.Wait()

	tuple, err := cs.GetTuple(ctx, addr, cp.ID)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "task-a", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, "task-b", tuple.PendingWrites[1].TaskID)
}

func TestStateKeyRoundTrip(t *testing.T) {
	key := writeStateKey("ns/with/slashes", "cp-1", "task a", "chan:nel", 3)
	parts, err := splitKey(key)
	require.NoError(t, err)
	assert.Equal(t, []string{"writes", "ns/with/slashes", "cp-1", "task a", "chan:nel", "3"}, parts)
}
