package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointgo/store"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *RedisCheckpointStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cs := NewRedisCheckpointStore(RedisOptions{Addr: mr.Addr()})
	t.Cleanup(func() { cs.Close() })
	return mr, cs
}

func TestRedisCheckpointStore_PutAndGetTuple(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp := store.NewCheckpoint("", map[string]any{"messages": []string{"hello"}}, nil)
	id, err := cs.Put(ctx, addr, cp, &store.CheckpointMetadata{Source: store.SourceInput, Step: 0})
	require.NoError(t, err)
	assert.Equal(t, cp.ID, id)

	tuple, err := cs.GetTuple(ctx, addr, id)
	require.NoError(t, err)
	assert.Equal(t, id, tuple.Checkpoint.ID)
	assert.Equal(t, []any{"hello"}, tuple.Checkpoint.ChannelValues["messages"])
	assert.Equal(t, store.SourceInput, tuple.Metadata.Source)
}

func TestRedisCheckpointStore_LatestIsGreatestID(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	parentID := ""
	versions := map[string]string(nil)
	var lastID string
	for step := 0; step < 4; step++ {
		cp := store.NewCheckpoint(parentID, map[string]any{"step": float64(step)}, versions, "step")
		_, err := cs.Put(ctx, addr, cp, &store.CheckpointMetadata{Source: store.SourceLoop, Step: step})
		require.NoError(t, err)
		parentID = cp.ID
		versions = cp.ChannelVersions
		lastID = cp.ID
	}

	tuple, err := cs.GetTuple(ctx, addr, "")
	require.NoError(t, err)
	assert.Equal(t, lastID, tuple.Checkpoint.ID)
}

func TestRedisCheckpointStore_ParentNotFound(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp := store.NewCheckpoint("no-such-parent", map[string]any{"x": 1}, nil)
	_, err := cs.Put(ctx, addr, cp, nil)
	assert.ErrorIs(t, err, store.ErrParentNotFound)
}

func TestRedisCheckpointStore_PutWrites(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp := store.NewCheckpoint("", map[string]any{"messages": []string{}}, nil)
	_, err := cs.Put(ctx, addr, cp, nil)
	require.NoError(t, err)

	err = cs.PutWrites(ctx, addr, "unknown", "task-a", []store.ChannelWrite{
		{Channel: "messages", Value: "x"},
	})
	assert.ErrorIs(t, err, store.ErrUnknownCheckpoint)

	require.NoError(t, cs.PutWrites(ctx, addr, cp.ID, "task-b", []store.ChannelWrite{
		{Channel: "docs", Value: "b0"},
	}))
	require.NoError(t, cs.PutWrites(ctx, addr, cp.ID, "task-a", []store.ChannelWrite{
		{Channel: "docs", Value: "a0"},
		{Channel: "messages", Value: "a1"},
	}))
	// Retry of the same task replaces its entries.
	require.NoError(t, cs.PutWrites(ctx, addr, cp.ID, "task-b", []store.ChannelWrite{
		{Channel: "docs", Value: "b0-retry"},
	}))

	tuple, err := cs.GetTuple(ctx, addr, cp.ID)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 3)
	assert.Equal(t, "a0", tuple.PendingWrites[0].Value)
	assert.Equal(t, "a1", tuple.PendingWrites[1].Value)
	assert.Equal(t, "b0-retry", tuple.PendingWrites[2].Value)
}

func TestRedisCheckpointStore_IncompleteFallsBack(t *testing.T) {
	mr, cs := newTestStore(t)
	ctx := context.Background()
	addr := store.ThreadAddress{ThreadID: "thread-1"}

	cp1 := store.NewCheckpoint("", map[string]any{"messages": []string{"one"}}, nil)
	_, err := cs.Put(ctx, addr, cp1, nil)
	require.NoError(t, err)

	cp2 := store.NewCheckpoint(cp1.ID, map[string]any{"messages": []string{"one", "two"}}, cp1.ChannelVersions, "messages")
	_, err = cs.Put(ctx, addr, cp2, nil)
	require.NoError(t, err)

	// Simulate a crash that lost cp2's blob but kept its row.
	mr.Del(cs.blobKey(addr, "messages", cp2.ChannelVersions["messages"]))

	tuple, err := cs.GetTuple(ctx, addr, "")
	require.NoError(t, err)
	assert.Equal(t, cp1.ID, tuple.Checkpoint.ID, "latest falls back to the older complete checkpoint")

	_, err = cs.GetTuple(ctx, addr, cp2.ID)
	assert.ErrorIs(t, err, store.ErrIncomplete, "explicit id does not fall back")
}

func TestRedisCheckpointStore_List(t *testing.T) {
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

func TestRedisCheckpointStore_DeleteThread(t *testing.T) {
	_, cs := newTestStore(t)
	ctx := context.Background()

	root := store.ThreadAddress{ThreadID: "thread-1"}
	child := store.ThreadAddress{ThreadID: "thread-1", Namespace: "child"}
	other := store.ThreadAddress{ThreadID: "thread-2"}

	for _, addr := range []store.ThreadAddress{root, child, other} {
		cp := store.NewCheckpoint("", map[string]any{"x": float64(1)}, nil)
		_, err := cs.Put(ctx, addr, cp, nil)
		require.NoError(t, err)
		require.NoError(t, cs.PutWrites(ctx, addr, cp.ID, "task-a", []store.ChannelWrite{
			{Channel: "x", Value: "w"},
		}))
	}

	require.NoError(t, cs.DeleteThread(ctx, "thread-1"))

	_, err := cs.GetTuple(ctx, root, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = cs.GetTuple(ctx, child, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = cs.GetTuple(ctx, other, "")
	assert.NoError(t, err, "other threads are untouched")
}
