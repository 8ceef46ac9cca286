package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/checkpointgo/store"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *PostgresCheckpointStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPostgresCheckpointStoreWithPool(mock, "checkpoint")
}

func TestPostgresCheckpointStore_InitSchema(t *testing.T) {
	mock, cs := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoints").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	err := cs.InitSchema(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_Put(t *testing.T) {
	mock, cs := newMockStore(t)

	addr := store.ThreadAddress{ThreadID: "thread-1"}
	cp := store.NewCheckpoint("", map[string]any{"messages": []string{"hi"}}, nil)
	meta := &store.CheckpointMetadata{Source: store.SourceInput, Step: 0}

	versionsJSON, _ := json.Marshal(cp.ChannelVersions)
	metadataJSON, _ := json.Marshal(meta)

	mock.ExpectBegin()
	// Blobs land before the checkpoint row.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_blobs")).
		WithArgs("thread-1", "", "messages", store.FirstVersion(), store.TypeTagJSON, []byte(`["hi"]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("thread-1", "", cp.ID, (*string)(nil), versionsJSON, metadataJSON, cp.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, err := cs.Put(context.Background(), addr, cp, meta)
	assert.NoError(t, err)
	assert.Equal(t, cp.ID, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_Put_ParentNotFound(t *testing.T) {
	mock, cs := newMockStore(t)

	addr := store.ThreadAddress{ThreadID: "thread-1"}
	cp := store.NewCheckpoint("missing-parent", map[string]any{"messages": []string{"hi"}}, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM checkpoints")).
		WithArgs("thread-1", "", "missing-parent").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := cs.Put(context.Background(), addr, cp, nil)
	assert.ErrorIs(t, err, store.ErrParentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutWrites(t *testing.T) {
	mock, cs := newMockStore(t)

	addr := store.ThreadAddress{ThreadID: "thread-1"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM checkpoints")).
		WithArgs("thread-1", "", "cp-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_writes")).
		WithArgs("thread-1", "", "cp-1", "task-a", "messages", 0, store.TypeTagJSON, []byte(`["partial"]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoint_writes")).
		WithArgs("thread-1", "", "cp-1", "task-a", "docs", 1, store.TypeTagJSON, []byte(`["a.txt"]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := cs.PutWrites(context.Background(), addr, "cp-1", "task-a", []store.ChannelWrite{
		{Channel: "messages", Value: []string{"partial"}},
		{Channel: "docs", Value: []string{"a.txt"}},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_PutWrites_UnknownCheckpoint(t *testing.T) {
	mock, cs := newMockStore(t)

	addr := store.ThreadAddress{ThreadID: "thread-1"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM checkpoints")).
		WithArgs("thread-1", "", "nope").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := cs.PutWrites(context.Background(), addr, "nope", "task-a", []store.ChannelWrite{
		{Channel: "messages", Value: "x"},
	})
	assert.ErrorIs(t, err, store.ErrUnknownCheckpoint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_GetTuple_ByID(t *testing.T) {
	mock, cs := newMockStore(t)

	addr := store.ThreadAddress{ThreadID: "thread-1", Namespace: "child"}
	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	versions := map[string]string{"messages": store.FirstVersion()}
	versionsJSON, _ := json.Marshal(versions)
	metadataJSON, _ := json.Marshal(&store.CheckpointMetadata{Source: store.SourceLoop, Step: 3})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id, parent_checkpoint_id, channel_versions, metadata, created_at")).
		WithArgs("thread-1", "child", "cp-1").
		WillReturnRows(pgxmock.NewRows([]string{"checkpoint_id", "parent_checkpoint_id", "channel_versions", "metadata", "created_at"}).
			AddRow("cp-1", (*string)(nil), versionsJSON, metadataJSON, createdAt))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT channel, version, type, blob")).
		WithArgs("thread-1", "child", []string{"messages"}).
		WillReturnRows(pgxmock.NewRows([]string{"channel", "version", "type", "blob"}).
			AddRow("messages", store.FirstVersion(), store.TypeTagJSON, []byte(`["hi"]`)))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT task_id, channel, idx, type, blob")).
		WithArgs("thread-1", "child", "cp-1").
		WillReturnRows(pgxmock.NewRows([]string{"task_id", "channel", "idx", "type", "blob"}).
			AddRow("task-a", "messages", 0, store.TypeTagJSON, []byte(`["partial"]`)))

	tuple, err := cs.GetTuple(context.Background(), addr, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, "cp-1", tuple.Checkpoint.ID)
	assert.Equal(t, []any{"hi"}, tuple.Checkpoint.ChannelValues["messages"])
	assert.Equal(t, store.SourceLoop, tuple.Metadata.Source)
	assert.Equal(t, 3, tuple.Metadata.Step)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "task-a", tuple.PendingWrites[0].TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_GetTuple_NotFound(t *testing.T) {
	mock, cs := newMockStore(t)

	addr := store.ThreadAddress{ThreadID: "thread-1"}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id, parent_checkpoint_id, channel_versions, metadata, created_at")).
		WithArgs("thread-1", "", "cp-missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := cs.GetTuple(context.Background(), addr, "cp-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_GetTuple_IncompleteByID(t *testing.T) {
	mock, cs := newMockStore(t)

	addr := store.ThreadAddress{ThreadID: "thread-1"}
	versions := map[string]string{"messages": store.FirstVersion()}
	versionsJSON, _ := json.Marshal(versions)
	metadataJSON, _ := json.Marshal(&store.CheckpointMetadata{})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT checkpoint_id, parent_checkpoint_id, channel_versions, metadata, created_at")).
		WithArgs("thread-1", "", "cp-1").
		WillReturnRows(pgxmock.NewRows([]string{"checkpoint_id", "parent_checkpoint_id", "channel_versions", "metadata", "created_at"}).
			AddRow("cp-1", (*string)(nil), versionsJSON, metadataJSON, time.Now()))

	// The referenced blob never made it.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT channel, version, type, blob")).
		WithArgs("thread-1", "", []string{"messages"}).
		WillReturnRows(pgxmock.NewRows([]string{"channel", "version", "type", "blob"}))

	_, err := cs.GetTuple(context.Background(), addr, "cp-1")
	assert.ErrorIs(t, err, store.ErrIncomplete)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_DeleteThread(t *testing.T) {
	mock, cs := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT checkpoint_ns FROM checkpoints")).
		WithArgs("thread-1").
		WillReturnRows(pgxmock.NewRows([]string{"checkpoint_ns"}).AddRow("").AddRow("child"))

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoint_writes")).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoint_blobs")).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints")).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectCommit()
	}

	err := cs.DeleteThread(context.Background(), "thread-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
