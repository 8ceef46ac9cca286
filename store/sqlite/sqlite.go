package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/checkpointgo/store"
)

// SqliteCheckpointStore implements store.CheckpointStore using SQLite.
// Like the Postgres adapter, Put runs the blob and checkpoint statements
// inside one transaction.
type SqliteCheckpointStore struct {
	db          *sql.DB
	tablePrefix string
	serde       *store.Serde
}

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	Path        string
	TablePrefix string // Default "checkpoint", producing checkpoint_* tables
}

var _ store.CheckpointStore = (*SqliteCheckpointStore)(nil)

// NewSqliteCheckpointStore creates a new SQLite checkpoint store
func NewSqliteCheckpointStore(opts SqliteOptions) (*SqliteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	tablePrefix := opts.TablePrefix
	if tablePrefix == "" {
		tablePrefix = "checkpoint"
	}

	cs := &SqliteCheckpointStore{
		db:          db,
		tablePrefix: tablePrefix,
		serde:       store.NewSerde(),
	}

	if err := cs.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return cs, nil
}

func (s *SqliteCheckpointStore) checkpointsTable() string {
	return s.tablePrefix + "s"
}

func (s *SqliteCheckpointStore) blobsTable() string {
	return s.tablePrefix + "_blobs"
}

func (s *SqliteCheckpointStore) writesTable() string {
	return s.tablePrefix + "_writes"
}

// InitSchema creates the necessary tables if they don't exist
func (s *SqliteCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			channel_versions TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		);
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			version TEXT NOT NULL,
			type TEXT NOT NULL,
			blob BLOB,
			PRIMARY KEY (thread_id, checkpoint_ns, channel, version)
		);
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			idx INTEGER NOT NULL,
			type TEXT NOT NULL,
			blob BLOB NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, channel, idx)
		);
	`, s.checkpointsTable(), s.blobsTable(), s.writesTable())

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SqliteCheckpointStore) Close() error {
	return s.db.Close()
}

// Put stores a checkpoint and its channel blobs in one transaction.
func (s *SqliteCheckpointStore) Put(ctx context.Context, addr store.ThreadAddress, checkpoint *store.Checkpoint, metadata *store.CheckpointMetadata) (string, error) {
	encoded, err := s.serde.Encode(checkpoint.ChannelValues, checkpoint.ChannelVersions)
	if err != nil {
		return "", err
	}

	versionsJSON, err := json.Marshal(checkpoint.ChannelVersions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal channel versions: %w", err)
	}

	if metadata == nil {
		metadata = &store.CheckpointMetadata{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if checkpoint.ParentID != "" {
		query := fmt.Sprintf(`
			SELECT 1 FROM %s
			WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		`, s.checkpointsTable())

		var one int
		err := tx.QueryRowContext(ctx, query, addr.ThreadID, addr.Namespace, checkpoint.ParentID).Scan(&one)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return "", fmt.Errorf("put %s: %w: %s", addr, store.ErrParentNotFound, checkpoint.ParentID)
			}
			return "", fmt.Errorf("failed to check parent checkpoint: %w", err)
		}
	}

	blobQuery := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, channel, version, type, blob)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, channel, version) DO NOTHING
	`, s.blobsTable())

	channels := make([]string, 0, len(encoded))
	for channel := range encoded {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	for _, channel := range channels {
		enc := encoded[channel]
		_, err := tx.ExecContext(ctx, blobQuery, addr.ThreadID, addr.Namespace, channel, enc.Version, enc.Type, enc.Data)
		if err != nil {
			return "", fmt.Errorf("failed to save blob for channel %q: %w", channel, err)
		}
	}

	checkpointQuery := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, channel_versions, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			channel_versions = excluded.channel_versions,
			metadata = excluded.metadata,
			created_at = excluded.created_at
	`, s.checkpointsTable())

	createdAt := checkpoint.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var parentID any
	if checkpoint.ParentID != "" {
		parentID = checkpoint.ParentID
	}

	_, err = tx.ExecContext(ctx, checkpointQuery,
		addr.ThreadID, addr.Namespace, checkpoint.ID, parentID, versionsJSON, metadataJSON, createdAt)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return checkpoint.ID, nil
}

// PutWrites upserts the pending writes of one task in one transaction.
func (s *SqliteCheckpointStore) PutWrites(ctx context.Context, addr store.ThreadAddress, checkpointID, taskID string, writes []store.ChannelWrite) error {
	type encodedWrite struct {
		typeTag string
		data    []byte
	}
	encoded := make([]encodedWrite, len(writes))
	for i, w := range writes {
		typeTag, data, err := s.serde.EncodeChannel(w.Value)
		if err != nil {
			return fmt.Errorf("failed to encode write for channel %q: %w", w.Channel, err)
		}
		encoded[i] = encodedWrite{typeTag: typeTag, data: data}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existsQuery := fmt.Sprintf(`
		SELECT 1 FROM %s
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
	`, s.checkpointsTable())

	var one int
	if err := tx.QueryRowContext(ctx, existsQuery, addr.ThreadID, addr.Namespace, checkpointID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("put writes %s: %w: %s", addr, store.ErrUnknownCheckpoint, checkpointID)
		}
		return fmt.Errorf("failed to check checkpoint: %w", err)
	}

	writeQuery := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, task_id, channel, idx, type, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, channel, idx) DO UPDATE SET
			type = excluded.type,
			blob = excluded.blob
	`, s.writesTable())

	for i, w := range writes {
		_, err := tx.ExecContext(ctx, writeQuery,
			addr.ThreadID, addr.Namespace, checkpointID, taskID, w.Channel, i, encoded[i].typeTag, encoded[i].data)
		if err != nil {
			return fmt.Errorf("failed to save write for channel %q: %w", w.Channel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit writes: %w", err)
	}
	return nil
}

// GetTuple returns the requested or latest checkpoint with its pending
// writes.
func (s *SqliteCheckpointStore) GetTuple(ctx context.Context, addr store.ThreadAddress, checkpointID string) (*store.CheckpointTuple, error) {
	if checkpointID != "" {
		row, err := s.loadCheckpointRow(ctx, addr, checkpointID)
		if err != nil {
			return nil, err
		}
		return s.buildTuple(ctx, addr, row, true)
	}

	rows, err := s.queryCheckpointRows(ctx, addr, "", 0)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		tuple, err := s.buildTuple(ctx, addr, row, false)
		if err != nil {
			return nil, err
		}
		if tuple != nil {
			return tuple, nil
		}
	}
	return nil, fmt.Errorf("get tuple %s: %w", addr, store.ErrNotFound)
}

// List returns checkpoint tuples newest first, paged by opts.
func (s *SqliteCheckpointStore) List(ctx context.Context, addr store.ThreadAddress, opts store.ListOptions) ([]*store.CheckpointTuple, error) {
	rows, err := s.queryCheckpointRows(ctx, addr, opts.Before, opts.Limit)
	if err != nil {
		return nil, err
	}

	var tuples []*store.CheckpointTuple
	for _, row := range rows {
		tuple, err := s.buildTuple(ctx, addr, row, false)
		if err != nil {
			return nil, err
		}
		if tuple != nil {
			tuples = append(tuples, tuple)
		}
	}
	return tuples, nil
}

// DeleteThread removes the thread's data namespace by namespace; each
// namespace's deletion is one transaction.
func (s *SqliteCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	nsQuery := fmt.Sprintf(`
		SELECT DISTINCT checkpoint_ns FROM %s WHERE thread_id = ?
	`, s.checkpointsTable())

	rows, err := s.db.QueryContext(ctx, nsQuery, threadID)
	if err != nil {
		return fmt.Errorf("failed to list namespaces: %w", err)
	}
	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan namespace: %w", err)
		}
		namespaces = append(namespaces, ns)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating namespaces: %w", err)
	}

	for _, ns := range namespaces {
		if err := s.deleteNamespace(ctx, threadID, ns); err != nil {
			return err
		}
	}
	return nil
}

func (s *SqliteCheckpointStore) deleteNamespace(ctx context.Context, threadID, ns string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{s.writesTable(), s.blobsTable(), s.checkpointsTable()} {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ? AND checkpoint_ns = ?", table)
		if _, err := tx.ExecContext(ctx, query, threadID, ns); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit thread deletion: %w", err)
	}
	return nil
}

type rowData struct {
	id        string
	parentID  sql.NullString
	versions  map[string]string
	metadata  store.CheckpointMetadata
	createdAt time.Time
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRow(row scannable) (*rowData, error) {
	var r rowData
	var versionsJSON, metadataJSON []byte
	if err := row.Scan(&r.id, &r.parentID, &versionsJSON, &metadataJSON, &r.createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(versionsJSON, &r.versions); err != nil {
		return nil, fmt.Errorf("failed to decode channel versions: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &r.metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &r, nil
}

func (s *SqliteCheckpointStore) loadCheckpointRow(ctx context.Context, addr store.ThreadAddress, checkpointID string) (*rowData, error) {
	query := fmt.Sprintf(`
		SELECT checkpoint_id, parent_checkpoint_id, channel_versions, metadata, created_at
		FROM %s
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
	`, s.checkpointsTable())

	row, err := scanRow(s.db.QueryRowContext(ctx, query, addr.ThreadID, addr.Namespace, checkpointID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get tuple %s: %w: %s", addr, store.ErrNotFound, checkpointID)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return row, nil
}

func (s *SqliteCheckpointStore) queryCheckpointRows(ctx context.Context, addr store.ThreadAddress, before string, limit int) ([]*rowData, error) {
	query := fmt.Sprintf(`
		SELECT checkpoint_id, parent_checkpoint_id, channel_versions, metadata, created_at
		FROM %s
		WHERE thread_id = ? AND checkpoint_ns = ?
	`, s.checkpointsTable())
	args := []any{addr.ThreadID, addr.Namespace}

	if before != "" {
		query += " AND checkpoint_id < ?"
		args = append(args, before)
	}
	query += " ORDER BY checkpoint_id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*rowData
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return result, nil
}

// buildTuple assembles a tuple from a checkpoint row. Missing blobs are
// ErrIncomplete when strict, (nil, nil) otherwise so the caller falls back
// to an older checkpoint.
func (s *SqliteCheckpointStore) buildTuple(ctx context.Context, addr store.ThreadAddress, row *rowData, strict bool) (*store.CheckpointTuple, error) {
	channels, err := s.loadBlobs(ctx, addr, row.versions)
	if err != nil {
		return nil, err
	}
	if len(channels) < len(row.versions) {
		if strict {
			return nil, fmt.Errorf("get tuple %s: %w: %s", addr, store.ErrIncomplete, row.id)
		}
		return nil, nil
	}

	values, _ := s.serde.Decode(channels)

	pending, err := s.loadWrites(ctx, addr, row.id)
	if err != nil {
		return nil, err
	}

	metadata := row.metadata
	return &store.CheckpointTuple{
		Address: addr,
		Checkpoint: &store.Checkpoint{
			ID:              row.id,
			ParentID:        row.parentID.String,
			ChannelValues:   values,
			ChannelVersions: row.versions,
			CreatedAt:       row.createdAt,
		},
		Metadata:      &metadata,
		PendingWrites: pending,
	}, nil
}

func (s *SqliteCheckpointStore) loadBlobs(ctx context.Context, addr store.ThreadAddress, versions map[string]string) (map[string]store.EncodedChannel, error) {
	channels := make(map[string]store.EncodedChannel, len(versions))

	query := fmt.Sprintf(`
		SELECT type, blob FROM %s
		WHERE thread_id = ? AND checkpoint_ns = ? AND channel = ? AND version = ?
	`, s.blobsTable())

	for channel, version := range versions {
		var typeTag string
		var blob []byte
		err := s.db.QueryRowContext(ctx, query, addr.ThreadID, addr.Namespace, channel, version).Scan(&typeTag, &blob)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("failed to load blob for channel %q: %w", channel, err)
		}
		channels[channel] = store.EncodedChannel{Version: version, Type: typeTag, Data: blob}
	}
	return channels, nil
}

func (s *SqliteCheckpointStore) loadWrites(ctx context.Context, addr store.ThreadAddress, checkpointID string) ([]store.PendingWrite, error) {
	query := fmt.Sprintf(`
		SELECT task_id, channel, idx, type, blob
		FROM %s
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, idx
	`, s.writesTable())

	rows, err := s.db.QueryContext(ctx, query, addr.ThreadID, addr.Namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}
	defer rows.Close()

	var pending []store.PendingWrite
	for rows.Next() {
		var taskID, channel, typeTag string
		var idx int
		var blob []byte
		if err := rows.Scan(&taskID, &channel, &idx, &typeTag, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan write row: %w", err)
		}
		value, err := s.serde.DecodeChannel(channel, store.EncodedChannel{Type: typeTag, Data: blob})
		if err != nil {
			continue
		}
		pending = append(pending, store.PendingWrite{TaskID: taskID, Channel: channel, Index: idx, Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating write rows: %w", err)
	}
	return pending, nil
}
