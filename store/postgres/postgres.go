package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/checkpointgo/store"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresCheckpointStore implements store.CheckpointStore using PostgreSQL.
// Put is one multi-statement transaction, so a checkpoint row and its
// channel blobs become visible together; this adapter is the correctness
// baseline for the others.
type PostgresCheckpointStore struct {
	pool        DBPool
	tablePrefix string
	serde       *store.Serde
}

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString  string
	TablePrefix string // Default "checkpoint", producing checkpoint_* tables
}

var _ store.CheckpointStore = (*PostgresCheckpointStore)(nil)

// NewPostgresCheckpointStore creates a new Postgres checkpoint store
func NewPostgresCheckpointStore(ctx context.Context, opts PostgresOptions) (*PostgresCheckpointStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewPostgresCheckpointStoreWithPool(pool, opts.TablePrefix), nil
}

// NewPostgresCheckpointStoreWithPool creates a new Postgres checkpoint store
// with an existing pool. Useful for testing with mocks.
func NewPostgresCheckpointStoreWithPool(pool DBPool, tablePrefix string) *PostgresCheckpointStore {
	if tablePrefix == "" {
		tablePrefix = "checkpoint"
	}
	return &PostgresCheckpointStore{
		pool:        pool,
		tablePrefix: tablePrefix,
		serde:       store.NewSerde(),
	}
}

func (s *PostgresCheckpointStore) checkpointsTable() string {
	return s.tablePrefix + "s"
}

func (s *PostgresCheckpointStore) blobsTable() string {
	return s.tablePrefix + "_blobs"
}

func (s *PostgresCheckpointStore) writesTable() string {
	return s.tablePrefix + "_writes"
}

// InitSchema creates the necessary tables if they don't exist
func (s *PostgresCheckpointStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			channel_versions JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		);
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			version TEXT NOT NULL,
			type TEXT NOT NULL,
			blob BYTEA,
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
			blob BYTEA NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, channel, idx)
		);
	`, s.checkpointsTable(), s.blobsTable(), s.writesTable())

	_, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresCheckpointStore) Close() {
	s.pool.Close()
}

// Put stores a checkpoint and its channel blobs in one transaction.
func (s *PostgresCheckpointStore) Put(ctx context.Context, addr store.ThreadAddress, checkpoint *store.Checkpoint, metadata *store.CheckpointMetadata) (string, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if checkpoint.ParentID != "" {
		query := fmt.Sprintf(`
			SELECT 1 FROM %s
			WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
		`, s.checkpointsTable())

		var one int
		err := tx.QueryRow(ctx, query, addr.ThreadID, addr.Namespace, checkpoint.ParentID).Scan(&one)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", fmt.Errorf("put %s: %w: %s", addr, store.ErrParentNotFound, checkpoint.ParentID)
			}
			return "", fmt.Errorf("failed to check parent checkpoint: %w", err)
		}
	}

	blobQuery := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, channel, version, type, blob)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id, checkpoint_ns, channel, version) DO NOTHING
	`, s.blobsTable())

	for _, channel := range sortedChannels(encoded) {
		enc := encoded[channel]
		_, err := tx.Exec(ctx, blobQuery, addr.ThreadID, addr.Namespace, channel, enc.Version, enc.Type, enc.Data)
		if err != nil {
			return "", fmt.Errorf("failed to save blob for channel %q: %w", channel, err)
		}
	}

	checkpointQuery := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, channel_versions, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			channel_versions = EXCLUDED.channel_versions,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at
	`, s.checkpointsTable())

	createdAt := checkpoint.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx, checkpointQuery,
		addr.ThreadID,
		addr.Namespace,
		checkpoint.ID,
		nullable(checkpoint.ParentID),
		versionsJSON,
		metadataJSON,
		createdAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return checkpoint.ID, nil
}

// PutWrites upserts the pending writes of one task in one transaction.
func (s *PostgresCheckpointStore) PutWrites(ctx context.Context, addr store.ThreadAddress, checkpointID, taskID string, writes []store.ChannelWrite) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existsQuery := fmt.Sprintf(`
		SELECT 1 FROM %s
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
	`, s.checkpointsTable())

	var one int
	if err := tx.QueryRow(ctx, existsQuery, addr.ThreadID, addr.Namespace, checkpointID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("put writes %s: %w: %s", addr, store.ErrUnknownCheckpoint, checkpointID)
		}
		return fmt.Errorf("failed to check checkpoint: %w", err)
	}

	writeQuery := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_ns, checkpoint_id, task_id, channel, idx, type, blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, channel, idx) DO UPDATE SET
			type = EXCLUDED.type,
			blob = EXCLUDED.blob
	`, s.writesTable())

	for i, w := range writes {
		_, err := tx.Exec(ctx, writeQuery,
			addr.ThreadID, addr.Namespace, checkpointID, taskID, w.Channel, i, encoded[i].typeTag, encoded[i].data)
		if err != nil {
			return fmt.Errorf("failed to save write for channel %q: %w", w.Channel, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit writes: %w", err)
	}
	return nil
}

type rowData struct {
	id        string
	parentID  *string
	versions  map[string]string
	metadata  store.CheckpointMetadata
	createdAt time.Time
}

func scanRow(row pgx.Row) (*rowData, error) {
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

// GetTuple returns the requested or latest checkpoint with its pending
// writes.
func (s *PostgresCheckpointStore) GetTuple(ctx context.Context, addr store.ThreadAddress, checkpointID string) (*store.CheckpointTuple, error) {
	if checkpointID != "" {
		row, err := s.loadCheckpointRow(ctx, addr, checkpointID)
		if err != nil {
			return nil, err
		}
		return s.buildTuple(ctx, addr, row, true)
	}

	// Latest: walk ids newest first and return the first complete one.
	// With transactional puts an incomplete row should not exist, but the
	// contract is shared with adapters that cannot promise that.
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
func (s *PostgresCheckpointStore) List(ctx context.Context, addr store.ThreadAddress, opts store.ListOptions) ([]*store.CheckpointTuple, error) {
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
func (s *PostgresCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	nsQuery := fmt.Sprintf(`
		SELECT DISTINCT checkpoint_ns FROM %s WHERE thread_id = $1
	`, s.checkpointsTable())

	rows, err := s.pool.Query(ctx, nsQuery, threadID)
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

func (s *PostgresCheckpointStore) deleteNamespace(ctx context.Context, threadID, ns string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{s.writesTable(), s.blobsTable(), s.checkpointsTable()} {
		query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1 AND checkpoint_ns = $2", table)
		if _, err := tx.Exec(ctx, query, threadID, ns); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit thread deletion: %w", err)
	}
	return nil
}

func (s *PostgresCheckpointStore) loadCheckpointRow(ctx context.Context, addr store.ThreadAddress, checkpointID string) (*rowData, error) {
	query := fmt.Sprintf(`
		SELECT checkpoint_id, parent_checkpoint_id, channel_versions, metadata, created_at
		FROM %s
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
	`, s.checkpointsTable())

	row, err := scanRow(s.pool.QueryRow(ctx, query, addr.ThreadID, addr.Namespace, checkpointID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get tuple %s: %w: %s", addr, store.ErrNotFound, checkpointID)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return row, nil
}

func (s *PostgresCheckpointStore) queryCheckpointRows(ctx context.Context, addr store.ThreadAddress, before string, limit int) ([]*rowData, error) {
	query := fmt.Sprintf(`
		SELECT checkpoint_id, parent_checkpoint_id, channel_versions, metadata, created_at
		FROM %s
		WHERE thread_id = $1 AND checkpoint_ns = $2
	`, s.checkpointsTable())
	args := []any{addr.ThreadID, addr.Namespace}

	if before != "" {
		query += " AND checkpoint_id < $3"
		args = append(args, before)
	}
	query += " ORDER BY checkpoint_id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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

// buildTuple assembles a tuple from a checkpoint row. When strict is false
// and a referenced blob is missing, it returns (nil, nil) so the caller can
// fall back to an older checkpoint; when strict is true the same condition
// is ErrIncomplete.
func (s *PostgresCheckpointStore) buildTuple(ctx context.Context, addr store.ThreadAddress, row *rowData, strict bool) (*store.CheckpointTuple, error) {
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

	parentID := ""
	if row.parentID != nil {
		parentID = *row.parentID
	}
	metadata := row.metadata

	return &store.CheckpointTuple{
		Address: addr,
		Checkpoint: &store.Checkpoint{
			ID:              row.id,
			ParentID:        parentID,
			ChannelValues:   values,
			ChannelVersions: row.versions,
			CreatedAt:       row.createdAt,
		},
		Metadata:      &metadata,
		PendingWrites: pending,
	}, nil
}

func (s *PostgresCheckpointStore) loadBlobs(ctx context.Context, addr store.ThreadAddress, versions map[string]string) (map[string]store.EncodedChannel, error) {
	if len(versions) == 0 {
		return map[string]store.EncodedChannel{}, nil
	}

	channelNames := make([]string, 0, len(versions))
	for channel := range versions {
		channelNames = append(channelNames, channel)
	}
	sort.Strings(channelNames)

	query := fmt.Sprintf(`
		SELECT channel, version, type, blob
		FROM %s
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND channel = ANY($3)
	`, s.blobsTable())

	rows, err := s.pool.Query(ctx, query, addr.ThreadID, addr.Namespace, channelNames)
	if err != nil {
		return nil, fmt.Errorf("failed to load blobs: %w", err)
	}
	defer rows.Close()

	channels := make(map[string]store.EncodedChannel, len(versions))
	for rows.Next() {
		var channel, version, typeTag string
		var blob []byte
		if err := rows.Scan(&channel, &version, &typeTag, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan blob row: %w", err)
		}
		if versions[channel] == version {
			channels[channel] = store.EncodedChannel{Version: version, Type: typeTag, Data: blob}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blob rows: %w", err)
	}
	return channels, nil
}

func (s *PostgresCheckpointStore) loadWrites(ctx context.Context, addr store.ThreadAddress, checkpointID string) ([]store.PendingWrite, error) {
	query := fmt.Sprintf(`
		SELECT task_id, channel, idx, type, blob
		FROM %s
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
		ORDER BY task_id, idx
	`, s.writesTable())

	rows, err := s.pool.Query(ctx, query, addr.ThreadID, addr.Namespace, checkpointID)
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

func sortedChannels(encoded map[string]store.EncodedChannel) []string {
	channels := make([]string, 0, len(encoded))
	for channel := range encoded {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
