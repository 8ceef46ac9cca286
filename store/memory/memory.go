package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/checkpointgo/store"
)

// MemoryCheckpointStore implements store.CheckpointStore with in-process
// maps. It keeps the same internal shape as the real adapters — version-
// keyed blobs separate from checkpoint rows — so it behaves identically
// under the partial-visibility rules and can serve as the baseline in
// tests.
type MemoryCheckpointStore struct {
	mu      sync.RWMutex
	serde   *store.Serde
	threads map[string]map[string]*namespaceState // threadID -> namespace
}

type namespaceState struct {
	checkpoints map[string]*checkpointRecord
	blobs       map[blobKey]store.EncodedChannel
	writes      map[string]map[writeKey]encodedWrite // checkpointID -> key
}

type checkpointRecord struct {
	parentID  string
	versions  map[string]string
	metadata  store.CheckpointMetadata
	createdAt time.Time
}

type blobKey struct {
	channel string
	version string
}

type writeKey struct {
	taskID  string
	channel string
	index   int
}

type encodedWrite struct {
	typeTag string
	data    []byte
}

var _ store.CheckpointStore = (*MemoryCheckpointStore)(nil)

// NewMemoryCheckpointStore creates a new in-memory checkpoint store
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		serde:   store.NewSerde(),
		threads: make(map[string]map[string]*namespaceState),
	}
}

func (s *MemoryCheckpointStore) namespace(addr store.ThreadAddress, create bool) *namespaceState {
	namespaces, ok := s.threads[addr.ThreadID]
	if !ok {
		if !create {
			return nil
		}
		namespaces = make(map[string]*namespaceState)
		s.threads[addr.ThreadID] = namespaces
	}

	ns, ok := namespaces[addr.Namespace]
	if !ok {
		if !create {
			return nil
		}
		ns = &namespaceState{
			checkpoints: make(map[string]*checkpointRecord),
			blobs:       make(map[blobKey]store.EncodedChannel),
			writes:      make(map[string]map[writeKey]encodedWrite),
		}
		namespaces[addr.Namespace] = ns
	}
	return ns
}

// Put stores a checkpoint and its channel blobs.
func (s *MemoryCheckpointStore) Put(ctx context.Context, addr store.ThreadAddress, checkpoint *store.Checkpoint, metadata *store.CheckpointMetadata) (string, error) {
	encoded, err := s.serde.Encode(checkpoint.ChannelValues, checkpoint.ChannelVersions)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.namespace(addr, true)

	if checkpoint.ParentID != "" {
		if _, ok := ns.checkpoints[checkpoint.ParentID]; !ok {
			return "", fmt.Errorf("put %s: %w: %s", addr, store.ErrParentNotFound, checkpoint.ParentID)
		}
	}

	for channel, enc := range encoded {
		ns.blobs[blobKey{channel: channel, version: enc.Version}] = enc
	}

	versions := make(map[string]string, len(checkpoint.ChannelVersions))
	for ch, v := range checkpoint.ChannelVersions {
		versions[ch] = v
	}

	createdAt := checkpoint.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var meta store.CheckpointMetadata
	if metadata != nil {
		meta = *metadata
	}

	ns.checkpoints[checkpoint.ID] = &checkpointRecord{
		parentID:  checkpoint.ParentID,
		versions:  versions,
		metadata:  meta,
		createdAt: createdAt,
	}

	return checkpoint.ID, nil
}

// PutWrites upserts the pending writes of one task.
func (s *MemoryCheckpointStore) PutWrites(ctx context.Context, addr store.ThreadAddress, checkpointID, taskID string, writes []store.ChannelWrite) error {
	encoded := make([]encodedWrite, len(writes))
	for i, w := range writes {
		typeTag, data, err := s.serde.EncodeChannel(w.Value)
		if err != nil {
			return fmt.Errorf("failed to encode write for channel %q: %w", w.Channel, err)
		}
		encoded[i] = encodedWrite{typeTag: typeTag, data: data}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.namespace(addr, false)
	if ns == nil {
		return fmt.Errorf("put writes %s: %w: %s", addr, store.ErrUnknownCheckpoint, checkpointID)
	}
	if _, ok := ns.checkpoints[checkpointID]; !ok {
		return fmt.Errorf("put writes %s: %w: %s", addr, store.ErrUnknownCheckpoint, checkpointID)
	}

	byKey, ok := ns.writes[checkpointID]
	if !ok {
		byKey = make(map[writeKey]encodedWrite)
		ns.writes[checkpointID] = byKey
	}
	for i, w := range writes {
		byKey[writeKey{taskID: taskID, channel: w.Channel, index: i}] = encoded[i]
	}
	return nil
}

// GetTuple returns the requested or latest complete checkpoint with its
// pending writes.
func (s *MemoryCheckpointStore) GetTuple(ctx context.Context, addr store.ThreadAddress, checkpointID string) (*store.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns := s.namespace(addr, false)
	if ns == nil {
		return nil, fmt.Errorf("get tuple %s: %w", addr, store.ErrNotFound)
	}

	if checkpointID != "" {
		rec, ok := ns.checkpoints[checkpointID]
		if !ok {
			return nil, fmt.Errorf("get tuple %s: %w: %s", addr, store.ErrNotFound, checkpointID)
		}
		if !ns.complete(rec) {
			return nil, fmt.Errorf("get tuple %s: %w: %s", addr, store.ErrIncomplete, checkpointID)
		}
		return s.buildTuple(addr, checkpointID, rec, ns), nil
	}

	// Latest: walk ids newest first, skipping checkpoints whose blobs are
	// not all visible yet.
	for _, id := range ns.sortedIDs() {
		rec := ns.checkpoints[id]
		if ns.complete(rec) {
			return s.buildTuple(addr, id, rec, ns), nil
		}
	}
	return nil, fmt.Errorf("get tuple %s: %w", addr, store.ErrNotFound)
}

// List returns tuples newest first, paged by opts.
func (s *MemoryCheckpointStore) List(ctx context.Context, addr store.ThreadAddress, opts store.ListOptions) ([]*store.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns := s.namespace(addr, false)
	if ns == nil {
		return nil, nil
	}

	var tuples []*store.CheckpointTuple
	for _, id := range ns.sortedIDs() {
		if opts.Before != "" && id >= opts.Before {
			continue
		}
		rec := ns.checkpoints[id]
		if !ns.complete(rec) {
			continue
		}
		tuples = append(tuples, s.buildTuple(addr, id, rec, ns))
		if opts.Limit > 0 && len(tuples) >= opts.Limit {
			break
		}
	}
	return tuples, nil
}

// DeleteThread removes every namespace of the thread.
func (s *MemoryCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

func (ns *namespaceState) sortedIDs() []string {
	ids := make([]string, 0, len(ns.checkpoints))
	for id := range ns.checkpoints {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids
}

func (ns *namespaceState) complete(rec *checkpointRecord) bool {
	for channel, version := range rec.versions {
		if _, ok := ns.blobs[blobKey{channel: channel, version: version}]; !ok {
			return false
		}
	}
	return true
}

func (s *MemoryCheckpointStore) buildTuple(addr store.ThreadAddress, id string, rec *checkpointRecord, ns *namespaceState) *store.CheckpointTuple {
	channels := make(map[string]store.EncodedChannel, len(rec.versions))
	for channel, version := range rec.versions {
		channels[channel] = ns.blobs[blobKey{channel: channel, version: version}]
	}
	values, _ := s.serde.Decode(channels)

	var pending []store.PendingWrite
	for key, enc := range ns.writes[id] {
		value, err := s.serde.DecodeChannel(key.channel, store.EncodedChannel{Type: enc.typeTag, Data: enc.data})
		if err != nil {
			continue
		}
		pending = append(pending, store.PendingWrite{
			TaskID:  key.taskID,
			Channel: key.channel,
			Index:   key.index,
			Value:   value,
		})
	}
	store.SortPendingWrites(pending)

	meta := rec.metadata
	return &store.CheckpointTuple{
		Address: addr,
		Checkpoint: &store.Checkpoint{
			ID:              id,
			ParentID:        rec.parentID,
			ChannelValues:   values,
			ChannelVersions: rec.versions,
			CreatedAt:       rec.createdAt,
		},
		Metadata:      &meta,
		PendingWrites: pending,
	}
}

// dropBlob removes one stored blob. Tests use it to simulate a crash
// between the blob writes and the checkpoint row.
func (s *MemoryCheckpointStore) dropBlob(addr store.ThreadAddress, channel, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns := s.namespace(addr, false); ns != nil {
		delete(ns.blobs, blobKey{channel: channel, version: version})
	}
}
