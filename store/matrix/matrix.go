package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smallnest/checkpointgo/log"
	"github.com/smallnest/checkpointgo/store"
)

// recordEventType is the single custom state event type all checkpoint
// records use. The record kind lives in the state key instead.
const recordEventType = "m.checkpoint.record"

// MatrixCheckpointStore implements store.CheckpointStore on top of Matrix
// room state. One room per thread; checkpoints, channel blobs and pending
// writes are state events whose state keys encode the record address.
//
// Matrix state is last-writer-wins per (type, state key) with no cross-key
// transactions, so the adapter serializes mutations per thread address
// with a timed lock and commits blobs before the checkpoint row. Readers
// verify blob visibility the same way the Redis adapter does.
type MatrixCheckpointStore struct {
	client      StateClient
	serverName  string
	aliasPrefix string
	lockTimeout time.Duration
	serde       *store.Serde
	locks       *keyedMutex
	logger      log.Logger

	mu    sync.Mutex
	rooms map[string]string // threadID -> roomID
}

// MatrixOptions configuration for the Matrix adapter
type MatrixOptions struct {
	HomeserverURL string
	ServerName    string // domain part of room aliases, e.g. "example.org"
	AccessToken   string
	AliasPrefix   string        // room alias prefix, default "checkpoint"
	LockTimeout   time.Duration // per-address lock wait, default 10s
	MaxRetries    int           // transient-failure retry budget
}

var _ store.CheckpointStore = (*MatrixCheckpointStore)(nil)

// NewMatrixCheckpointStore creates a Matrix checkpoint store talking to a
// real homeserver.
func NewMatrixCheckpointStore(opts MatrixOptions) *MatrixCheckpointStore {
	client := NewHTTPStateClient(ClientOptions{
		HomeserverURL: opts.HomeserverURL,
		AccessToken:   opts.AccessToken,
		MaxRetries:    opts.MaxRetries,
	})
	return NewMatrixCheckpointStoreWithClient(client, opts)
}

// NewMatrixCheckpointStoreWithClient creates a Matrix checkpoint store
// with an existing state client. Useful for testing with fakes.
func NewMatrixCheckpointStoreWithClient(client StateClient, opts MatrixOptions) *MatrixCheckpointStore {
	aliasPrefix := opts.AliasPrefix
	if aliasPrefix == "" {
		aliasPrefix = "checkpoint"
	}
	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &MatrixCheckpointStore{
		client:      client,
		serverName:  opts.ServerName,
		aliasPrefix: aliasPrefix,
		lockTimeout: lockTimeout,
		serde:       store.NewSerde(),
		locks:       newKeyedMutex(),
		logger:      log.GetDefaultLogger(),
		rooms:       make(map[string]string),
	}
}

// SetLogger replaces the store's logger
func (s *MatrixCheckpointStore) SetLogger(logger log.Logger) {
	s.logger = logger
}

type checkpointContent struct {
	ParentID  string                   `json:"parent_id,omitempty"`
	Versions  map[string]string        `json:"channel_versions"`
	Metadata  store.CheckpointMetadata `json:"metadata"`
	CreatedAt time.Time                `json:"created_at"`
}

type writeContent struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Index   int    `json:"idx"`
	Type    string `json:"type"`
	Data    []byte `json:"data"`
}

// State key layout. Every segment is path-escaped so user-supplied
// namespaces and channel names cannot collide with the separators.
func checkpointStateKey(ns, id string) string {
	return joinKey("checkpoints", ns, id)
}

func blobStateKey(ns, channel, version string) string {
	return joinKey("blobs", ns, channel, version)
}

func writeStateKey(ns, checkpointID, taskID, channel string, idx int) string {
	return joinKey("writes", ns, checkpointID, taskID, channel, strconv.Itoa(idx))
}

func joinKey(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return strings.Join(escaped, "/")
}

func splitKey(key string) ([]string, error) {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		unescaped, err := url.PathUnescape(part)
		if err != nil {
			return nil, fmt.Errorf("malformed state key %q: %w", key, err)
		}
		parts[i] = unescaped
	}
	return parts, nil
}

// Alias localparts allow a narrow charset, so thread ids are escaped into
// it with =XX hex runs.
func escapeLocalpart(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02x", c)
		}
	}
	return b.String()
}

func (s *MatrixCheckpointStore) threadAlias(threadID string) string {
	return fmt.Sprintf("#%s_%s:%s", s.aliasPrefix, escapeLocalpart(threadID), s.serverName)
}

func (s *MatrixCheckpointStore) roomFor(ctx context.Context, threadID string, create bool) (string, error) {
	s.mu.Lock()
	roomID, ok := s.rooms[threadID]
	s.mu.Unlock()
	if ok {
		return roomID, nil
	}

	alias := s.threadAlias(threadID)
	var err error
	if create {
		roomID, err = s.client.EnsureRoom(ctx, alias)
	} else {
		roomID, err = s.client.ResolveRoom(ctx, alias)
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.rooms[threadID] = roomID
	s.mu.Unlock()
	return roomID, nil
}

func (s *MatrixCheckpointStore) forgetRoom(threadID string) {
	s.mu.Lock()
	delete(s.rooms, threadID)
	s.mu.Unlock()
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

// namespaceView is the decoded state of one namespace within a room.
type namespaceView struct {
	checkpoints map[string]*checkpointContent
	blobs       map[blobKey]store.EncodedChannel
	writes      map[string]map[writeKey]writeContent
}

func newNamespaceView() *namespaceView {
	return &namespaceView{
		checkpoints: make(map[string]*checkpointContent),
		blobs:       make(map[blobKey]store.EncodedChannel),
		writes:      make(map[string]map[writeKey]writeContent),
	}
}

// roomView is the decoded state of a whole room plus the raw content per
// live state key, used to skip writes that would not change anything.
type roomView struct {
	namespaces map[string]*namespaceView
	raw        map[string]json.RawMessage
}

func (v *roomView) namespace(ns string) *namespaceView {
	view, ok := v.namespaces[ns]
	if !ok {
		view = newNamespaceView()
		v.namespaces[ns] = view
	}
	return view
}

func isDeleted(content json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(content))
	return trimmed == "" || trimmed == "{}" || trimmed == "null"
}

func (s *MatrixCheckpointStore) loadRoom(ctx context.Context, roomID string) (*roomView, error) {
	events, err := s.client.FullState(ctx, roomID)
	if err != nil {
		return nil, err
	}

	view := &roomView{
		namespaces: make(map[string]*namespaceView),
		raw:        make(map[string]json.RawMessage),
	}
	for _, ev := range events {
		if ev.Type != recordEventType || isDeleted(ev.Content) {
			continue
		}
		parts, err := splitKey(ev.StateKey)
		if err != nil {
			s.logger.Warn("skipping state event: %v", err)
			continue
		}

		switch {
		case parts[0] == "checkpoints" && len(parts) == 3:
			var content checkpointContent
			if err := json.Unmarshal(ev.Content, &content); err != nil {
				s.logger.Warn("skipping malformed checkpoint %q: %v", ev.StateKey, err)
				continue
			}
			view.namespace(parts[1]).checkpoints[parts[2]] = &content
			view.raw[ev.StateKey] = ev.Content

		case parts[0] == "blobs" && len(parts) == 4:
			var enc store.EncodedChannel
			if err := json.Unmarshal(ev.Content, &enc); err != nil {
				s.logger.Warn("skipping malformed blob %q: %v", ev.StateKey, err)
				continue
			}
			view.namespace(parts[1]).blobs[blobKey{channel: parts[2], version: parts[3]}] = enc
			view.raw[ev.StateKey] = ev.Content

		case parts[0] == "writes" && len(parts) == 6:
			var content writeContent
			if err := json.Unmarshal(ev.Content, &content); err != nil {
				s.logger.Warn("skipping malformed write %q: %v", ev.StateKey, err)
				continue
			}
			ns := parts[1]
			checkpointID := parts[2]
			nsView := view.namespace(ns)
			byKey, ok := nsView.writes[checkpointID]
			if !ok {
				byKey = make(map[writeKey]writeContent)
				nsView.writes[checkpointID] = byKey
			}
			byKey[writeKey{taskID: content.TaskID, channel: content.Channel, index: content.Index}] = content
			view.raw[ev.StateKey] = ev.Content
		}
	}
	return view, nil
}

// sameContent reports whether the live raw content equals the desired
// content after JSON normalization. The homeserver may reorder object
// keys, so bytes are compared structurally.
func sameContent(raw json.RawMessage, desired any) bool {
	desiredJSON, err := json.Marshal(desired)
	if err != nil {
		return false
	}
	var a, b any
	if err := json.Unmarshal(raw, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(desiredJSON, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Put stores a checkpoint. Blob events go out before the checkpoint
// event, and events whose content is already current are skipped to spare
// the homeserver's rate limits.
func (s *MatrixCheckpointStore) Put(ctx context.Context, addr store.ThreadAddress, checkpoint *store.Checkpoint, metadata *store.CheckpointMetadata) (string, error) {
	encoded, err := s.serde.Encode(checkpoint.ChannelValues, checkpoint.ChannelVersions)
	if err != nil {
		return "", err
	}

	if err := s.locks.lock(ctx, addr.String(), s.lockTimeout); err != nil {
		return "", err
	}
	defer s.locks.unlock(addr.String())

	roomID, err := s.roomFor(ctx, addr.ThreadID, true)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", addr, err)
	}

	view, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", addr, err)
	}

	if checkpoint.ParentID != "" {
		nsView := view.namespace(addr.Namespace)
		if _, ok := nsView.checkpoints[checkpoint.ParentID]; !ok {
			return "", fmt.Errorf("put %s: %w: %s", addr, store.ErrParentNotFound, checkpoint.ParentID)
		}
	}

	channels := make([]string, 0, len(encoded))
	for channel := range encoded {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	for _, channel := range channels {
		enc := encoded[channel]
		key := blobStateKey(addr.Namespace, channel, enc.Version)
		if raw, ok := view.raw[key]; ok && sameContent(raw, enc) {
			continue
		}
		if err := s.client.SendStateEvent(ctx, roomID, recordEventType, key, enc); err != nil {
			return "", fmt.Errorf("put %s: blob %q: %w", addr, channel, err)
		}
	}

	createdAt := checkpoint.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var meta store.CheckpointMetadata
	if metadata != nil {
		meta = *metadata
	}
	content := checkpointContent{
		ParentID:  checkpoint.ParentID,
		Versions:  checkpoint.ChannelVersions,
		Metadata:  meta,
		CreatedAt: createdAt,
	}
	key := checkpointStateKey(addr.Namespace, checkpoint.ID)
	if raw, ok := view.raw[key]; !ok || !sameContent(raw, content) {
		if err := s.client.SendStateEvent(ctx, roomID, recordEventType, key, content); err != nil {
			return "", fmt.Errorf("put %s: %w", addr, err)
		}
	}
	return checkpoint.ID, nil
}

// PutWrites upserts the pending writes of one task. Rerunning the same
// task produces identical events, which are skipped instead of resent.
func (s *MatrixCheckpointStore) PutWrites(ctx context.Context, addr store.ThreadAddress, checkpointID, taskID string, writes []store.ChannelWrite) error {
	if err := s.locks.lock(ctx, addr.String(), s.lockTimeout); err != nil {
		return err
	}
	defer s.locks.unlock(addr.String())

	roomID, err := s.roomFor(ctx, addr.ThreadID, false)
	if err != nil {
		if errors.Is(err, errNoRoom) {
			return fmt.Errorf("put writes %s: %w: %s", addr, store.ErrUnknownCheckpoint, checkpointID)
		}
		return fmt.Errorf("put writes %s: %w", addr, err)
	}

	view, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("put writes %s: %w", addr, err)
	}
	if _, ok := view.namespace(addr.Namespace).checkpoints[checkpointID]; !ok {
		return fmt.Errorf("put writes %s: %w: %s", addr, store.ErrUnknownCheckpoint, checkpointID)
	}

	for i, w := range writes {
		typeTag, data, err := s.serde.EncodeChannel(w.Value)
		if err != nil {
			return fmt.Errorf("failed to encode write for channel %q: %w", w.Channel, err)
		}
		content := writeContent{
			TaskID:  taskID,
			Channel: w.Channel,
			Index:   i,
			Type:    typeTag,
			Data:    data,
		}
		key := writeStateKey(addr.Namespace, checkpointID, taskID, w.Channel, i)
		if raw, ok := view.raw[key]; ok && sameContent(raw, content) {
			continue
		}
		if err := s.client.SendStateEvent(ctx, roomID, recordEventType, key, content); err != nil {
			return fmt.Errorf("put writes %s: channel %q: %w", addr, w.Channel, err)
		}
	}
	return nil
}

// GetTuple returns the requested or latest complete checkpoint with its
// pending writes.
func (s *MatrixCheckpointStore) GetTuple(ctx context.Context, addr store.ThreadAddress, checkpointID string) (*store.CheckpointTuple, error) {
	roomID, err := s.roomFor(ctx, addr.ThreadID, false)
	if err != nil {
		if errors.Is(err, errNoRoom) {
			return nil, fmt.Errorf("get tuple %s: %w", addr, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get tuple %s: %w", addr, err)
	}

	view, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get tuple %s: %w", addr, err)
	}
	nsView := view.namespace(addr.Namespace)

	if checkpointID != "" {
		content, ok := nsView.checkpoints[checkpointID]
		if !ok {
			return nil, fmt.Errorf("get tuple %s: %w: %s", addr, store.ErrNotFound, checkpointID)
		}
		if !complete(nsView, content) {
			return nil, fmt.Errorf("get tuple %s: %w: %s", addr, store.ErrIncomplete, checkpointID)
		}
		return s.buildTuple(addr, checkpointID, content, nsView), nil
	}

	for _, id := range sortedIDs(nsView) {
		content := nsView.checkpoints[id]
		if complete(nsView, content) {
			return s.buildTuple(addr, id, content, nsView), nil
		}
	}
	return nil, fmt.Errorf("get tuple %s: %w", addr, store.ErrNotFound)
}

// List returns checkpoint tuples newest first, paged by opts.
func (s *MatrixCheckpointStore) List(ctx context.Context, addr store.ThreadAddress, opts store.ListOptions) ([]*store.CheckpointTuple, error) {
	roomID, err := s.roomFor(ctx, addr.ThreadID, false)
	if err != nil {
		if errors.Is(err, errNoRoom) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", addr, err)
	}

	view, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", addr, err)
	}
	nsView := view.namespace(addr.Namespace)

	var tuples []*store.CheckpointTuple
	for _, id := range sortedIDs(nsView) {
		if opts.Before != "" && id >= opts.Before {
			continue
		}
		content := nsView.checkpoints[id]
		if !complete(nsView, content) {
			continue
		}
		tuples = append(tuples, s.buildTuple(addr, id, content, nsView))
		if opts.Limit > 0 && len(tuples) >= opts.Limit {
			break
		}
	}
	return tuples, nil
}

// DeleteThread redacts every record in the thread's room by overwriting
// it with empty content, which is how Matrix state is cleared.
func (s *MatrixCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.locks.lock(ctx, threadID, s.lockTimeout); err != nil {
		return err
	}
	defer s.locks.unlock(threadID)

	roomID, err := s.roomFor(ctx, threadID, false)
	if err != nil {
		if errors.Is(err, errNoRoom) {
			return nil
		}
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}

	view, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}

	keys := make([]string, 0, len(view.raw))
	for key := range view.raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := s.client.SendStateEvent(ctx, roomID, recordEventType, key, struct{}{}); err != nil {
			return fmt.Errorf("delete thread %s: %w", threadID, err)
		}
	}

	s.forgetRoom(threadID)
	return nil
}

func sortedIDs(ns *namespaceView) []string {
	ids := make([]string, 0, len(ns.checkpoints))
	for id := range ns.checkpoints {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids
}

func complete(ns *namespaceView, content *checkpointContent) bool {
	for channel, version := range content.Versions {
		if _, ok := ns.blobs[blobKey{channel: channel, version: version}]; !ok {
			return false
		}
	}
	return true
}

func (s *MatrixCheckpointStore) buildTuple(addr store.ThreadAddress, id string, content *checkpointContent, ns *namespaceView) *store.CheckpointTuple {
	channels := make(map[string]store.EncodedChannel, len(content.Versions))
	for channel, version := range content.Versions {
		channels[channel] = ns.blobs[blobKey{channel: channel, version: version}]
	}
	values, _ := s.serde.Decode(channels)

	var pending []store.PendingWrite
	for key, w := range ns.writes[id] {
		value, err := s.serde.DecodeChannel(key.channel, store.EncodedChannel{Type: w.Type, Data: w.Data})
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

	metadata := content.Metadata
	return &store.CheckpointTuple{
		Address: addr,
		Checkpoint: &store.Checkpoint{
			ID:              id,
			ParentID:        content.ParentID,
			ChannelValues:   values,
			ChannelVersions: content.Versions,
			CreatedAt:       content.CreatedAt,
		},
		Metadata:      &metadata,
		PendingWrites: pending,
	}
}
