package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ThreadAddress is the compound key under which checkpoints are partitioned.
// All ordering and uniqueness guarantees are scoped to one address, never
// global. An empty Namespace addresses the root graph of the thread.
type ThreadAddress struct {
	ThreadID  string
	Namespace string
}

func (a ThreadAddress) String() string {
	if a.Namespace == "" {
		return a.ThreadID
	}
	return a.ThreadID + "/" + a.Namespace
}

// Checkpoint is an immutable snapshot of a thread-namespace's state at one
// step. Checkpoints within one address form a tree: resuming from an
// ancestor forks a sibling branch.
type Checkpoint struct {
	// ID is time-ordered and lexicographically sortable; sort order is
	// causal order within the address. Only NewCheckpoint assigns ids.
	ID string `json:"id"`

	// ParentID points at the checkpoint this one advanced from, empty for
	// the first checkpoint in a namespace.
	ParentID string `json:"parent_id,omitempty"`

	// ChannelValues holds the decoded state, one entry per channel.
	ChannelValues map[string]any `json:"channel_values"`

	// ChannelVersions tags every channel with its monotonic version. The
	// versions are the source of truth for which blobs a reader must see
	// before the checkpoint counts as visible.
	ChannelVersions map[string]string `json:"channel_versions"`

	CreatedAt time.Time `json:"created_at"`
}

// CheckpointMetadata is the small queryable record stored next to the
// opaque channel blobs.
type CheckpointMetadata struct {
	// Source records what triggered the checkpoint, one of the Source*
	// constants.
	Source string `json:"source"`

	// Step is the execution step number, -1 for the input checkpoint.
	Step int `json:"step"`

	// ChangedChannels summarizes which channels this step wrote.
	ChangedChannels []string `json:"changed_channels,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Checkpoint sources.
const (
	SourceInput  = "input"
	SourceLoop   = "loop"
	SourceUpdate = "update"
	SourceFork   = "fork"
)

// ChannelWrite is one channel update handed to PutWrites. The store assigns
// the sequence index from the position in the writes slice.
type ChannelWrite struct {
	Channel string
	Value   any
}

// PendingWrite is a provisional update produced by one task against the
// checkpoint it is writing from. (CheckpointID, TaskID, Channel, Index) is
// unique; re-submitting the same key overwrites, it never duplicates.
type PendingWrite struct {
	TaskID  string
	Channel string
	Index   int
	Value   any
}

// CheckpointTuple is what GetTuple and List return: one checkpoint, its
// metadata, and every pending write attributed to it, ordered by
// (TaskID, Index). The pending writes are the resume contract: the executor
// replays exactly those tasks before continuing past the checkpoint.
type CheckpointTuple struct {
	Address       ThreadAddress
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	PendingWrites []PendingWrite
}

// ListOptions pages through checkpoint history, newest first.
type ListOptions struct {
	// Before is an exclusive upper bound on checkpoint id; empty means
	// start from the latest.
	Before string

	// Limit caps the number of tuples returned; 0 means no limit.
	Limit int
}

// CheckpointStore is the contract every backend adapter implements. The
// step executor depends only on this interface.
//
// Guarantees each implementation must provide, regardless of substrate:
//
//   - Put persists the checkpoint and its channel blobs such that a crash
//     between partial writes never yields a GetTuple result with missing
//     blobs: a checkpoint is not visible until all its blobs are.
//   - Concurrent Puts to one address are never rejected; "latest" is
//     resolved purely by checkpoint-id ordering, highest wins.
//   - PutWrites upserts on (checkpointID, taskID, channel, index), so a
//     retried task is a state-wise no-op, not an accumulation.
type CheckpointStore interface {
	// Put durably persists a checkpoint under the address and returns its
	// id. Returns ErrParentNotFound if checkpoint.ParentID is set but
	// absent from the address.
	Put(ctx context.Context, addr ThreadAddress, checkpoint *Checkpoint, metadata *CheckpointMetadata) (string, error)

	// PutWrites records the pending writes of one task against an existing
	// checkpoint. Returns ErrUnknownCheckpoint if checkpointID does not
	// exist in the address.
	PutWrites(ctx context.Context, addr ThreadAddress, checkpointID, taskID string, writes []ChannelWrite) error

	// GetTuple returns the checkpoint with the given id, or the latest one
	// in the address when checkpointID is empty, together with all pending
	// writes attributed to it. Returns ErrNotFound when nothing matches
	// and ErrIncomplete when an explicitly requested checkpoint is only
	// partially visible.
	GetTuple(ctx context.Context, addr ThreadAddress, checkpointID string) (*CheckpointTuple, error)

	// List returns checkpoint tuples for the address, newest first, paged
	// by opts. Not used on the hot resume path.
	List(ctx context.Context, addr ThreadAddress, opts ListOptions) ([]*CheckpointTuple, error)

	// DeleteThread removes all checkpoints, blobs, and pending writes for
	// the thread across every namespace. Callers must not assume atomicity
	// across namespaces.
	DeleteThread(ctx context.Context, threadID string) error
}

// NewCheckpointID returns a fresh time-ordered, lexicographically sortable
// checkpoint id (UUIDv7).
func NewCheckpointID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewCheckpoint builds a checkpoint with a fresh id. prevVersions carries
// the channel versions of the parent checkpoint; every channel named in
// changed gets a bumped version, and when changed is empty every channel in
// values is treated as changed.
func NewCheckpoint(parentID string, values map[string]any, prevVersions map[string]string, changed ...string) *Checkpoint {
	versions := make(map[string]string, len(prevVersions)+len(values))
	for ch, v := range prevVersions {
		versions[ch] = v
	}
	if len(changed) == 0 {
		for ch := range values {
			changed = append(changed, ch)
		}
	}
	for _, ch := range changed {
		versions[ch] = NextVersion(versions[ch])
	}

	return &Checkpoint{
		ID:              NewCheckpointID(),
		ParentID:        parentID,
		ChannelValues:   values,
		ChannelVersions: versions,
		CreatedAt:       time.Now().UTC(),
	}
}

// versionWidth keeps version tags fixed-width so lexical order equals
// numeric order.
const versionWidth = 20

// FirstVersion is the version tag of a channel's first write.
func FirstVersion() string {
	return fmt.Sprintf("%0*d", versionWidth, 1)
}

// NextVersion bumps a per-channel version tag. An empty or malformed prev
// starts the channel over at the first version.
func NextVersion(prev string) string {
	n, err := strconv.ParseUint(prev, 10, 64)
	if err != nil {
		return FirstVersion()
	}
	return fmt.Sprintf("%0*d", versionWidth, n+1)
}

// SortPendingWrites orders writes by (TaskID, Index), the order GetTuple
// must return them in.
func SortPendingWrites(writes []PendingWrite) {
	sort.Slice(writes, func(i, j int) bool {
		if writes[i].TaskID != writes[j].TaskID {
			return writes[i].TaskID < writes[j].TaskID
		}
		return writes[i].Index < writes[j].Index
	})
}
