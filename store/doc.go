// Package store defines the checkpoint data model, the codec, and the
// CheckpointStore contract that every backend adapter implements.
//
// A checkpoint store lets a long-running, multi-step execution durably save
// its state and resume it after a crash, a retry, or a time-travel fork.
// The store owns durability and ordering; the step executor owns what the
// state means.
//
// # Data Model
//
// State is partitioned by ThreadAddress — a (thread id, namespace) pair.
// The empty namespace is the thread's root graph; non-empty namespaces hold
// nested sub-graphs of the same thread.
//
// Within an address, checkpoints form a tree ordered by id. Ids are
// UUIDv7: time-ordered and lexicographically sortable, so "latest" is
// simply the greatest id, never a cached pointer and never wall-clock
// arrival order.
//
// Channel values are stored one blob per channel, each tagged with a
// monotonic per-channel version. A checkpoint only has to write blobs for
// channels whose version moved; readers use the version markers to locate
// every blob the snapshot references — and to refuse to surface a
// checkpoint whose blobs are not all visible yet.
//
// Pending writes record the updates of tasks that ran against a checkpoint
// before the next one committed. They are keyed by
// (checkpoint, task, channel, index) with upsert semantics, so a task
// retried after a crash overwrites its own writes instead of duplicating
// them. GetTuple returns them with the checkpoint; the executor replays
// exactly those tasks and continues.
//
// # Commit / Resume Protocol
//
// The step executor drives the store like this:
//
//	// advance: persist the new snapshot before moving on
//	id, err := cs.Put(ctx, addr, checkpoint, metadata)
//
//	// record partial task output between checkpoints
//	err = cs.PutWrites(ctx, addr, id, taskID, writes)
//
//	// resume after a restart: latest checkpoint + writes to replay
//	tuple, err := cs.GetTuple(ctx, addr, "")
//
// A failed Put never partially advances "latest": either the new
// checkpoint becomes visible atomically-as-observed, or the previous one
// is still the latest.
//
// # Adapters
//
// Four backends ship with the module:
//
//   - store/postgres: relational reference adapter (jackc/pgx). Native
//     transactions and unique constraints; the correctness baseline.
//   - store/sqlite: embedded file-backed adapter, same schema shape.
//   - store/redis: key-value adapter (go-redis).
//   - store/matrix: room/state-event adapter for substrates with no
//     transactions and no unique constraints; ordering and idempotence are
//     synthesized client-side.
//   - store/memory: in-memory adapter for tests and development.
//
// # Error Taxonomy
//
// Stores report a small, fixed set of failures:
//
//   - ErrNotFound — nothing matches the requested address or id
//   - ErrParentNotFound — Put referenced a missing parent
//   - ErrUnknownCheckpoint — PutWrites referenced a missing checkpoint
//   - ErrIncomplete — the requested checkpoint is partially visible;
//     fall back to its parent
//   - ErrAddressLockTimeout — the in-process address mutex timed out;
//     retry the whole operation
//   - CodecError — one channel failed to decode; recoverable per channel
//   - AuthError — fatal backend authentication failure, never retried
//   - TransientError — backend kept failing past the adapter's retry budget
//
// Transient backend failures are retried inside the adapter; callers see
// either success or a terminal error.
//
// # Channel Types
//
// By default channel values round-trip through plain JSON. Concrete struct
// types can be registered so decode restores them:
//
//	type DocumentSet struct {
//		Docs []string `json:"docs"`
//	}
//
//	store.RegisterChannelType(DocumentSet{}, "DocumentSet")
//
// A reader that does not know a stored type tag drops that channel with a
// warning and keeps the rest of the snapshot, so rolling out a new channel
// type never corrupts old threads.
package store
