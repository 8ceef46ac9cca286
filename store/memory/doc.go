// Package memory provides an in-memory implementation of
// store.CheckpointStore.
//
// It is meant for tests and development: nothing survives the process.
// Internally it mirrors the real adapters — checkpoint rows, version-keyed
// channel blobs, and a pending-writes ledger are separate structures — so
// the visibility and ordering semantics match what the durable backends do,
// and adapter test suites can use it as their behavioral baseline.
//
// Example:
//
//	cs := memory.NewMemoryCheckpointStore()
//	addr := store.ThreadAddress{ThreadID: "thread-1"}
//
//	cp := store.NewCheckpoint("", map[string]any{"messages": []string{"hi"}}, nil)
//	cs.Put(ctx, addr, cp, &store.CheckpointMetadata{Source: store.SourceInput, Step: 0})
//
//	tuple, err := cs.GetTuple(ctx, addr, "")
package memory
