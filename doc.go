// CheckpointGo - Durable checkpoint persistence for resumable agent execution
//
// CheckpointGo is a persistence layer that lets a long-running, multi-step
// computation (typically a conversational agent's execution graph) durably
// save and resume its state across process restarts, retries, and branching
// "time-travel" edits.
//
// # Quick Start
//
// Install the package:
//
//	go get github.com/smallnest/checkpointgo
//
// Basic example:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//
//		"github.com/smallnest/checkpointgo/store"
//		"github.com/smallnest/checkpointgo/store/sqlite"
//	)
//
//	func main() {
//		ctx := context.Background()
//
//		cs, _ := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
//			Path: "checkpoints.db",
//		})
//		defer cs.Close()
//
//		addr := store.ThreadAddress{ThreadID: "conversation-1"}
//
//		cp := store.NewCheckpoint("", map[string]any{
//			"messages": []string{"hello"},
//		}, nil)
//		cs.Put(ctx, addr, cp, &store.CheckpointMetadata{Source: "input", Step: -1})
//
//		// After a restart, resume from the latest checkpoint.
//		tuple, _ := cs.GetTuple(ctx, addr, "")
//		fmt.Println(tuple.Checkpoint.ChannelValues)
//	}
//
// # Core Concepts
//
// A Thread is a logical, long-lived session whose execution state is
// checkpointed. Within a thread, a Namespace scopes nested sub-graphs.
// A Checkpoint is an immutable snapshot of a thread-namespace's state; its
// id is time-ordered and lexicographically sortable, so sort order is
// causal order. Checkpoints form a tree: resuming from an ancestor forks a
// new branch.
//
// State is stored channel by channel. Each channel carries its own
// monotonic version tag, so unchanged channels are never rewritten.
// Pending writes record per-task updates produced between checkpoints;
// on resume they tell the executor exactly which tasks to replay.
//
// # Package Structure
//
// store/
// The core data model, codec, and the CheckpointStore contract all
// backends implement.
//
// store/postgres/
// Relational reference adapter built on jackc/pgx. Multi-statement
// transactions make it the correctness baseline.
//
// store/sqlite/
// Embedded file-backed adapter, no server required.
//
// store/redis/
// Key-value adapter built on go-redis.
//
// store/matrix/
// Adapter over a Matrix-style room/state-event substrate: no transactions,
// no unique constraints, per-call network latency. Ordering and idempotence
// are synthesized client-side.
//
// store/memory/
// In-memory adapter for tests and development.
//
// log/
// Simple logging utilities shared by the codec and adapters.
package checkpointgo // import "github.com/smallnest/checkpointgo"
