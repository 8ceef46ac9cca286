// Package matrix provides a Matrix-backed implementation of
// store.CheckpointStore, persisting checkpoints as room state events.
//
// Each thread gets one room, found through a deterministic alias derived
// from the thread id. All records share a single custom event type; the
// state key encodes what the record is:
//
//	checkpoints/<ns>/<checkpoint-id>
//	blobs/<ns>/<channel>/<version>
//	writes/<ns>/<checkpoint-id>/<task-id>/<channel>/<index>
//
// Matrix state is last-writer-wins per state key and offers no cross-key
// transactions, so the adapter serializes mutations per thread address
// with a timed lock (store.ErrAddressLockTimeout when contended), commits
// channel blobs before the checkpoint event, and skips events whose
// content is already current to stay inside homeserver rate limits.
// Readers verify that every referenced blob is visible and fall back to
// an older complete checkpoint when asked for "latest".
//
// Homeserver failures follow the shared taxonomy: 401/403 become
// store.AuthError without retry, while 429 and 5xx are retried with
// exponential backoff and surface as store.TransientError once the budget
// is spent.
//
// Example:
//
//	cs := matrix.NewMatrixCheckpointStore(matrix.MatrixOptions{
//		HomeserverURL: "https://matrix.example.org",
//		ServerName:    "example.org",
//		AccessToken:   os.Getenv("MATRIX_TOKEN"),
//	})
package matrix
