// Package sqlite provides a SQLite-backed implementation of
// store.CheckpointStore using mattn/go-sqlite3.
//
// It mirrors the Postgres adapter's three-table schema and transactional
// Put, making it the easy choice for single-process deployments and tests
// that want durability without a server.
//
// Example:
//
//	cs, err := sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{
//		Path: "./checkpoints.db",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cs.Close()
package sqlite
