// Package redis provides a Redis-backed implementation of
// store.CheckpointStore using go-redis.
//
// Redis offers no transactions across the key shapes used here, so the
// adapter leans on write ordering: Put flushes channel blobs in one
// pipeline before the checkpoint row and its index entry go out in a
// second. Readers verify every referenced blob and fall back to an older
// complete checkpoint when "latest" was asked for, so a crash between the
// two pipelines never surfaces a half-written checkpoint.
//
// Checkpoint ids per address live in a sorted set queried lexically, which
// is what makes "latest" and Before-paging cheap.
//
// Example:
//
//	cs := redisstore.NewRedisCheckpointStore(redisstore.RedisOptions{
//		Addr: "localhost:6379",
//		TTL:  24 * time.Hour,
//	})
//	defer cs.Close()
package redis
