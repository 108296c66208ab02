// Package redis implements the rewind store on Redis for
// high-throughput deployments where sub-millisecond dispatch latency
// matters more than relational queries. Entities are stored as Hashes,
// event logs as Lists (the list index is the event sequence), queues
// and hook expiries as Sorted Sets scored by time.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	st := redisstore.New(client)
//	if err := st.Ping(ctx); err != nil { ... }
//
// Task claiming uses ZREM as a compare-and-claim, so multiple workers
// can dequeue from the same queues without double delivery.
package redis
