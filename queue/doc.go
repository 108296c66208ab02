// Package queue defines named task queues with per-queue rate limiting
// and concurrency caps.
//
// Queues are named channels that group related runs. Tasks carry a
// Queue field that determines which queue they belong to; workflows
// pick their queue with workflow.WithQueue. The worker pool polls the
// queues listed in [rewind.Config.Queues] (default: ["default"]).
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "billing",
//	    MaxConcurrency: 5,      // max 5 concurrent billing runs
//	    RateLimit:      10,     // max 10 tasks/s dequeued from this queue
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// Pass configs when building the engine:
//
//	engine.New(
//	    engine.WithQueueConfig(
//	        queue.Config{Name: "critical", MaxConcurrency: 20},
//	        queue.Config{Name: "bulk", RateLimit: 5, RateBurst: 10},
//	    ),
//	)
//
// # Manager
//
// [Manager] enforces per-queue limits at dequeue time. It uses a
// token-bucket rate limiter (golang.org/x/time/rate) and an
// active-count gate for concurrency limits.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(queueName) {
//	    defer m.Release(queueName)
//	    // process the task
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide
// concurrency.
package queue
