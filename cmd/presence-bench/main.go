package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-presence/v1/lock"
	"github.com/mirkobrombin/go-presence/v1/mux"
	"github.com/mirkobrombin/go-presence/v1/presence"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent publishers")
	requests    = flag.Int("n", 100000, "Total number of operations")
	dataSize    = flag.Int("d", 256, "Payload size in bytes")
	callbacks   = flag.Int("s", 4, "Local callbacks on the benchmark topic")
	redisAddrs  = flag.String("redis", "", "Comma separated Redis addresses; empty runs in memory")
	mode        = flag.String("mode", "publish", "Benchmark mode: publish or lock")
)

func main() {
	flag.Parse()

	p, err := open()
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	ctx := context.Background()
	defer p.Close(ctx)

	log.Printf("Starting %s benchmark: %d operations, %d concurrency, %d bytes payload", *mode, *requests, *concurrency, *dataSize)

	var delivered int64
	for i := 0; i < *callbacks; i++ {
		if _, err := p.Subscribe(ctx, "bench", func(mux.Message) error {
			atomic.AddInt64(&delivered, 1)
			return nil
		}); err != nil {
			log.Fatalf("Subscribe failed: %v", err)
		}
	}
	payload := strings.Repeat("x", *dataSize)

	var op func(worker, j int) error
	switch *mode {
	case "publish":
		op = func(int, int) error { return p.Publish(ctx, "bench", payload) }
	case "lock":
		op = func(worker, j int) error {
			l, err := p.Lock(ctx, fmt.Sprintf("bench:%d:%d", worker, j), time.Second)
			if err != nil {
				return err
			}
			return p.Unlock(ctx, l)
		}
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	var wg sync.WaitGroup
	var ops int64
	var errorsCount int64

	start := time.Now()
	reqsPerWorker := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < reqsPerWorker; j++ {
				if err := op(worker, j); err != nil {
					atomic.AddInt64(&errorsCount, 1)
				}
				atomic.AddInt64(&ops, 1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	throughput := float64(ops) / elapsed.Seconds()
	avgLatency := elapsed.Seconds() / float64(ops) * 1e9 // ns

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f ops/s", throughput)
	log.Printf("Avg Latency: %.2f ns", avgLatency)
	if *mode == "publish" {
		log.Printf("Delivered: %d callback invocations", atomic.LoadInt64(&delivered))
	}
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
}

func open() (*presence.Presence, error) {
	cfg := lock.Config{DriftFactor: 0.01, RetryCount: 0}
	if *redisAddrs == "" {
		log.Println("Initializing presence (in memory)...")
		return presence.NewInMemory(presence.WithLockConfig(cfg)), nil
	}
	log.Printf("Initializing presence (redis %s)...", *redisAddrs)
	return presence.NewRedis(presence.RedisOptions{Addrs: strings.Split(*redisAddrs, ",")}, presence.WithLockConfig(cfg))
}
