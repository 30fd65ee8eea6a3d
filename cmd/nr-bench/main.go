// Command nr-bench drives a fixed-size (or time-bounded) workload
// against an in-process node-replication engine and reports achieved
// throughput, playing the role the original implementation's Rust
// benchmarks harness plays: run one worker goroutine per configured
// replica, submit a workload split between updates and reads, and report
// ops/sec once everything drains or --duration elapses. The topology
// placement is computed and logged; goroutines are not pinned to CPUs.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nreplicate/nr/pkg/engine"
	"github.com/nreplicate/nr/pkg/nrtypes"
	"github.com/nreplicate/nr/pkg/replicas"
	"github.com/nreplicate/nr/pkg/topology"
	nrlog "github.com/nreplicate/nr/pkg/util/log"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := nrlog.New(cfg.LogLevel)

	mapping, err := topology.ParseMapping(cfg.ThreadMapping)
	if err != nil {
		level.Error(logger).Log("msg", "invalid thread mapping", "err", err)
		os.Exit(1)
	}
	topo, err := topology.Discover()
	if err != nil {
		level.Error(logger).Log("msg", "topology discovery failed", "err", err)
		os.Exit(1)
	}
	placement := topo.Allocate(mapping, cfg.NumReplicas, false)
	level.Info(logger).Log("msg", "topology discovered", "cores", topo.Cores(), "sockets", len(topo.Sockets()), "nodes", len(topo.Nodes()), "placed_cpus", len(placement))

	e, err := engine.New[int64](cfg.Config, replicas.Counter(), logger, prometheus.NewRegistry())
	if err != nil {
		level.Error(logger).Log("msg", "failed to build engine", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.StartAsync(ctx); err != nil {
		level.Error(logger).Log("msg", "failed to start engine", "err", err)
		os.Exit(1)
	}
	if err := e.AwaitRunning(ctx); err != nil {
		level.Error(logger).Log("msg", "engine never reached running", "err", err)
		os.Exit(1)
	}
	defer func() {
		cancel()
		_ = e.AwaitTerminated(context.Background())
	}()

	level.Info(logger).Log("msg", "running workload", "ops", cfg.Ops, "duration", cfg.Duration, "read_ratio", cfg.ReadRatio, "num_replicas", cfg.NumReplicas)

	var deadline time.Time
	if cfg.Duration > 0 {
		deadline = time.Now().Add(cfg.Duration)
	}

	start := time.Now()
	completed := runWorkload(e, cfg, deadline)
	elapsed := time.Since(start)

	fmt.Printf("ops=%d elapsed=%s ops/sec=%.0f\n", completed, elapsed, float64(completed)/elapsed.Seconds())
}

// runWorkload submits up to cfg.Ops operations spread round-robin across
// replicas, split by cfg.ReadRatio between reads and updates, and blocks
// until every submitted op has been observed done. If deadline is
// non-zero, each worker also stops early once time.Now() passes it,
// whichever of --ops/--duration is hit first. It returns the number of
// operations it completed.
func runWorkload(e *engine.Engine[int64], cfg benchConfig, deadline time.Time) int64 {
	var completed int64
	var wg sync.WaitGroup

	perWorker := cfg.Ops / cfg.NumReplicas
	remainder := cfg.Ops % cfg.NumReplicas

	for n := 0; n < cfg.NumReplicas; n++ {
		count := perWorker
		if n < remainder {
			count++
		}
		wg.Add(1)
		go func(node nrtypes.NodeID, count int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(node) + 1))
			for i := 0; i < count; i++ {
				if !deadline.IsZero() && time.Now().After(deadline) {
					return
				}
				if rng.Float64() < cfg.ReadRatio {
					h, err := e.SubmitRead(node, nil)
					if err != nil {
						continue
					}
					for {
						if _, done := e.PollRead(h); done {
							break
						}
						time.Sleep(time.Microsecond)
					}
				} else {
					h, err := e.SubmitUpdate(node, replicas.CounterOp{Delta: 1})
					if err != nil {
						continue
					}
					for {
						if _, done := e.PollUpdate(h); done {
							break
						}
						time.Sleep(time.Microsecond)
					}
				}
				n := atomic.AddInt64(&completed, 1)
				if cfg.PrintEveryN > 0 && n%int64(cfg.PrintEveryN) == 0 {
					fmt.Printf("completed %d ops\n", n)
				}
			}
		}(nrtypes.NodeID(n), count)
	}

	wg.Wait()
	return completed
}
