// Package engine wires the cyclic buffer, unbounded log, per-replica
// combiners, and the readonly tracker into the single value the spec
// calls the node-replication engine, and exposes the client-facing
// surface: submit/poll for updates and reads, and run_combiner.
package engine

import (
	"context"
	"flag"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/nreplicate/nr/pkg/backoff"
	"github.com/nreplicate/nr/pkg/combiner"
	"github.com/nreplicate/nr/pkg/nrtypes"
	"github.com/nreplicate/nr/pkg/readonly"
	"github.com/nreplicate/nr/pkg/replica"
	"github.com/nreplicate/nr/pkg/topology"
	"github.com/nreplicate/nr/pkg/unboundedlog"
	nrlog "github.com/nreplicate/nr/pkg/util/log"
)

// Config is the engine's configuration, registered the way the teacher
// registers its component configs: yaml tags for file-based config, a
// RegisterFlagsAndApplyDefaults method for flag-based config.
type Config struct {
	NumReplicas      int           `yaml:"num_replicas"`
	BufferSize       uint64        `yaml:"buffer_size"`
	ThreadMapping    string        `yaml:"thread_mapping"`
	SpinSpins        int           `yaml:"spin_spins"`
	SpinSleep        time.Duration `yaml:"spin_sleep"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
}

// RegisterFlagsAndApplyDefaults registers the engine's flags under
// prefix, applying defaults first.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.NumReplicas = 1
	c.BufferSize = 2048
	c.ThreadMapping = "sequential"
	c.SpinSpins = 64
	c.SpinSleep = 50 * time.Microsecond
	c.MetricsNamespace = "nr"
	c.LogLevel = "info"

	f.IntVar(&c.NumReplicas, prefix+"num-replicas", c.NumReplicas, "Number of replicas (one per NUMA socket in production use).")
	f.Uint64Var(&c.BufferSize, prefix+"buffer-size", c.BufferSize, "Cyclic log buffer size, recommended >= 2*num-replicas.")
	f.StringVar(&c.ThreadMapping, prefix+"thread-mapping", c.ThreadMapping, "Thread pinning strategy: none, sequential, numa-fill, interleave.")
	f.IntVar(&c.SpinSpins, prefix+"spin.spins", c.SpinSpins, "Scheduler yields attempted before a spin loop backs off to sleep.")
	f.DurationVar(&c.SpinSleep, prefix+"spin.sleep", c.SpinSleep, "Sleep duration once a spin loop's yield budget is exhausted.")
	f.StringVar(&c.MetricsNamespace, prefix+"metrics-namespace", c.MetricsNamespace, "Prometheus metric namespace.")
	f.StringVar(&c.LogLevel, prefix+"log-level", c.LogLevel, "Log level: debug, info, warn, error.")
}

// Validate reports precondition violations the spec requires be reported
// at construction time.
func (c *Config) Validate() error {
	if c.NumReplicas <= 0 {
		return &nrtypes.ErrInvalidConfig{Reason: "num_replicas must be > 0"}
	}
	if c.BufferSize == 0 {
		return &nrtypes.ErrInvalidConfig{Reason: "buffer_size must be > 0"}
	}
	if _, err := topology.ParseMapping(c.ThreadMapping); err != nil {
		return &nrtypes.ErrInvalidConfig{Reason: err.Error()}
	}
	if err := nrlog.ParseLevel(c.LogLevel); err != nil {
		return &nrtypes.ErrInvalidConfig{Reason: err.Error()}
	}
	return nil
}

func (c *Config) backoffConfig() backoff.Config {
	return backoff.Config{Spins: c.SpinSpins, Sleep: c.SpinSleep}
}

// UpdateHandle is a client handle for a pending update request.
type UpdateHandle struct {
	id   nrtypes.ReqID
	node nrtypes.NodeID
}

// ReadHandle is a client handle for a pending read request.
type ReadHandle struct {
	id nrtypes.ReqID
}

// Engine is the single value with lifecycle new -> running -> stop that
// owns one combiner per replica, the shared log, and the readonly
// tracker above them.
type Engine[S any] struct {
	services.Service

	cfg       Config
	log       *unboundedlog.Log
	combiners []*combiner.Combiner[S]
	ro        *readonly.ReadOnly[S]
	metrics   *combiner.Metrics
	logger    kitlog.Logger

	nextReqID atomic.Uint64

	backoffCfg backoff.Config
}

// New validates cfg, builds the log and per-replica combiners over rep,
// and returns a stopped Engine ready for StartAsync.
func New[S any](cfg Config, rep replica.Replica[S], logger kitlog.Logger, reg prometheus.Registerer) (*Engine[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = nrlog.New(cfg.LogLevel)
	}

	l, err := unboundedlog.New(cfg.NumReplicas, cfg.BufferSize, cfg.backoffConfig())
	if err != nil {
		return nil, err
	}

	metrics := combiner.NewMetrics(cfg.MetricsNamespace, reg)

	combiners := make([]*combiner.Combiner[S], cfg.NumReplicas)
	for n := 0; n < cfg.NumReplicas; n++ {
		combiners[n] = combiner.New[S](nrtypes.NodeID(n), l, rep, metrics)
	}

	e := &Engine[S]{
		cfg:        cfg,
		log:        l,
		combiners:  combiners,
		ro:         readonly.New[S](l, rep, combiners),
		metrics:    metrics,
		logger:     logger,
		backoffCfg: cfg.backoffConfig(),
	}
	e.Service = services.NewBasicService(nil, e.running, e.stopping)
	return e, nil
}

func (e *Engine[S]) running(ctx context.Context) error {
	level.Info(e.logger).Log("msg", "node-replication engine starting combiner loops", "num_replicas", e.cfg.NumReplicas, "buffer_size", e.cfg.BufferSize)

	var wg sync.WaitGroup
	for n := 0; n < e.cfg.NumReplicas; n++ {
		wg.Add(1)
		go func(node nrtypes.NodeID) {
			defer wg.Done()
			w := backoff.New(e.backoffCfg)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if e.combiners[node].RunOnce() {
					w.Reset()
				} else {
					w.Wait()
				}
			}
		}(nrtypes.NodeID(n))
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (e *Engine[S]) stopping(failureCase error) error {
	level.Info(e.logger).Log("msg", "node-replication engine stopped", "err", failureCase)
	return nil
}

func (e *Engine[S]) validNode(node nrtypes.NodeID) error {
	if int(node) < 0 || int(node) >= e.cfg.NumReplicas {
		return &nrtypes.ErrInvalidNode{Node: node, NumReplicas: e.cfg.NumReplicas}
	}
	return nil
}

// SubmitUpdate enqueues op against node's replica and returns a handle
// for polling its completion.
func (e *Engine[S]) SubmitUpdate(node nrtypes.NodeID, op any) (UpdateHandle, error) {
	if err := e.validNode(node); err != nil {
		return UpdateHandle{}, err
	}
	id := nrtypes.ReqID(e.nextReqID.Inc())
	e.combiners[node].Submit(id, op)
	return UpdateHandle{id: id, node: node}, nil
}

// PollUpdate reports whether h has completed and, if so, its return
// value. A completed request is retired and must not be polled again.
func (e *Engine[S]) PollUpdate(h UpdateHandle) (ret any, done bool) {
	return e.combiners[h.node].Poll(h.id)
}

// SubmitRead enqueues a read-only op against node's replica and returns a
// handle for polling its completion.
func (e *Engine[S]) SubmitRead(node nrtypes.NodeID, op any) (ReadHandle, error) {
	if err := e.validNode(node); err != nil {
		return ReadHandle{}, err
	}
	id := nrtypes.ReqID(e.nextReqID.Inc())
	e.ro.Submit(id, node, op)
	return ReadHandle{id: id}, nil
}

// PollRead reports whether h has completed and, if so, its return value.
func (e *Engine[S]) PollRead(h ReadHandle) (ret any, done bool) {
	return e.ro.Poll(h.id)
}

// AbortRead cancels a read that has not yet reached its ready-to-read
// gate, reporting whether the cancellation took effect.
func (e *Engine[S]) AbortRead(h ReadHandle) bool {
	return e.ro.Abort(h.id)
}

// RunCombiner drives one Placed->Loop->UpdatedVersion->Ready pass for
// node, applying any entries published since its last pass. It returns
// false if another goroutine is already combining for node (the
// background loops started by StartAsync count as a goroutine for this
// purpose). Safe to call even when StartAsync was never called: the engine
// works purely synchronously if the caller drives RunCombiner itself.
func (e *Engine[S]) RunCombiner(node nrtypes.NodeID) (bool, error) {
	if err := e.validNode(node); err != nil {
		return false, err
	}
	return e.combiners[node].RunOnce(), nil
}

// NumReplicas returns the configured replica count.
func (e *Engine[S]) NumReplicas() int { return e.cfg.NumReplicas }

// VersionUpperBound returns the current published linearization horizon.
func (e *Engine[S]) VersionUpperBound() nrtypes.LogIdx { return e.log.VersionUpperBound() }

// LocalVersion returns node's last-applied logical index.
func (e *Engine[S]) LocalVersion(node nrtypes.NodeID) nrtypes.LogIdx {
	return e.log.LocalVersion(node)
}
