package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// Kind is the stage a worker runs in. The value is stamped into com
// metadata as origin_type or target_type.
type Kind string

const (
	KindCloud     Kind = "cloud"
	KindProcessor Kind = "processor"
	KindStore     Kind = "store"
	KindAlert     Kind = "alert"
)

// Capability returns the plugin capability a worker of this kind drives
func (k Kind) Capability() plugin.Capability {
	switch k {
	case KindCloud:
		return plugin.CapabilitySource
	case KindProcessor:
		return plugin.CapabilityTransform
	default:
		return plugin.CapabilitySink
	}
}

// State is the lifecycle state of a worker
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Worker runs one plugin of an audit in its own goroutine
type Worker struct {
	kind     Kind
	key      string
	name     string
	cfg      plugin.Config
	registry *plugin.Registry
	env      plugin.Env
	input    *Queue
	outputs  []*Queue
	logger   *telemetry.Logger
	metrics  *PipelineMetrics

	state     atomic.Int32
	processed atomic.Int64
	dropped   atomic.Int64
	done      chan struct{}
}

// WorkerConfig wires a worker into an audit
type WorkerConfig struct {
	Kind     Kind
	Key      string
	Plugin   plugin.Config
	Registry *plugin.Registry
	Env      plugin.Env
	Input    *Queue
	Outputs  []*Queue
	Logger   *telemetry.Logger
	Metrics  *PipelineMetrics
}

// NewWorker creates a worker in the starting state. No plugin is constructed
// until Start.
func NewWorker(cfg WorkerConfig) *Worker {
	name := cfg.Env.AuditKey + "_" + cfg.Key
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewLogger("worker")
	}
	env := cfg.Env
	env.PluginKey = cfg.Key
	env.Logger = logger.With("worker", name)

	w := &Worker{
		kind:     cfg.Kind,
		key:      cfg.Key,
		name:     name,
		cfg:      cfg.Plugin,
		registry: cfg.Registry,
		env:      env,
		input:    cfg.Input,
		outputs:  cfg.Outputs,
		logger:   env.Logger,
		metrics:  cfg.Metrics,
		done:     make(chan struct{}),
	}
	w.state.Store(int32(StateStarting))
	return w
}

// Name returns the worker name, audit key and plugin key joined by "_"
func (w *Worker) Name() string { return w.name }

// Kind returns the stage the worker runs in
func (w *Worker) Kind() Kind { return w.kind }

// State returns the current lifecycle state
func (w *Worker) State() State { return State(w.state.Load()) }

// Processed returns the number of records handled successfully
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Dropped returns the number of records dropped after an error
func (w *Worker) Dropped() int64 { return w.dropped.Load() }

// Start launches the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Join blocks until the worker has stopped
func (w *Worker) Join() {
	<-w.done
}

// Done is closed when the worker has stopped
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(StateStopped)

	p, err := w.construct()
	if err != nil {
		w.logger.WithContext(ctx).Error().
			Err(err).
			Str("plugin_class", w.cfg.Plugin).
			Str("kind", string(w.kind)).
			Msg("failed to construct plugin, worker stopped")
		w.metrics.RecordWorkerFailure(ctx, w.env.AuditKey, w.kind, w.key)
		return
	}

	w.setState(StateRunning)
	w.logger.WithContext(ctx).Info().
		Str("plugin_class", w.cfg.Plugin).
		Str("kind", string(w.kind)).
		Msg("worker started")

	switch w.kind {
	case KindCloud:
		w.runSource(ctx, p.(plugin.Source))
	case KindProcessor:
		w.runTransform(ctx, p.(plugin.Transform))
	default:
		w.runSink(ctx, p.(plugin.Sink))
	}

	w.setState(StateStopping)
	if err := w.shutdown(ctx, p); err != nil {
		w.logger.WithContext(ctx).Error().Err(err).Msg("plugin shutdown failed")
	}

	w.logger.WithContext(ctx).Info().
		Int64("processed", w.processed.Load()).
		Int64("dropped", w.dropped.Load()).
		Msg("worker stopped")
}

// construct builds the plugin and checks it exposes the capability this
// worker drives
func (w *Worker) construct() (plugin.Plugin, error) {
	p, err := w.registry.New(w.env, w.cfg)
	if err != nil {
		return nil, err
	}

	ok := false
	switch w.kind.Capability() {
	case plugin.CapabilitySource:
		_, ok = p.(plugin.Source)
	case plugin.CapabilityTransform:
		_, ok = p.(plugin.Transform)
	case plugin.CapabilitySink:
		_, ok = p.(plugin.Sink)
	}
	if !ok {
		return nil, &plugin.PluginConstructionError{
			Key:   w.key,
			Class: w.cfg.Plugin,
			Err:   fmt.Errorf("plugin does not implement %s", w.kind.Capability()),
		}
	}
	return p, nil
}

func (w *Worker) shutdown(ctx context.Context, p plugin.Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Shutdown(ctx)
}

func (w *Worker) runSource(ctx context.Context, src plugin.Source) {
	defer func() {
		if r := recover(); r != nil {
			w.recordError(ctx, fmt.Errorf("source aborted: panic: %v", r))
		}
	}()

	for rec, err := range src.Produce(ctx) {
		if err != nil {
			w.recordError(ctx, err)
			continue
		}
		if rec == nil {
			continue
		}
		w.emit(ctx, rec)
		w.processed.Add(1)
	}
	w.setState(StateDraining)
}

func (w *Worker) runTransform(ctx context.Context, t plugin.Transform) {
	for {
		rec, ok := w.input.Pop()
		if !ok {
			break
		}
		w.metrics.RecordConsumed(ctx, w.env.AuditKey, w.kind, w.key)
		if err := w.evalOne(ctx, t, rec); err != nil {
			w.recordError(ctx, err)
			continue
		}
		w.processed.Add(1)
	}
	w.setState(StateDraining)
}

func (w *Worker) evalOne(ctx context.Context, t plugin.Transform, rec *types.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for derived, evalErr := range t.Eval(ctx, rec) {
		if evalErr != nil {
			return evalErr
		}
		if derived == nil {
			continue
		}
		w.emit(ctx, derived)
	}
	return nil
}

func (w *Worker) runSink(ctx context.Context, s plugin.Sink) {
	for {
		rec, ok := w.input.Pop()
		if !ok {
			break
		}
		w.metrics.RecordConsumed(ctx, w.env.AuditKey, w.kind, w.key)
		if err := w.writeOne(ctx, s, rec); err != nil {
			w.recordError(ctx, err)
			continue
		}
		w.processed.Add(1)
	}
	w.setState(StateDraining)
}

func (w *Worker) writeOne(ctx context.Context, s plugin.Sink, rec *types.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	rec.MergeCom(map[string]string{
		"audit_key":     w.env.AuditKey,
		"audit_version": w.env.AuditVersion,
		"target_key":    w.key,
		"target_class":  w.cfg.Plugin,
		"target_worker": w.name,
		"target_type":   string(w.kind),
	})
	return s.Write(ctx, rec)
}

// emit stamps origin metadata and pushes rec to every output queue. Each
// queue but the last receives its own copy.
func (w *Worker) emit(ctx context.Context, rec *types.Record) {
	com := map[string]string{
		"audit_key":     w.env.AuditKey,
		"audit_version": w.env.AuditVersion,
		"origin_key":    w.key,
		"origin_class":  w.cfg.Plugin,
		"origin_worker": w.name,
		"origin_type":   string(w.kind),
	}
	if w.env.RunID != "" {
		com["run_id"] = w.env.RunID
	}
	rec.MergeCom(com)

	last := len(w.outputs) - 1
	for i, q := range w.outputs {
		out := rec
		if i != last {
			clone, err := rec.Clone()
			if err != nil {
				w.recordError(ctx, fmt.Errorf("failed to copy record for queue %s: %w", q.Name(), err))
				continue
			}
			out = clone
		}
		q.Push(out)
		w.metrics.RecordEmitted(ctx, w.env.AuditKey, w.kind, w.key)
	}
}

func (w *Worker) recordError(ctx context.Context, err error) {
	w.dropped.Add(1)
	perr := &plugin.RecordProcessingError{Worker: w.name, Stage: string(w.kind), Err: err}
	w.logger.LogRecordError(ctx, w.name, string(w.kind), perr)
	w.metrics.RecordError(ctx, w.env.AuditKey, w.kind, w.key)
}
