package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cureiam/internal/config"
	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// Notifier sends start and end notifications. end is nil when starting.
type Notifier interface {
	Notify(ctx context.Context, about string, start time.Time, end *time.Time) error
}

// Options are the collaborators shared by every audit of a run
type Options struct {
	Registry *plugin.Registry
	Plugins  map[string]plugin.Config
	RunID    string
	Notifier Notifier
	Metrics  *PipelineMetrics
	Logger   *telemetry.Logger
}

// Audit is the queue and worker topology for one audit definition.
//
// Source workers feed every store and processor queue; processor workers
// feed every store queue. Alert queues only see the audit lifecycle markers.
type Audit struct {
	key     string
	version string
	cfg     config.AuditConfig
	opts    Options
	logger  *telemetry.Logger
	tracer  trace.Tracer

	processorQueues []*Queue
	storeQueues     []*Queue
	alertQueues     []*Queue

	cloudWorkers     []*Worker
	processorWorkers []*Worker
	storeWorkers     []*Worker
	alertWorkers     []*Worker

	startTime time.Time
	span      trace.Span
}

// NewAudit builds the queues and workers for one audit. It performs no I/O;
// plugins are constructed inside their workers once started.
func NewAudit(key, version string, cfg config.AuditConfig, opts Options) (*Audit, error) {
	if opts.Registry == nil {
		opts.Registry = plugin.Default
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger("audit")
	}

	a := &Audit{
		key:     key,
		version: version,
		cfg:     cfg,
		opts:    opts,
		logger:  opts.Logger.With("audit_key", key),
		tracer:  otel.Tracer("cureiam.audit"),
	}

	lookup := func(pluginKey string, kind Kind) (plugin.Config, error) {
		pc, ok := opts.Plugins[pluginKey]
		if !ok {
			return plugin.Config{}, &plugin.ConfigurationError{Key: pluginKey, Reason: "audit " + key + " references an undefined plugin"}
		}
		var err error
		if kind == KindAlert {
			err = opts.Registry.ResolveAlert(pluginKey, pc.Plugin)
		} else {
			err = opts.Registry.Resolve(pluginKey, pc.Plugin, kind.Capability())
		}
		if err != nil {
			return plugin.Config{}, err
		}
		return pc, nil
	}

	env := plugin.Env{
		RunID:                opts.RunID,
		AuditKey:             key,
		AuditVersion:         version,
		ApplyRecommendations: cfg.ApplyRecommendations,
	}

	newWorker := func(kind Kind, pluginKey string, pc plugin.Config, input *Queue, outputs []*Queue) *Worker {
		return NewWorker(WorkerConfig{
			Kind:     kind,
			Key:      pluginKey,
			Plugin:   pc,
			Registry: opts.Registry,
			Env:      env,
			Input:    input,
			Outputs:  outputs,
			Logger:   opts.Logger,
			Metrics:  opts.Metrics,
		})
	}

	for _, pluginKey := range cfg.Alerts {
		pc, err := lookup(pluginKey, KindAlert)
		if err != nil {
			return nil, err
		}
		q := NewQueue(pluginKey)
		a.alertQueues = append(a.alertQueues, q)
		a.alertWorkers = append(a.alertWorkers, newWorker(KindAlert, pluginKey, pc, q, nil))
	}

	for _, pluginKey := range cfg.Stores {
		pc, err := lookup(pluginKey, KindStore)
		if err != nil {
			return nil, err
		}
		q := NewQueue(pluginKey)
		a.storeQueues = append(a.storeQueues, q)
		a.storeWorkers = append(a.storeWorkers, newWorker(KindStore, pluginKey, pc, q, nil))
	}

	for _, pluginKey := range cfg.Processors {
		pc, err := lookup(pluginKey, KindProcessor)
		if err != nil {
			return nil, err
		}
		q := NewQueue(pluginKey)
		a.processorQueues = append(a.processorQueues, q)
		a.processorWorkers = append(a.processorWorkers, newWorker(KindProcessor, pluginKey, pc, q, a.storeQueues))
	}

	cloudOutputs := make([]*Queue, 0, len(a.storeQueues)+len(a.processorQueues))
	cloudOutputs = append(cloudOutputs, a.storeQueues...)
	cloudOutputs = append(cloudOutputs, a.processorQueues...)

	for _, pluginKey := range cfg.Clouds {
		pc, err := lookup(pluginKey, KindCloud)
		if err != nil {
			return nil, err
		}
		a.cloudWorkers = append(a.cloudWorkers, newWorker(KindCloud, pluginKey, pc, nil, cloudOutputs))
	}

	return a, nil
}

// Key returns the audit key
func (a *Audit) Key() string { return a.key }

// Workers returns all workers, sinks first
func (a *Audit) Workers() []*Worker {
	all := make([]*Worker, 0, len(a.storeWorkers)+len(a.alertWorkers)+len(a.cloudWorkers)+len(a.processorWorkers))
	all = append(all, a.storeWorkers...)
	all = append(all, a.alertWorkers...)
	all = append(all, a.cloudWorkers...)
	all = append(all, a.processorWorkers...)
	return all
}

// Start sends the start notification and launches every worker. Sinks are
// started before producers.
//
// The begin_audit marker is pushed after the producers are running, so it is
// among the earliest records a sink receives but not guaranteed to be first.
func (a *Audit) Start(ctx context.Context) {
	a.startTime = time.Now()
	ctx, a.span = a.tracer.Start(ctx, "audit",
		trace.WithAttributes(
			attribute.String("audit.key", a.key),
			attribute.String("audit.version", a.version),
		))
	telemetry.RecordAuditEvent(a.span, a.key, a.version, "started")

	a.notify(ctx, nil)

	for _, w := range a.storeWorkers {
		w.Start(ctx)
	}
	for _, w := range a.alertWorkers {
		w.Start(ctx)
	}
	for _, w := range a.cloudWorkers {
		w.Start(ctx)
	}
	for _, w := range a.processorWorkers {
		w.Start(ctx)
	}

	a.pushMarker(types.RecordTypeBeginAudit, a.storeQueues, a.alertQueues)

	a.logger.WithContext(ctx).Info().
		Str("audit_version", a.version).
		Int("clouds", len(a.cloudWorkers)).
		Int("processors", len(a.processorWorkers)).
		Int("stores", len(a.storeWorkers)).
		Int("alerts", len(a.alertWorkers)).
		Msg("audit started")
}

// Join waits for every worker to stop, propagating sentinels stage by stage:
// a queue receives its sentinel only after all of its feeders have stopped.
func (a *Audit) Join(ctx context.Context) {
	for _, w := range a.cloudWorkers {
		w.Join()
	}

	for _, q := range a.processorQueues {
		q.PushSentinel()
	}
	for _, w := range a.processorWorkers {
		w.Join()
	}

	a.pushMarker(types.RecordTypeEndAudit, a.storeQueues)
	for _, q := range a.storeQueues {
		q.PushSentinel()
	}
	for _, w := range a.storeWorkers {
		w.Join()
	}

	a.pushMarker(types.RecordTypeEndAudit, a.alertQueues)
	for _, q := range a.alertQueues {
		q.PushSentinel()
	}
	for _, w := range a.alertWorkers {
		w.Join()
	}

	end := time.Now()
	a.opts.Metrics.RecordAuditDuration(ctx, a.key, end.Sub(a.startTime).Seconds())
	a.notify(ctx, &end)

	a.logger.WithContext(ctx).Info().
		Str("audit_version", a.version).
		Dur("duration", end.Sub(a.startTime)).
		Msg("audit complete")

	if a.cfg.ApplyRecommendations {
		a.logger.WithContext(ctx).Info().Msg("audit ran with recommendations applied")
	}

	if a.span != nil {
		telemetry.RecordAuditEvent(a.span, a.key, a.version, "completed")
		a.span.End()
	}
}

// Run starts the audit and waits for it to complete
func (a *Audit) Run(ctx context.Context) {
	a.Start(ctx)
	a.Join(ctx)
}

func (a *Audit) pushMarker(recordType string, groups ...[]*Queue) {
	for _, queues := range groups {
		for _, q := range queues {
			m := types.NewMarker(recordType)
			m.MergeCom(map[string]string{
				"audit_key":     a.key,
				"audit_version": a.version,
			})
			if a.opts.RunID != "" {
				m.Com["run_id"] = a.opts.RunID
			}
			q.Push(m)
		}
	}
}

func (a *Audit) notify(ctx context.Context, end *time.Time) {
	if a.opts.Notifier == nil {
		return
	}
	if err := a.opts.Notifier.Notify(ctx, a.key, a.startTime, end); err != nil {
		a.logger.WithContext(ctx).Error().Err(err).Msg("failed to send audit notification")
	}
}
