package emitter

import (
	"context"
	"sync"
	"time"

	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// StoreClass is the registered class path
const StoreClass = "prometheus.store"

var (
	sharedOnce sync.Once
	shared     *PrometheusEmitter
	sharedErr  error
)

// Shared returns the process wide Prometheus emitter. Every prometheus.store
// of every audit run publishes into it, so gauges and diffs survive between
// scheduled runs.
func Shared() (*PrometheusEmitter, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = NewPrometheusEmitter()
	})
	return shared, sharedErr
}

// Store collects the findings of one audit run and publishes them when the
// end_audit marker arrives, or on shutdown if it never does
type Store struct {
	emitter  Emitter
	auditKey string
	index    map[string]int
	findings []Finding
	started  time.Time
	emitted  bool
	now      func() time.Time
	logger   *telemetry.Logger
}

// NewStore creates a store publishing into e
func NewStore(e Emitter, auditKey string, logger *telemetry.Logger) *Store {
	if logger == nil {
		logger = telemetry.NewLogger("prometheus-store")
	}
	s := &Store{
		emitter:  e,
		auditKey: auditKey,
		index:    make(map[string]int),
		now:      time.Now,
		logger:   logger,
	}
	s.started = s.now()
	return s
}

func newStorePlugin(env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var params struct{}
	if err := plugin.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	e, err := Shared()
	if err != nil {
		return nil, err
	}
	return NewStore(e, env.AuditKey, env.Logger), nil
}

// Register adds the store to r
func Register(r *plugin.Registry) {
	r.MustRegister(StoreClass, plugin.CapabilitySink, newStorePlugin)
}

// Write keeps the latest finding per recommendation
func (s *Store) Write(ctx context.Context, rec *types.Record) error {
	switch rec.RecordType() {
	case types.RecordTypeBeginAudit:
		s.reset()
		return nil
	case types.RecordTypeEndAudit:
		return s.emit(ctx)
	}

	f, ok := FindingFrom(rec)
	if !ok {
		return nil
	}
	if i, seen := s.index[f.ID]; seen {
		s.findings[i] = f
		return nil
	}
	s.index[f.ID] = len(s.findings)
	s.findings = append(s.findings, f)
	return nil
}

func (s *Store) reset() {
	s.index = make(map[string]int)
	s.findings = nil
	s.started = s.now()
	s.emitted = false
}

func (s *Store) emit(ctx context.Context) error {
	if s.emitted {
		return nil
	}
	s.emitted = true
	return s.emitter.Emit(ctx, AuditResult{
		AuditKey: s.auditKey,
		Findings: s.findings,
		Duration: s.now().Sub(s.started),
	})
}

// Shutdown publishes the findings if no end_audit marker was seen
func (s *Store) Shutdown(ctx context.Context) error {
	if s.emitted {
		return nil
	}
	s.logger.WithContext(ctx).Warn().
		Str("audit_key", s.auditKey).
		Msg("no end_audit marker seen, publishing on shutdown")
	return s.emit(ctx)
}
