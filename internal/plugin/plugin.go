// Package plugin defines the adapter contracts audit workers drive, and the
// registry that resolves configured class paths to constructors.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/yairfalse/cureiam/telemetry"
	"github.com/yairfalse/cureiam/types"
)

// Capability is the shape of operations an adapter exposes
type Capability string

const (
	CapabilitySource    Capability = "source"
	CapabilityTransform Capability = "transform"
	CapabilitySink      Capability = "sink"
)

// Plugin is implemented by every adapter.
// Shutdown runs exactly once, after the last input has been handled.
type Plugin interface {
	Shutdown(ctx context.Context) error
}

// Source produces raw records lazily
type Source interface {
	Plugin
	Produce(ctx context.Context) iter.Seq2[*types.Record, error]
}

// Transform derives zero or more records from one input record
type Transform interface {
	Plugin
	Eval(ctx context.Context, rec *types.Record) iter.Seq2[*types.Record, error]
}

// Sink consumes records one at a time. It may buffer and must flush on Shutdown.
type Sink interface {
	Plugin
	Write(ctx context.Context, rec *types.Record) error
}

// Config names a registered class and its constructor parameters
type Config struct {
	Plugin string         `yaml:"plugin" mapstructure:"plugin" validate:"required"`
	Params map[string]any `yaml:"params" mapstructure:"params"`
}

// Env is the read-only context handed to every constructor
type Env struct {
	Logger               *telemetry.Logger
	RunID                string
	AuditKey             string
	AuditVersion         string
	PluginKey            string
	ApplyRecommendations bool
}

// Constructor builds an adapter from decoded parameters
type Constructor func(env Env, params map[string]any) (Plugin, error)

type entry struct {
	capability  Capability
	constructor Constructor
	recordsOnly bool
}

// Registry maps class paths to constructors
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a constructor. Registering a class again overwrites it.
func (r *Registry) Register(class string, capability Capability, ctor Constructor) error {
	if _, _, err := ParseClass(class); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[class] = entry{capability: capability, constructor: ctor}
	return nil
}

// MustRegister is Register for init-time registration
func (r *Registry) MustRegister(class string, capability Capability, ctor Constructor) {
	if err := r.Register(class, capability, ctor); err != nil {
		panic(err)
	}
}

// MarkRecordSink flags a registered sink class as acting on data records
// only. Alert queues carry nothing but audit markers, so such a class must be
// listed under an audit's stores.
func (r *Registry) MarkRecordSink(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[class]; ok {
		e.recordsOnly = true
		r.entries[class] = e
	}
}

// RecordSink reports whether class was marked with MarkRecordSink
func (r *Registry) RecordSink(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[class].recordsOnly
}

// Capability returns the capability a class was registered with
func (r *Registry) Capability(class string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[class]
	return e.capability, ok
}

// Resolve checks that class is well formed, registered, and has the wanted capability
func (r *Registry) Resolve(key, class string, want Capability) error {
	if _, _, err := ParseClass(class); err != nil {
		var cerr *ConfigurationError
		if errors.As(err, &cerr) {
			cerr.Key = key
		}
		return err
	}
	got, ok := r.Capability(class)
	if !ok {
		return &ConfigurationError{Key: key, Class: class, Reason: "class is not registered"}
	}
	if got != want {
		return &ConfigurationError{Key: key, Class: class, Reason: fmt.Sprintf("class is a %s, used as a %s", got, want)}
	}
	return nil
}

// ResolveAlert is Resolve for an audit's alerts list. Record sinks are
// rejected there because they would never receive a record.
func (r *Registry) ResolveAlert(key, class string) error {
	if err := r.Resolve(key, class, CapabilitySink); err != nil {
		return err
	}
	if r.RecordSink(class) {
		return &ConfigurationError{Key: key, Class: class, Reason: "class acts on scored records and must be listed under stores, not alerts"}
	}
	return nil
}

// Names returns all registered class paths, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Clear removes all classes. Used for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]entry)
}

// New constructs the adapter for cfg. Constructor errors and panics are
// returned as PluginConstructionError.
func (r *Registry) New(env Env, cfg Config) (p Plugin, err error) {
	r.mu.RLock()
	e, ok := r.entries[cfg.Plugin]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Key: env.PluginKey, Class: cfg.Plugin, Reason: "class is not registered"}
	}

	defer func() {
		if rec := recover(); rec != nil {
			p = nil
			err = &PluginConstructionError{Key: env.PluginKey, Class: cfg.Plugin, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	p, err = e.constructor(env, cfg.Params)
	if err != nil {
		return nil, &PluginConstructionError{Key: env.PluginKey, Class: cfg.Plugin, Err: err}
	}
	if p == nil {
		return nil, &PluginConstructionError{Key: env.PluginKey, Class: cfg.Plugin, Err: fmt.Errorf("constructor returned nil")}
	}
	return p, nil
}

// ParseClass splits a class path into family and name. At least two dotted
// segments are required.
func ParseClass(class string) (family, name string, err error) {
	i := strings.LastIndex(class, ".")
	if i <= 0 || i == len(class)-1 {
		return "", "", &ConfigurationError{Class: class, Reason: "class path needs at least two dotted segments"}
	}
	return class[:i], class[i+1:], nil
}

// DecodeParams decodes constructor parameters into out. Unknown parameters
// are rejected.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create params decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// Default is the process registry the builtin plugins register into
var Default = NewRegistry()

// Register adds a constructor to the default registry
func Register(class string, capability Capability, ctor Constructor) error {
	return Default.Register(class, capability, ctor)
}

// Names returns the classes of the default registry
func Names() []string {
	return Default.Names()
}
