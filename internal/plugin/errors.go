package plugin

import "fmt"

// ConfigurationError reports a malformed or unresolvable plugin reference.
// It is fatal to the configuration load and never retried.
type ConfigurationError struct {
	Key    string
	Class  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("plugin %q (%s): %s", e.Key, e.Class, e.Reason)
	}
	return fmt.Sprintf("plugin class %q: %s", e.Class, e.Reason)
}

// PluginConstructionError reports an adapter constructor failure.
// It stops only the worker that attempted the construction.
type PluginConstructionError struct {
	Key   string
	Class string
	Err   error
}

func (e *PluginConstructionError) Error() string {
	return fmt.Sprintf("failed to construct plugin %q (%s): %v", e.Key, e.Class, e.Err)
}

func (e *PluginConstructionError) Unwrap() error {
	return e.Err
}

// RecordProcessingError reports a failure on a single record. The record is
// dropped and the worker continues.
type RecordProcessingError struct {
	Worker string
	Stage  string
	Err    error
}

func (e *RecordProcessingError) Error() string {
	return fmt.Sprintf("worker %s (%s): %v", e.Worker, e.Stage, e.Err)
}

func (e *RecordProcessingError) Unwrap() error {
	return e.Err
}
