package gcp

import "github.com/yairfalse/cureiam/internal/plugin"

// Register adds the GCP plugins to r
func Register(r *plugin.Registry) {
	r.MustRegister(SourceClass, plugin.CapabilitySource, newSourcePlugin)
	r.MustRegister(ProcessorClass, plugin.CapabilityTransform, newProcessorPlugin)
}
