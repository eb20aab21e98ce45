// Package builtin registers every adapter shipped with cureiam.
package builtin

import (
	"github.com/yairfalse/cureiam/internal/emitter"
	"github.com/yairfalse/cureiam/internal/plugin"
	"github.com/yairfalse/cureiam/internal/plugin/aws"
	"github.com/yairfalse/cureiam/internal/plugin/bolt"
	"github.com/yairfalse/cureiam/internal/plugin/elastic"
	"github.com/yairfalse/cureiam/internal/plugin/email"
	"github.com/yairfalse/cureiam/internal/plugin/files"
	"github.com/yairfalse/cureiam/internal/plugin/gcp"
	"github.com/yairfalse/cureiam/internal/plugin/mock"
	"github.com/yairfalse/cureiam/internal/plugin/webhook"
)

// RegisterAll adds every builtin class to r
func RegisterAll(r *plugin.Registry) {
	gcp.Register(r)
	mock.Register(r)
	elastic.Register(r)
	files.Register(r)
	bolt.Register(r)
	aws.Register(r)
	emitter.Register(r)
	email.Register(r)
	webhook.Register(r)
}

func init() {
	RegisterAll(plugin.Default)
}
