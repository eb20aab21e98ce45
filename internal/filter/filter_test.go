package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_NoLists(t *testing.T) {
	f := New(nil, nil)
	assert.True(t, f.IsEmpty())
	assert.True(t, f.Permits("proj-a"))
	assert.False(t, f.Blocked("proj-a"))
}

func TestFilter_NilFilter(t *testing.T) {
	var f *Filter
	assert.True(t, f.IsEmpty())
	assert.True(t, f.Permits("anything"))
	assert.Equal(t, []string{"a"}, f.Apply([]string{"a"}))
}

func TestFilter_Allowlist(t *testing.T) {
	f := New([]string{"user", "group"}, nil)
	assert.True(t, f.Allowed("user"))
	assert.False(t, f.Allowed("serviceAccount"))
	assert.False(t, f.IsEmpty())
}

// Test an empty allowlist allows nothing, unlike a nil one
func TestFilter_EmptyAllowlist(t *testing.T) {
	f := New([]string{}, nil)
	assert.False(t, f.Allowed("user"))
	assert.False(t, f.IsEmpty())
}

func TestFilter_BlocklistWins(t *testing.T) {
	f := New([]string{"proj-a", "proj-b"}, []string{"proj-a"})
	assert.True(t, f.Allowed("proj-a"))
	assert.True(t, f.Blocked("proj-a"))
	assert.False(t, f.Permits("proj-a"))
	assert.True(t, f.Permits("proj-b"))
}

func TestFilter_Apply(t *testing.T) {
	f := New(nil, []string{"proj-x"})
	assert.Equal(t, []string{"proj-a", "proj-b"}, f.Apply([]string{"proj-a", "proj-x", "proj-b"}))
}
