// Package filter matches values against allow and block lists.
package filter

// Filter combines an allowlist and a blocklist. A nil allowlist is
// unrestricted; an empty one allows nothing. Blocklist membership always
// wins. A nil *Filter permits everything.
type Filter struct {
	allow      map[string]bool
	restricted bool
	block      map[string]bool
}

// New creates a Filter
func New(allow, block []string) *Filter {
	f := &Filter{
		restricted: allow != nil,
		allow:      make(map[string]bool, len(allow)),
		block:      make(map[string]bool, len(block)),
	}
	for _, v := range allow {
		f.allow[v] = true
	}
	for _, v := range block {
		f.block[v] = true
	}
	return f
}

// Blocked returns true if v is on the blocklist
func (f *Filter) Blocked(v string) bool {
	return f != nil && f.block[v]
}

// Allowed returns true if the allowlist admits v, ignoring the blocklist
func (f *Filter) Allowed(v string) bool {
	if f == nil || !f.restricted {
		return true
	}
	return f.allow[v]
}

// Permits returns true if v is allowed and not blocked
func (f *Filter) Permits(v string) bool {
	return !f.Blocked(v) && f.Allowed(v)
}

// Apply returns the values the filter permits, in order
func (f *Filter) Apply(values []string) []string {
	if f.IsEmpty() {
		return values
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if f.Permits(v) {
			out = append(out, v)
		}
	}
	return out
}

// IsEmpty returns true if the filter permits everything
func (f *Filter) IsEmpty() bool {
	return f == nil || (!f.restricted && len(f.block) == 0)
}
