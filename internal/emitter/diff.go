package emitter

import (
	"strconv"
	"sync"
)

// DiffType classifies a change between two audits
type DiffType string

const (
	DiffAdded    DiffType = "added"
	DiffResolved DiffType = "resolved"
	DiffModified DiffType = "modified"
)

// Change is a before and after value of one field
type Change struct {
	Previous string
	Current  string
}

// Diff is one recommendation that changed between audits
type Diff struct {
	Type     DiffType
	Finding  Finding
	Previous *Finding
	Changes  map[string]Change
}

// DiffTracker tracks findings between audits and detects changes.
type DiffTracker struct {
	mu          sync.RWMutex
	previous    map[string]Finding
	initialized bool
}

// NewDiffTracker creates a new diff tracker.
func NewDiffTracker() *DiffTracker {
	return &DiffTracker{
		previous: make(map[string]Finding),
	}
}

// ComputeDiff compares current findings against the previous audit.
// Returns nil on the first audit (baseline establishment).
// Returns an empty slice if no changes are detected.
func (d *DiffTracker) ComputeDiff(current []Finding) []Diff {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil
	}

	currentMap := indexFindings(current)
	diffs := make([]Diff, 0)
	diffs = append(diffs, d.findResolvedAndModified(currentMap)...)
	diffs = append(diffs, d.findAdded(currentMap)...)

	return diffs
}

func indexFindings(findings []Finding) map[string]Finding {
	m := make(map[string]Finding, len(findings))
	for _, f := range findings {
		m[f.ID] = f
	}
	return m
}

// findResolvedAndModified checks previous findings for disappearance and modification.
func (d *DiffTracker) findResolvedAndModified(currentMap map[string]Finding) []Diff {
	var diffs []Diff
	for id, prev := range d.previous {
		prevCopy := prev
		curr, exists := currentMap[id]
		if !exists {
			diffs = append(diffs, Diff{Type: DiffResolved, Finding: prev, Previous: &prevCopy})
			continue
		}
		if changes := detectChanges(prev, curr); len(changes) > 0 {
			diffs = append(diffs, Diff{Type: DiffModified, Finding: curr, Previous: &prevCopy, Changes: changes})
		}
	}
	return diffs
}

func (d *DiffTracker) findAdded(currentMap map[string]Finding) []Diff {
	var diffs []Diff
	for id, curr := range currentMap {
		if _, exists := d.previous[id]; !exists {
			diffs = append(diffs, Diff{Type: DiffAdded, Finding: curr})
		}
	}
	return diffs
}

// Update stores the current findings as the baseline for the next audit.
func (d *DiffTracker) Update(current []Finding) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.previous = indexFindings(current)
	d.initialized = true
}

// detectChanges compares the fields that move between audits
func detectChanges(prev, curr Finding) map[string]Change {
	changes := make(map[string]Change)

	if prev.State != curr.State {
		changes["state"] = Change{Previous: prev.State, Current: curr.State}
	}
	if prev.RiskScore != curr.RiskScore {
		changes["risk_score"] = Change{
			Previous: strconv.Itoa(prev.RiskScore),
			Current:  strconv.Itoa(curr.RiskScore),
		}
	}
	if prev.SafeToApplyScore != curr.SafeToApplyScore {
		changes["safe_to_apply_score"] = Change{
			Previous: strconv.Itoa(prev.SafeToApplyScore),
			Current:  strconv.Itoa(curr.SafeToApplyScore),
		}
	}

	return changes
}
