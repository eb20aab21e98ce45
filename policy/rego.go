package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
)

// DenyQuery is the rule every veto module contributes to
const DenyQuery = "data.cureiam.enforce.deny"

// RegoVeto evaluates operator supplied Rego rules that can veto a candidate
// the built-in gates let through
type RegoVeto struct {
	query rego.PreparedEvalQuery
}

// NewRegoVeto compiles modules, keyed by name
func NewRegoVeto(ctx context.Context, modules map[string]string) (*RegoVeto, error) {
	opts := []func(*rego.Rego){rego.Query(DenyQuery)}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile enforcement policy: %w", err)
	}
	return &RegoVeto{query: prepared}, nil
}

// LoadRegoVeto reads .rego files from paths. A directory contributes every
// .rego file beneath it.
func LoadRegoVeto(ctx context.Context, paths []string) (*RegoVeto, error) {
	modules := make(map[string]string)
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".rego") {
				return nil
			}
			content, err := os.ReadFile(filepath.Clean(path))
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			modules[path] = string(content)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("no .rego files found in %v", paths)
	}
	return NewRegoVeto(ctx, modules)
}

// Deny returns the reasons the rules give for refusing c. No reasons means
// no veto.
func (v *RegoVeto) Deny(ctx context.Context, c Candidate) ([]string, error) {
	results, err := v.query.Eval(ctx, rego.EvalInput(c))
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	var reasons []string
	for _, res := range results {
		for _, expr := range res.Expressions {
			switch val := expr.Value.(type) {
			case []any:
				for _, item := range val {
					reasons = append(reasons, fmt.Sprint(item))
				}
			case bool:
				if val {
					reasons = append(reasons, "denied by policy")
				}
			case string:
				reasons = append(reasons, val)
			}
		}
	}
	slices.Sort(reasons)
	return reasons, nil
}

// Gate adapts the veto to the gate chain
func (v *RegoVeto) Gate() GateFunc {
	return func(ctx context.Context, _ *Config, c Candidate) GateResult {
		r := GateResult{Gate: "rego", Passed: true}
		reasons, err := v.Deny(ctx, c)
		if err != nil {
			r.Passed, r.Reason = false, err.Error()
			return r
		}
		if len(reasons) > 0 {
			r.Passed, r.Reason = false, strings.Join(reasons, "; ")
		}
		return r
	}
}
