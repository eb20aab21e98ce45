package executor

import (
	"fmt"
	"slices"

	"github.com/yairfalse/cureiam/types"
)

// Operation actions understood by ApplyOperations
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// ApplyOperations applies recommended operations to policy in place.
//
// remove drops the member from the first binding of the role when present.
// add appends a new single-member binding for the role without merging into
// an existing binding. Other actions are rejected.
func ApplyOperations(policy *types.Policy, ops []types.Operation) error {
	for i, op := range ops {
		role := op.PathFilter(types.RolePathFilter)
		switch op.Action {
		case ActionRemove:
			RemoveMember(policy, role, op.PathFilter(types.MemberPathFilter))
		case ActionAdd:
			member := op.StringValue()
			if role == "" || member == "" {
				return fmt.Errorf("operation %d: add needs a role and a member", i)
			}
			AddMember(policy, role, member)
		default:
			return fmt.Errorf("operation %d: unsupported action %q", i, op.Action)
		}
	}
	return nil
}

// RemoveMember removes member from the first binding for role. A missing
// binding or member is not an error.
func RemoveMember(policy *types.Policy, role, member string) {
	i := policy.FindBinding(role)
	if i < 0 {
		return
	}
	b := &policy.Bindings[i]
	if j := slices.Index(b.Members, member); j >= 0 {
		b.Members = slices.Delete(b.Members, j, j+1)
	}
}

// AddMember appends a binding granting role to member
func AddMember(policy *types.Policy, role, member string) {
	policy.Bindings = append(policy.Bindings, types.Binding{
		Role:    role,
		Members: []string{member},
	})
}
