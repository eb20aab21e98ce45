package types

// Policy is a project IAM policy
type Policy struct {
	Version  int64     `json:"version,omitempty"`
	Etag     string    `json:"etag,omitempty"`
	Bindings []Binding `json:"bindings"`
}

// Binding grants a role to a list of members
type Binding struct {
	Role      string     `json:"role"`
	Members   []string   `json:"members"`
	Condition *Condition `json:"condition,omitempty"`
}

// Condition is an IAM binding condition
type Condition struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
}

// FindBinding returns the index of the first binding for role, or -1
func (p *Policy) FindBinding(role string) int {
	for i, b := range p.Bindings {
		if b.Role == role {
			return i
		}
	}
	return -1
}
