package pdp

// Builders provide a fluent API for assembling definitions in code.

// PolicyBuilder builds a PolicyDefinition.
type PolicyBuilder struct {
	d PolicyDefinition
}

func NewPolicyBuilder(name string) *PolicyBuilder {
	return &PolicyBuilder{d: PolicyDefinition{Name: name, Effect: EffectAllow}}
}

func (b *PolicyBuilder) Description(d string) *PolicyBuilder { b.d.Description = d; return b }
func (b *PolicyBuilder) Effect(e Effect) *PolicyBuilder      { b.d.Effect = e; return b }
func (b *PolicyBuilder) Deny() *PolicyBuilder                { b.d.Effect = EffectDeny; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder       { b.d.Priority = p; return b }
func (b *PolicyBuilder) Resources(r ...string) *PolicyBuilder {
	b.d.Resources = append(b.d.Resources, r...)
	return b
}
func (b *PolicyBuilder) Actions(a ...string) *PolicyBuilder {
	b.d.Actions = append(b.d.Actions, a...)
	return b
}
func (b *PolicyBuilder) Condition(key string, value ConditionValue) *PolicyBuilder {
	if b.d.Conditions == nil {
		b.d.Conditions = map[string]ConditionValue{}
	}
	b.d.Conditions[key] = value
	return b
}
func (b *PolicyBuilder) Principals(p ...string) *PolicyBuilder {
	b.d.Principals = append(b.d.Principals, p...)
	return b
}
func (b *PolicyBuilder) Tag(k, v string) *PolicyBuilder {
	if b.d.Tags == nil {
		b.d.Tags = map[string]string{}
	}
	b.d.Tags[k] = v
	return b
}
func (b *PolicyBuilder) Build() PolicyDefinition { return b.d }

// RoleBuilder builds a RoleDefinition.
type RoleBuilder struct {
	d RoleDefinition
}

func NewRoleBuilder(name string) *RoleBuilder {
	return &RoleBuilder{d: RoleDefinition{Name: name}}
}

func (b *RoleBuilder) Description(d string) *RoleBuilder { b.d.Description = d; return b }
func (b *RoleBuilder) System() *RoleBuilder              { b.d.IsSystem = true; return b }
func (b *RoleBuilder) Policies(ids ...string) *RoleBuilder {
	b.d.PolicyIDs = append(b.d.PolicyIDs, ids...)
	return b
}
func (b *RoleBuilder) Tag(k, v string) *RoleBuilder {
	if b.d.Tags == nil {
		b.d.Tags = map[string]string{}
	}
	b.d.Tags[k] = v
	return b
}
func (b *RoleBuilder) Build() RoleDefinition { return b.d }
