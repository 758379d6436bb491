package pdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oarkflow/date"
	"gopkg.in/yaml.v3"
)

// Config is a declarative catalog: policies, roles, assignments,
// memberships and delegations, plus engine setting overrides. It is
// what deployments check into git and apply at startup.
type Config struct {
	Version     int                `json:"version" yaml:"version"`
	Engine      EngineConfig       `json:"engine,omitempty" yaml:"engine,omitempty"`
	Policies    []PolicyConfig     `json:"policies,omitempty" yaml:"policies,omitempty"`
	Roles       []RoleConfig       `json:"roles,omitempty" yaml:"roles,omitempty"`
	Assignments AssignmentConfig   `json:"assignments,omitempty" yaml:"assignments,omitempty"`
	Memberships []MembershipConfig `json:"memberships,omitempty" yaml:"memberships,omitempty"`
	Delegations []DelegationConfig `json:"delegations,omitempty" yaml:"delegations,omitempty"`
}

// EngineConfig overrides a subset of Options. Pointer fields
// distinguish "absent" from an explicit false/zero.
type EngineConfig struct {
	DefaultDenyAll         *bool `json:"default_deny_all,omitempty" yaml:"default_deny_all,omitempty"`
	PolicyInheritance      *bool `json:"policy_inheritance,omitempty" yaml:"policy_inheritance,omitempty"`
	PolicyValidation       *bool `json:"policy_validation,omitempty" yaml:"policy_validation,omitempty"`
	MaxConditionComplexity int   `json:"max_condition_complexity,omitempty" yaml:"max_condition_complexity,omitempty"`
	MaxPolicyDepth         int   `json:"max_policy_depth,omitempty" yaml:"max_policy_depth,omitempty"`
	PolicyCacheTTL         int64 `json:"policy_cache_ttl_ms,omitempty" yaml:"policy_cache_ttl_ms,omitempty"`
	DecisionCacheTTL       int64 `json:"decision_cache_ttl_ms,omitempty" yaml:"decision_cache_ttl_ms,omitempty"`
	BulkWorkerCount        int   `json:"bulk_worker_count,omitempty" yaml:"bulk_worker_count,omitempty"`
}

// PolicyConfig declares one policy. Parent refers to another policy by
// name and is linked after all policies exist.
type PolicyConfig struct {
	Name          string                    `json:"name" yaml:"name"`
	Description   string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Effect        Effect                    `json:"effect" yaml:"effect"`
	Resources     []string                  `json:"resources" yaml:"resources"`
	Actions       []string                  `json:"actions" yaml:"actions"`
	Conditions    map[string]ConditionValue `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Principals    []string                  `json:"principals,omitempty" yaml:"principals,omitempty"`
	NotPrincipals []string                  `json:"not_principals,omitempty" yaml:"not_principals,omitempty"`
	Priority      int                       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Parent        string                    `json:"parent,omitempty" yaml:"parent,omitempty"`
	Inactive      bool                      `json:"inactive,omitempty" yaml:"inactive,omitempty"`
	Tags          map[string]string         `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// RoleConfig declares one role; policies are referenced by name.
type RoleConfig struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Policies    []string          `json:"policies,omitempty" yaml:"policies,omitempty"`
	System      bool              `json:"system,omitempty" yaml:"system,omitempty"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// AssignmentConfig declares principal edges, all by name.
type AssignmentConfig struct {
	UserPolicies  []UserPolicyConfig  `json:"user_policies,omitempty" yaml:"user_policies,omitempty"`
	UserRoles     []UserRoleConfig    `json:"user_roles,omitempty" yaml:"user_roles,omitempty"`
	GroupPolicies []GroupPolicyConfig `json:"group_policies,omitempty" yaml:"group_policies,omitempty"`
	GroupRoles    []GroupRoleConfig   `json:"group_roles,omitempty" yaml:"group_roles,omitempty"`
}

type UserPolicyConfig struct {
	User      string `json:"user" yaml:"user"`
	Policy    string `json:"policy" yaml:"policy"`
	ExpiresAt string `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

type UserRoleConfig struct {
	User string `json:"user" yaml:"user"`
	Role string `json:"role" yaml:"role"`
}

type GroupPolicyConfig struct {
	Group  string `json:"group" yaml:"group"`
	Policy string `json:"policy" yaml:"policy"`
}

type GroupRoleConfig struct {
	Group string `json:"group" yaml:"group"`
	Role  string `json:"role" yaml:"role"`
}

type MembershipConfig struct {
	User  string `json:"user" yaml:"user"`
	Group string `json:"group" yaml:"group"`
}

// DelegationConfig declares a time-bounded delegation; timestamps
// accept any format the flexible date parser understands.
type DelegationConfig struct {
	From   string `json:"from" yaml:"from"`
	To     string `json:"to" yaml:"to"`
	Policy string `json:"policy" yaml:"policy"`
	Start  string `json:"start" yaml:"start"`
	End    string `json:"end" yaml:"end"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// ConfigLoader parses configuration documents.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports the config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports the config to indented JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyConfig upserts the declared catalog into the engine's stores.
// Policies and roles are matched by name: existing ones are updated in
// place, missing ones created. Parent links are resolved after all
// policies exist so forward references work.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	e.applyEngineConfig(cfg.Engine)

	for _, pc := range cfg.Policies {
		def := PolicyDefinition{
			Name:          pc.Name,
			Description:   pc.Description,
			Effect:        pc.Effect,
			Resources:     pc.Resources,
			Actions:       pc.Actions,
			Conditions:    pc.Conditions,
			Principals:    pc.Principals,
			NotPrincipals: pc.NotPrincipals,
			Priority:      pc.Priority,
			Tags:          pc.Tags,
		}
		existing, err := e.policies.GetPolicyByName(ctx, pc.Name)
		switch {
		case err == nil:
			if _, err := e.UpdatePolicy(ctx, existing.ID, def); err != nil {
				return fmt.Errorf("config: update policy %q: %w", pc.Name, err)
			}
		case errors.Is(err, ErrNotFound):
			if _, err := e.CreatePolicy(ctx, def); err != nil {
				return fmt.Errorf("config: create policy %q: %w", pc.Name, err)
			}
		default:
			return err
		}
	}

	for _, pc := range cfg.Policies {
		p, err := e.policies.GetPolicyByName(ctx, pc.Name)
		if err != nil {
			return err
		}
		if pc.Parent != "" {
			parent, err := e.policies.GetPolicyByName(ctx, pc.Parent)
			if err != nil {
				return fmt.Errorf("config: policy %q parent %q: %w", pc.Name, pc.Parent, err)
			}
			if ok, err := e.SetPolicyParent(ctx, p.ID, parent.ID); err != nil {
				return fmt.Errorf("config: policy %q parent %q: %w", pc.Name, pc.Parent, err)
			} else if !ok {
				return fmt.Errorf("config: policy %q parent %q: not linked", pc.Name, pc.Parent)
			}
		}
		if pc.Inactive {
			if _, err := e.SetPolicyActive(ctx, p.ID, false); err != nil {
				return fmt.Errorf("config: deactivate policy %q: %w", pc.Name, err)
			}
		}
	}

	for _, rc := range cfg.Roles {
		policyIDs := make([]string, 0, len(rc.Policies))
		for _, name := range rc.Policies {
			p, err := e.policies.GetPolicyByName(ctx, name)
			if err != nil {
				return fmt.Errorf("config: role %q policy %q: %w", rc.Name, name, err)
			}
			policyIDs = append(policyIDs, p.ID)
		}
		def := RoleDefinition{
			Name:        rc.Name,
			Description: rc.Description,
			PolicyIDs:   policyIDs,
			IsSystem:    rc.System,
			Tags:        rc.Tags,
		}
		existing, err := e.roles.GetRoleByName(ctx, rc.Name)
		switch {
		case err == nil:
			if existing.IsSystem {
				continue
			}
			if _, err := e.UpdateRole(ctx, existing.ID, def); err != nil {
				return fmt.Errorf("config: update role %q: %w", rc.Name, err)
			}
		case errors.Is(err, ErrNotFound):
			if _, err := e.CreateRole(ctx, def); err != nil {
				return fmt.Errorf("config: create role %q: %w", rc.Name, err)
			}
		default:
			return err
		}
	}

	for _, m := range cfg.Memberships {
		if err := e.AddUserToGroup(ctx, m.User, m.Group); err != nil {
			return fmt.Errorf("config: membership %s/%s: %w", m.User, m.Group, err)
		}
	}

	if err := e.applyAssignments(ctx, cfg.Assignments); err != nil {
		return err
	}

	for _, dc := range cfg.Delegations {
		p, err := e.policies.GetPolicyByName(ctx, dc.Policy)
		if err != nil {
			return fmt.Errorf("config: delegation policy %q: %w", dc.Policy, err)
		}
		start, err := date.Parse(dc.Start)
		if err != nil {
			return fmt.Errorf("config: delegation start %q: %w", dc.Start, err)
		}
		end, err := date.Parse(dc.End)
		if err != nil {
			return fmt.Errorf("config: delegation end %q: %w", dc.End, err)
		}
		if _, err := e.DelegatePolicy(ctx, dc.From, dc.To, p.ID, start, end, dc.Reason); err != nil {
			return fmt.Errorf("config: delegation %s->%s: %w", dc.From, dc.To, err)
		}
	}
	return nil
}

func (e *Engine) applyEngineConfig(ec EngineConfig) {
	if ec.DefaultDenyAll != nil {
		e.opts.DefaultDenyAll = *ec.DefaultDenyAll
	}
	if ec.PolicyInheritance != nil {
		e.opts.EnablePolicyInheritance = *ec.PolicyInheritance
	}
	if ec.PolicyValidation != nil {
		e.opts.EnablePolicyValidation = *ec.PolicyValidation
	}
	if ec.MaxConditionComplexity > 0 {
		e.opts.MaxConditionComplexity = ec.MaxConditionComplexity
	}
	if ec.MaxPolicyDepth > 0 {
		e.opts.MaxPolicyDepth = ec.MaxPolicyDepth
	}
	if ec.PolicyCacheTTL > 0 {
		e.opts.PolicyCacheTTL = time.Duration(ec.PolicyCacheTTL) * time.Millisecond
	}
	if ec.DecisionCacheTTL > 0 {
		e.opts.DecisionCacheTTL = time.Duration(ec.DecisionCacheTTL) * time.Millisecond
	}
	if ec.BulkWorkerCount > 0 {
		e.opts.BulkWorkerCount = ec.BulkWorkerCount
	}
}

func (e *Engine) applyAssignments(ctx context.Context, ac AssignmentConfig) error {
	for _, a := range ac.UserPolicies {
		p, err := e.policies.GetPolicyByName(ctx, a.Policy)
		if err != nil {
			return fmt.Errorf("config: user policy %q: %w", a.Policy, err)
		}
		var expiresAt *time.Time
		if a.ExpiresAt != "" {
			t, err := date.Parse(a.ExpiresAt)
			if err != nil {
				return fmt.Errorf("config: expires_at %q: %w", a.ExpiresAt, err)
			}
			expiresAt = &t
		}
		if err := e.AssignPolicyToUser(ctx, a.User, p.ID, expiresAt); err != nil {
			return err
		}
	}
	for _, a := range ac.UserRoles {
		r, err := e.roles.GetRoleByName(ctx, a.Role)
		if err != nil {
			return fmt.Errorf("config: user role %q: %w", a.Role, err)
		}
		if err := e.AssignRoleToUser(ctx, a.User, r.ID); err != nil {
			return err
		}
	}
	for _, a := range ac.GroupPolicies {
		p, err := e.policies.GetPolicyByName(ctx, a.Policy)
		if err != nil {
			return fmt.Errorf("config: group policy %q: %w", a.Policy, err)
		}
		if err := e.AssignPolicyToGroup(ctx, a.Group, p.ID); err != nil {
			return err
		}
	}
	for _, a := range ac.GroupRoles {
		r, err := e.roles.GetRoleByName(ctx, a.Role)
		if err != nil {
			return fmt.Errorf("config: group role %q: %w", a.Role, err)
		}
		if err := e.AssignRoleToGroup(ctx, a.Group, r.ID); err != nil {
			return err
		}
	}
	return nil
}
