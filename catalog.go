package pdp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remoteops/pdp/utils"
)

// CreatePolicy validates the definition, assigns identity and stores
// the policy. New policies start active at version 1.
func (e *Engine) CreatePolicy(ctx context.Context, def PolicyDefinition) (*Policy, error) {
	if e.opts.EnablePolicyValidation {
		if res := e.ValidatePolicy(def); !res.IsValid {
			return nil, &ValidationError{Violations: res.Errors}
		}
	}
	if _, err := e.policies.GetPolicyByName(ctx, def.Name); err == nil {
		return nil, fmt.Errorf("policy %q: %w", def.Name, ErrDuplicateName)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := e.now()
	p := &Policy{
		ID:            uuid.NewString(),
		Name:          def.Name,
		Description:   def.Description,
		Effect:        def.Effect,
		Resources:     append([]string(nil), def.Resources...),
		Actions:       append([]string(nil), def.Actions...),
		Conditions:    def.Conditions,
		Principals:    append([]string(nil), def.Principals...),
		NotPrincipals: append([]string(nil), def.NotPrincipals...),
		Priority:      def.Priority,
		IsActive:      true,
		Version:       1,
		Tags:          def.Tags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.policies.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}
	e.metrics.IncrCounter("policy.created", 1, nil)
	e.audit("policy.created", "policy", p.ID, "", map[string]any{"name": p.Name, "effect": string(p.Effect)})
	e.logger.Info("policy created", "policy_id", p.ID, "name", p.Name)
	return p.Clone(), nil
}

// UpdatePolicy replaces the mutable fields of an existing policy and
// bumps its version. Parent and active state are managed separately.
func (e *Engine) UpdatePolicy(ctx context.Context, id string, def PolicyDefinition) (*Policy, error) {
	if e.opts.EnablePolicyValidation {
		if res := e.ValidatePolicy(def); !res.IsValid {
			return nil, &ValidationError{Violations: res.Errors}
		}
	}
	p, err := e.policies.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Name != p.Name {
		if other, err := e.policies.GetPolicyByName(ctx, def.Name); err == nil && other.ID != id {
			return nil, fmt.Errorf("policy %q: %w", def.Name, ErrDuplicateName)
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	p.Name = def.Name
	p.Description = def.Description
	p.Effect = def.Effect
	p.Resources = append([]string(nil), def.Resources...)
	p.Actions = append([]string(nil), def.Actions...)
	p.Conditions = def.Conditions
	p.Principals = append([]string(nil), def.Principals...)
	p.NotPrincipals = append([]string(nil), def.NotPrincipals...)
	p.Priority = def.Priority
	p.Tags = def.Tags
	p.Version++
	p.UpdatedAt = e.now()

	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return nil, err
	}
	e.invalidatePolicy(ctx, id)
	e.audit("policy.updated", "policy", id, "", map[string]any{"name": p.Name, "version": p.Version})
	return p.Clone(), nil
}

// SetPolicyActive toggles evaluation participation without touching
// the stored rule. Returns false when the policy does not exist.
func (e *Engine) SetPolicyActive(ctx context.Context, id string, active bool) (bool, error) {
	p, err := e.policies.GetPolicy(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if p.IsActive == active {
		return true, nil
	}
	p.IsActive = active
	p.Version++
	p.UpdatedAt = e.now()
	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return false, err
	}
	e.invalidatePolicy(ctx, id)
	e.audit("policy.toggled", "policy", id, "", map[string]any{"active": active})
	return true, nil
}

// DeletePolicy removes a policy unless roles or assignments still
// reference it. A missing id is reported as (false, nil) so deletes
// are idempotent.
func (e *Engine) DeletePolicy(ctx context.Context, id string) (bool, error) {
	if _, err := e.policies.GetPolicy(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	roleIDs, err := e.roles.RolesUsingPolicy(ctx, id)
	if err != nil {
		return false, err
	}
	if len(roleIDs) > 0 {
		return false, fmt.Errorf("policy %s held by roles %v: %w", id, roleIDs, ErrPolicyInUse)
	}
	assigned, err := e.assignments.PolicyAssigned(ctx, id)
	if err != nil {
		return false, err
	}
	if assigned {
		return false, fmt.Errorf("policy %s: %w", id, ErrPolicyInUse)
	}

	children, err := e.policies.ListChildPolicies(ctx, id)
	if err != nil {
		return false, err
	}
	// detach children so their chains do not dangle
	for _, child := range children {
		child.ParentID = ""
		child.UpdatedAt = e.now()
		if err := e.policies.UpdatePolicy(ctx, child); err != nil {
			return false, err
		}
	}

	if err := e.policies.DeletePolicy(ctx, id); err != nil {
		return false, err
	}
	e.invalidatePolicy(ctx, id)
	e.metrics.IncrCounter("policy.deleted", 1, nil)
	e.audit("policy.deleted", "policy", id, "", nil)
	return true, nil
}

// GetPolicy returns the policy, serving repeat reads from cache.
func (e *Engine) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	var cached Policy
	if e.cacheGet(ctx, cacheKeyPolicy+id, &cached) {
		return &cached, nil
	}
	p, err := e.policies.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheSet(ctx, cacheKeyPolicy+id, p, e.opts.PolicyCacheTTL)
	return p.Clone(), nil
}

// GetPolicyByName looks a policy up by its unique name.
func (e *Engine) GetPolicyByName(ctx context.Context, name string) (*Policy, error) {
	return e.policies.GetPolicyByName(ctx, name)
}

// ListPolicies returns every stored policy.
func (e *Engine) ListPolicies(ctx context.Context) ([]*Policy, error) {
	return e.policies.ListPolicies(ctx)
}

// FindPolicies returns policies whose patterns cover the given
// resource and action. Empty arguments match everything.
func (e *Engine) FindPolicies(ctx context.Context, resource, action string) ([]*Policy, error) {
	all, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Policy, 0, len(all))
	for _, p := range all {
		if resource != "" && !utils.MatchAny(p.Resources, resource) {
			continue
		}
		if action != "" && !utils.MatchAny(p.Actions, action) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ValidatePolicy checks a definition structurally and returns every
// violation found.
func (e *Engine) ValidatePolicy(def PolicyDefinition) ValidationResult {
	var violations []string
	if strings.TrimSpace(def.Name) == "" {
		violations = append(violations, "name is required")
	}
	if def.Effect != EffectAllow && def.Effect != EffectDeny {
		violations = append(violations, fmt.Sprintf("effect must be %s or %s", EffectAllow, EffectDeny))
	}
	if len(def.Resources) == 0 {
		violations = append(violations, "at least one resource pattern is required")
	}
	for _, r := range def.Resources {
		if !IsValidResourcePattern(r) {
			violations = append(violations, fmt.Sprintf("invalid resource pattern %q", r))
		}
	}
	if len(def.Actions) == 0 {
		violations = append(violations, "at least one action pattern is required")
	}
	for _, a := range def.Actions {
		if strings.TrimSpace(a) == "" {
			violations = append(violations, "empty action pattern")
		}
	}
	if def.Priority < 0 {
		violations = append(violations, "priority must not be negative")
	}
	if max := e.opts.MaxConditionComplexity; max > 0 {
		if score := ConditionComplexity(def.Conditions); score > max {
			violations = append(violations, fmt.Sprintf("condition complexity %d exceeds limit %d", score, max))
		}
	}
	return ValidationResult{IsValid: len(violations) == 0, Errors: violations}
}

// IsValidResourcePattern rejects empty patterns, parent traversal and
// separator-framed patterns.
func IsValidResourcePattern(pattern string) bool {
	if strings.TrimSpace(pattern) == "" {
		return false
	}
	if strings.Contains(pattern, "..") {
		return false
	}
	if strings.HasPrefix(pattern, "/") || strings.HasSuffix(pattern, "/") {
		return false
	}
	return true
}

// CreateRole stores a role after checking its name is free and every
// referenced policy exists.
func (e *Engine) CreateRole(ctx context.Context, def RoleDefinition) (*Role, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, &ValidationError{Violations: []string{"name is required"}}
	}
	if _, err := e.roles.GetRoleByName(ctx, def.Name); err == nil {
		return nil, fmt.Errorf("role %q: %w", def.Name, ErrDuplicateName)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	for _, pid := range def.PolicyIDs {
		if _, err := e.policies.GetPolicy(ctx, pid); err != nil {
			return nil, fmt.Errorf("role %q references policy %s: %w", def.Name, pid, err)
		}
	}

	now := e.now()
	r := &Role{
		ID:          uuid.NewString(),
		Name:        def.Name,
		Description: def.Description,
		PolicyIDs:   append([]string(nil), def.PolicyIDs...),
		IsActive:    true,
		IsSystem:    def.IsSystem,
		Tags:        def.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.roles.CreateRole(ctx, r); err != nil {
		return nil, err
	}
	e.audit("role.created", "role", r.ID, "", map[string]any{"name": r.Name})
	return r.Clone(), nil
}

// UpdateRole replaces a role's mutable fields. System roles are
// immutable.
func (e *Engine) UpdateRole(ctx context.Context, id string, def RoleDefinition) (*Role, error) {
	r, err := e.roles.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.IsSystem {
		return nil, fmt.Errorf("role %s: %w", id, ErrSystemRole)
	}
	if def.Name != r.Name {
		if other, err := e.roles.GetRoleByName(ctx, def.Name); err == nil && other.ID != id {
			return nil, fmt.Errorf("role %q: %w", def.Name, ErrDuplicateName)
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	for _, pid := range def.PolicyIDs {
		if _, err := e.policies.GetPolicy(ctx, pid); err != nil {
			return nil, fmt.Errorf("role %q references policy %s: %w", def.Name, pid, err)
		}
	}

	r.Name = def.Name
	r.Description = def.Description
	r.PolicyIDs = append([]string(nil), def.PolicyIDs...)
	r.Tags = def.Tags
	r.UpdatedAt = e.now()
	if err := e.roles.UpdateRole(ctx, r); err != nil {
		return nil, err
	}
	e.invalidateRole(ctx, id)
	e.audit("role.updated", "role", id, "", map[string]any{"name": r.Name})
	return r.Clone(), nil
}

// DeleteRole removes a role unless it is a system role or still
// assigned. Missing ids report (false, nil).
func (e *Engine) DeleteRole(ctx context.Context, id string) (bool, error) {
	r, err := e.roles.GetRole(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if r.IsSystem {
		return false, fmt.Errorf("role %s: %w", id, ErrSystemRole)
	}
	assigned, err := e.assignments.RoleAssigned(ctx, id)
	if err != nil {
		return false, err
	}
	if assigned {
		return false, fmt.Errorf("role %s: %w", id, ErrRoleInUse)
	}
	if err := e.roles.DeleteRole(ctx, id); err != nil {
		return false, err
	}
	e.invalidateRole(ctx, id)
	e.audit("role.deleted", "role", id, "", nil)
	return true, nil
}

// GetRole returns the role, serving repeat reads from cache.
func (e *Engine) GetRole(ctx context.Context, id string) (*Role, error) {
	var cached Role
	if e.cacheGet(ctx, cacheKeyRole+id, &cached) {
		return &cached, nil
	}
	r, err := e.roles.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheSet(ctx, cacheKeyRole+id, r, e.opts.PolicyCacheTTL)
	return r.Clone(), nil
}

// GetRoleByName looks a role up by its unique name.
func (e *Engine) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return e.roles.GetRoleByName(ctx, name)
}

// ListRoles returns every stored role.
func (e *Engine) ListRoles(ctx context.Context) ([]*Role, error) {
	return e.roles.ListRoles(ctx)
}

// AttachPolicyToRole adds a policy to a role's set. Attaching an
// already-attached policy is a no-op that still reports true.
func (e *Engine) AttachPolicyToRole(ctx context.Context, roleID, policyID string) (bool, error) {
	r, err := e.roles.GetRole(ctx, roleID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if r.IsSystem {
		return false, fmt.Errorf("role %s: %w", roleID, ErrSystemRole)
	}
	if _, err := e.policies.GetPolicy(ctx, policyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, pid := range r.PolicyIDs {
		if pid == policyID {
			return true, nil
		}
	}
	r.PolicyIDs = append(r.PolicyIDs, policyID)
	r.UpdatedAt = e.now()
	if err := e.roles.UpdateRole(ctx, r); err != nil {
		return false, err
	}
	e.invalidateRole(ctx, roleID)
	e.audit("role.policy_attached", "role", roleID, "", map[string]any{"policy_id": policyID})
	return true, nil
}

// DetachPolicyFromRole removes a policy from a role's set, reporting
// whether it was present.
func (e *Engine) DetachPolicyFromRole(ctx context.Context, roleID, policyID string) (bool, error) {
	r, err := e.roles.GetRole(ctx, roleID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if r.IsSystem {
		return false, fmt.Errorf("role %s: %w", roleID, ErrSystemRole)
	}
	found := false
	kept := r.PolicyIDs[:0]
	for _, pid := range r.PolicyIDs {
		if pid == policyID {
			found = true
			continue
		}
		kept = append(kept, pid)
	}
	if !found {
		return false, nil
	}
	r.PolicyIDs = kept
	r.UpdatedAt = e.now()
	if err := e.roles.UpdateRole(ctx, r); err != nil {
		return false, err
	}
	e.invalidateRole(ctx, roleID)
	e.audit("role.policy_detached", "role", roleID, "", map[string]any{"policy_id": policyID})
	return true, nil
}

// AssignPolicyToUser grants a policy directly, optionally until
// expiresAt. Re-assigning refreshes the expiry.
func (e *Engine) AssignPolicyToUser(ctx context.Context, userID, policyID string, expiresAt *time.Time) error {
	if _, err := e.policies.GetPolicy(ctx, policyID); err != nil {
		return err
	}
	if err := e.assignments.AssignPolicyToUser(ctx, userID, policyID, expiresAt); err != nil {
		return err
	}
	e.ClearUserCache(ctx, userID)
	e.audit("assignment.policy_user", "policy", policyID, userID, map[string]any{"user_id": userID})
	return nil
}

// UnassignPolicyFromUser removes a direct grant, reporting whether one
// existed.
func (e *Engine) UnassignPolicyFromUser(ctx context.Context, userID, policyID string) (bool, error) {
	removed, err := e.assignments.RemovePolicyFromUser(ctx, userID, policyID)
	if err != nil || !removed {
		return removed, err
	}
	e.ClearUserCache(ctx, userID)
	e.audit("assignment.policy_user_removed", "policy", policyID, userID, map[string]any{"user_id": userID})
	return true, nil
}

// AssignRoleToUser grants a role to a user.
func (e *Engine) AssignRoleToUser(ctx context.Context, userID, roleID string) error {
	if _, err := e.roles.GetRole(ctx, roleID); err != nil {
		return err
	}
	if err := e.assignments.AssignRoleToUser(ctx, userID, roleID); err != nil {
		return err
	}
	e.ClearUserCache(ctx, userID)
	e.audit("assignment.role_user", "role", roleID, userID, map[string]any{"user_id": userID})
	return nil
}

// UnassignRoleFromUser removes a role grant, reporting whether one
// existed.
func (e *Engine) UnassignRoleFromUser(ctx context.Context, userID, roleID string) (bool, error) {
	removed, err := e.assignments.RemoveRoleFromUser(ctx, userID, roleID)
	if err != nil || !removed {
		return removed, err
	}
	e.ClearUserCache(ctx, userID)
	e.audit("assignment.role_user_removed", "role", roleID, userID, map[string]any{"user_id": userID})
	return true, nil
}

// AssignPolicyToGroup grants a policy to every member of a group.
func (e *Engine) AssignPolicyToGroup(ctx context.Context, groupID, policyID string) error {
	if _, err := e.policies.GetPolicy(ctx, policyID); err != nil {
		return err
	}
	if err := e.assignments.AssignPolicyToGroup(ctx, groupID, policyID); err != nil {
		return err
	}
	e.cache.DeletePrefix(ctx, cacheKeyDecision)
	e.cache.DeletePrefix(ctx, cacheKeyUserPolicies)
	e.audit("assignment.policy_group", "policy", policyID, "", map[string]any{"group_id": groupID})
	return nil
}

// UnassignPolicyFromGroup removes a group grant.
func (e *Engine) UnassignPolicyFromGroup(ctx context.Context, groupID, policyID string) (bool, error) {
	removed, err := e.assignments.RemovePolicyFromGroup(ctx, groupID, policyID)
	if err != nil || !removed {
		return removed, err
	}
	e.cache.DeletePrefix(ctx, cacheKeyDecision)
	e.cache.DeletePrefix(ctx, cacheKeyUserPolicies)
	e.audit("assignment.policy_group_removed", "policy", policyID, "", map[string]any{"group_id": groupID})
	return true, nil
}

// AssignRoleToGroup grants a role to every member of a group.
func (e *Engine) AssignRoleToGroup(ctx context.Context, groupID, roleID string) error {
	if _, err := e.roles.GetRole(ctx, roleID); err != nil {
		return err
	}
	if err := e.assignments.AssignRoleToGroup(ctx, groupID, roleID); err != nil {
		return err
	}
	e.cache.DeletePrefix(ctx, cacheKeyDecision)
	e.cache.DeletePrefix(ctx, cacheKeyUserPolicies)
	e.audit("assignment.role_group", "role", roleID, "", map[string]any{"group_id": groupID})
	return nil
}

// UnassignRoleFromGroup removes a group role grant.
func (e *Engine) UnassignRoleFromGroup(ctx context.Context, groupID, roleID string) (bool, error) {
	removed, err := e.assignments.RemoveRoleFromGroup(ctx, groupID, roleID)
	if err != nil || !removed {
		return removed, err
	}
	e.cache.DeletePrefix(ctx, cacheKeyDecision)
	e.cache.DeletePrefix(ctx, cacheKeyUserPolicies)
	e.audit("assignment.role_group_removed", "role", roleID, "", map[string]any{"group_id": groupID})
	return true, nil
}

// AddUserToGroup records group membership and drops the user's cached
// decisions.
func (e *Engine) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	if err := e.groups.AddUserToGroup(ctx, userID, groupID); err != nil {
		return err
	}
	e.ClearUserCache(ctx, userID)
	e.audit("membership.added", "group", groupID, userID, map[string]any{"user_id": userID})
	return nil
}

// RemoveUserFromGroup removes group membership.
func (e *Engine) RemoveUserFromGroup(ctx context.Context, userID, groupID string) (bool, error) {
	removed, err := e.groups.RemoveUserFromGroup(ctx, userID, groupID)
	if err != nil || !removed {
		return removed, err
	}
	e.ClearUserCache(ctx, userID)
	e.audit("membership.removed", "group", groupID, userID, map[string]any{"user_id": userID})
	return true, nil
}

// sortPoliciesForEvaluation orders by priority descending, Deny before
// Allow at equal priority, then by name for a stable trace.
func sortPoliciesForEvaluation(policies []*Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		if policies[i].Effect != policies[j].Effect {
			return policies[i].Effect == EffectDeny
		}
		return policies[i].Name < policies[j].Name
	})
}
