// Package pdp implements a policy decision point: attribute- and
// role-based access decisions with priority ordering, deny-over-allow
// conflict resolution, time-bounded delegations and policy inheritance.
package pdp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Effect is the outcome a policy applies when it matches.
type Effect string

const (
	EffectAllow Effect = "Allow"
	EffectDeny  Effect = "Deny"
)

// Sentinel errors. Callers match them with errors.Is after unwrapping.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateName       = errors.New("name already exists")
	ErrPolicyInUse         = errors.New("policy is referenced by roles or assignments")
	ErrRoleInUse           = errors.New("role is assigned to users or groups")
	ErrSystemRole          = errors.New("system role cannot be modified")
	ErrCircularDependency  = errors.New("circular policy dependency")
	ErrDelegationNotHeld   = errors.New("user does not have the policy to delegate")
	ErrInvalidConditionKey = errors.New("invalid condition")
)

// ValidationError carries every violation found while validating a
// policy definition, not only the first one.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "policy validation failed: " + strings.Join(e.Violations, "; ")
}

// Policy is a stored access rule. Resources and Actions hold glob
// patterns, Conditions are ANDed attribute checks. A higher Priority
// wins; at equal priority Deny wins over Allow.
type Policy struct {
	ID            string                    `json:"id"`
	Name          string                    `json:"name"`
	Description   string                    `json:"description,omitempty"`
	Effect        Effect                    `json:"effect"`
	Resources     []string                  `json:"resources"`
	Actions       []string                  `json:"actions"`
	Conditions    map[string]ConditionValue `json:"conditions,omitempty"`
	Principals    []string                  `json:"principals,omitempty"`
	NotPrincipals []string                  `json:"notPrincipals,omitempty"`
	Priority      int                       `json:"priority"`
	IsActive      bool                      `json:"isActive"`
	Version       int                       `json:"version"`
	ParentID      string                    `json:"parentId,omitempty"`
	Tags          map[string]string         `json:"tags,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
}

// Clone returns a deep copy so cached policies stay immutable.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Resources = append([]string(nil), p.Resources...)
	cp.Actions = append([]string(nil), p.Actions...)
	cp.Principals = append([]string(nil), p.Principals...)
	cp.NotPrincipals = append([]string(nil), p.NotPrincipals...)
	if p.Conditions != nil {
		cp.Conditions = make(map[string]ConditionValue, len(p.Conditions))
		for k, v := range p.Conditions {
			cp.Conditions[k] = v.clone()
		}
	}
	if p.Tags != nil {
		cp.Tags = make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			cp.Tags[k] = v
		}
	}
	return &cp
}

// PolicyDefinition is the caller-supplied shape for creating or
// updating a policy. Identity, version and timestamps are assigned by
// the engine.
type PolicyDefinition struct {
	Name          string                    `json:"name"`
	Description   string                    `json:"description,omitempty"`
	Effect        Effect                    `json:"effect"`
	Resources     []string                  `json:"resources"`
	Actions       []string                  `json:"actions"`
	Conditions    map[string]ConditionValue `json:"conditions,omitempty"`
	Principals    []string                  `json:"principals,omitempty"`
	NotPrincipals []string                  `json:"notPrincipals,omitempty"`
	Priority      int                       `json:"priority"`
	Tags          map[string]string         `json:"tags,omitempty"`
}

// Role bundles policies under a name. System roles are read-only.
type Role struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	PolicyIDs   []string          `json:"policyIds"`
	IsActive    bool              `json:"isActive"`
	IsSystem    bool              `json:"isSystem"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	cp := *r
	cp.PolicyIDs = append([]string(nil), r.PolicyIDs...)
	if r.Tags != nil {
		cp.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			cp.Tags[k] = v
		}
	}
	return &cp
}

// RoleDefinition is the caller-supplied shape for creating a role.
type RoleDefinition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	PolicyIDs   []string          `json:"policyIds"`
	IsSystem    bool              `json:"isSystem,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// UserPolicyAssignment links a policy directly to a user, optionally
// until ExpiresAt.
type UserPolicyAssignment struct {
	UserID     string     `json:"userId"`
	PolicyID   string     `json:"policyId"`
	AssignedAt time.Time  `json:"assignedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the assignment has lapsed at the given time.
func (a UserPolicyAssignment) Expired(at time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(at)
}

// PolicyDelegation grants ToUserID the delegated policy between
// StartDate and EndDate while IsActive. Revocation is terminal.
type PolicyDelegation struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	PolicyID   string    `json:"policyId"`
	Reason     string    `json:"reason,omitempty"`
	StartDate  time.Time `json:"startDate"`
	EndDate    time.Time `json:"endDate"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ActiveAt reports whether the delegation confers the policy at the
// given instant. The window is inclusive on both ends.
func (d *PolicyDelegation) ActiveAt(at time.Time) bool {
	return d.IsActive && !at.Before(d.StartDate) && !at.After(d.EndDate)
}

// EvaluationContext describes one access request.
type EvaluationContext struct {
	UserID     string         `json:"userId"`
	Resource   string         `json:"resource"`
	Action     string         `json:"action"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PolicyTrace records how a single policy fared during evaluation.
type PolicyTrace struct {
	PolicyID      string `json:"policyId"`
	PolicyName    string `json:"policyName"`
	Matched       bool   `json:"matched"`
	FailureReason string `json:"failureReason,omitempty"`
	Effect        Effect `json:"effect"`
	Priority      int    `json:"priority"`
}

// EvaluationResult is the decision for one request. AppliedEffect is
// empty when no policy matched.
type EvaluationResult struct {
	IsAllowed         bool          `json:"isAllowed"`
	Reason            string        `json:"reason"`
	MatchedPolicyID   string        `json:"matchedPolicyId,omitempty"`
	MatchedPolicyName string        `json:"matchedPolicyName,omitempty"`
	AppliedEffect     Effect        `json:"appliedEffect,omitempty"`
	Trace             []PolicyTrace `json:"trace,omitempty"`
	Elapsed           time.Duration `json:"elapsed"`
	FromCache         bool          `json:"fromCache,omitempty"`
}

// PolicyConflict is a potentially contradictory pair reported by
// DetectPolicyConflicts. It is advisory; evaluation already resolves
// conflicts deterministically.
type PolicyConflict struct {
	ID           string    `json:"id"`
	PolicyAID    string    `json:"policyAId"`
	PolicyAName  string    `json:"policyAName"`
	PolicyBID    string    `json:"policyBId"`
	PolicyBName  string    `json:"policyBName"`
	ConflictType string    `json:"conflictType"`
	Description  string    `json:"description"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// ValidationResult collects the outcome of ValidatePolicy.
type ValidationResult struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors,omitempty"`
}

// PolicyTemplate is a reusable policy skeleton with {param}
// placeholders in its JSON body.
type PolicyTemplate struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Category    string              `json:"category,omitempty"`
	Parameters  []TemplateParameter `json:"parameters,omitempty"`
	Body        string              `json:"body"`
	IsBuiltIn   bool                `json:"isBuiltIn"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// TemplateParameter documents one substitutable placeholder.
type TemplateParameter struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
}

// ResourceDefinition registers a protectable resource type so tooling
// can enumerate what patterns are meaningful.
type ResourceDefinition struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resourceType"`
	Pattern      string    `json:"pattern"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ActionDefinition registers an action valid for a resource type.
type ActionDefinition struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resourceType"`
	Action       string    `json:"action"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
