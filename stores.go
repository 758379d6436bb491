package pdp

import (
	"context"
	"time"
)

// PolicyStore persists policies. Implementations return ErrNotFound
// for missing ids and ErrDuplicateName on name collisions.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	GetPolicyByName(ctx context.Context, name string) (*Policy, error)
	ListPolicies(ctx context.Context) ([]*Policy, error)
	ListChildPolicies(ctx context.Context, parentID string) ([]*Policy, error)
}

// RoleStore persists roles.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error
	GetRole(ctx context.Context, id string) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	// RolesUsingPolicy returns ids of roles that reference the policy.
	RolesUsingPolicy(ctx context.Context, policyID string) ([]string, error)
}

// AssignmentStore persists the user/group edges to policies and roles.
// Assign operations are upserts; Remove operations report whether an
// edge existed.
type AssignmentStore interface {
	AssignPolicyToUser(ctx context.Context, userID, policyID string, expiresAt *time.Time) error
	RemovePolicyFromUser(ctx context.Context, userID, policyID string) (bool, error)
	ListUserPolicyAssignments(ctx context.Context, userID string) ([]UserPolicyAssignment, error)

	AssignRoleToUser(ctx context.Context, userID, roleID string) error
	RemoveRoleFromUser(ctx context.Context, userID, roleID string) (bool, error)
	ListUserRoles(ctx context.Context, userID string) ([]string, error)

	AssignPolicyToGroup(ctx context.Context, groupID, policyID string) error
	RemovePolicyFromGroup(ctx context.Context, groupID, policyID string) (bool, error)
	ListGroupPolicies(ctx context.Context, groupID string) ([]string, error)

	AssignRoleToGroup(ctx context.Context, groupID, roleID string) error
	RemoveRoleFromGroup(ctx context.Context, groupID, roleID string) (bool, error)
	ListGroupRoles(ctx context.Context, groupID string) ([]string, error)

	// PolicyAssigned reports whether any user or group edge references
	// the policy; RoleAssigned does the same for roles. The engine uses
	// them as delete guards.
	PolicyAssigned(ctx context.Context, policyID string) (bool, error)
	RoleAssigned(ctx context.Context, roleID string) (bool, error)
}

// GroupMembershipStore resolves which groups a user belongs to.
// Membership is usually provisioned by an external identity system,
// so it is a separate store that can be backed by Redis.
type GroupMembershipStore interface {
	AddUserToGroup(ctx context.Context, userID, groupID string) error
	RemoveUserFromGroup(ctx context.Context, userID, groupID string) (bool, error)
	ListUserGroups(ctx context.Context, userID string) ([]string, error)
}

// DelegationStore persists policy delegations.
type DelegationStore interface {
	CreateDelegation(ctx context.Context, d *PolicyDelegation) error
	UpdateDelegation(ctx context.Context, d *PolicyDelegation) error
	GetDelegation(ctx context.Context, id string) (*PolicyDelegation, error)
	ListDelegationsFrom(ctx context.Context, userID string) ([]*PolicyDelegation, error)
	ListDelegationsTo(ctx context.Context, userID string) ([]*PolicyDelegation, error)
}

// TemplateStore persists policy templates.
type TemplateStore interface {
	CreateTemplate(ctx context.Context, t *PolicyTemplate) error
	GetTemplate(ctx context.Context, id string) (*PolicyTemplate, error)
	ListTemplates(ctx context.Context, category string) ([]*PolicyTemplate, error)
}

// RegistryStore persists resource and action definitions.
type RegistryStore interface {
	CreateResourceDefinition(ctx context.Context, d *ResourceDefinition) error
	ListResourceDefinitions(ctx context.Context, resourceType string) ([]*ResourceDefinition, error)
	CreateActionDefinition(ctx context.Context, d *ActionDefinition) error
	ListActionDefinitions(ctx context.Context, resourceType string) ([]*ActionDefinition, error)
}
