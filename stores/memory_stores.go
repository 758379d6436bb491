package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/remoteops/pdp"
)

// MemoryPolicyStore is the in-process PolicyStore used by tests and
// single-node deployments that load their catalog from config.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*pdp.Policy
	byName   map[string]string
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		policies: make(map[string]*pdp.Policy),
		byName:   make(map[string]string),
	}
}

func (s *MemoryPolicyStore) CreatePolicy(ctx context.Context, p *pdp.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return fmt.Errorf("policy %s already exists", p.ID)
	}
	if _, ok := s.byName[p.Name]; ok {
		return fmt.Errorf("policy %q: %w", p.Name, pdp.ErrDuplicateName)
	}
	s.policies[p.ID] = p.Clone()
	s.byName[p.Name] = p.ID
	return nil
}

func (s *MemoryPolicyStore) UpdatePolicy(ctx context.Context, p *pdp.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("policy %q: %w", p.ID, pdp.ErrNotFound)
	}
	if other, ok := s.byName[p.Name]; ok && other != p.ID {
		return fmt.Errorf("policy %q: %w", p.Name, pdp.ErrDuplicateName)
	}
	delete(s.byName, old.Name)
	s.policies[p.ID] = p.Clone()
	s.byName[p.Name] = p.ID
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("policy %q: %w", id, pdp.ErrNotFound)
	}
	delete(s.byName, p.Name)
	delete(s.policies, id)
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*pdp.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %q: %w", id, pdp.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryPolicyStore) GetPolicyByName(ctx context.Context, name string) (*pdp.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("policy %q: %w", name, pdp.ErrNotFound)
	}
	return s.policies[id].Clone(), nil
}

func (s *MemoryPolicyStore) ListPolicies(ctx context.Context) ([]*pdp.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pdp.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryPolicyStore) ListChildPolicies(ctx context.Context, parentID string) ([]*pdp.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pdp.Policy
	for _, p := range s.policies {
		if p.ParentID == parentID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MemoryRoleStore is the in-process RoleStore.
type MemoryRoleStore struct {
	mu     sync.RWMutex
	roles  map[string]*pdp.Role
	byName map[string]string
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{
		roles:  make(map[string]*pdp.Role),
		byName: make(map[string]string),
	}
}

func (s *MemoryRoleStore) CreateRole(ctx context.Context, r *pdp.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; ok {
		return fmt.Errorf("role %s already exists", r.ID)
	}
	if _, ok := s.byName[r.Name]; ok {
		return fmt.Errorf("role %q: %w", r.Name, pdp.ErrDuplicateName)
	}
	s.roles[r.ID] = r.Clone()
	s.byName[r.Name] = r.ID
	return nil
}

func (s *MemoryRoleStore) UpdateRole(ctx context.Context, r *pdp.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.roles[r.ID]
	if !ok {
		return fmt.Errorf("role %q: %w", r.ID, pdp.ErrNotFound)
	}
	if other, ok := s.byName[r.Name]; ok && other != r.ID {
		return fmt.Errorf("role %q: %w", r.Name, pdp.ErrDuplicateName)
	}
	delete(s.byName, old.Name)
	s.roles[r.ID] = r.Clone()
	s.byName[r.Name] = r.ID
	return nil
}

func (s *MemoryRoleStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return fmt.Errorf("role %q: %w", id, pdp.ErrNotFound)
	}
	delete(s.byName, r.Name)
	delete(s.roles, id)
	return nil
}

func (s *MemoryRoleStore) GetRole(ctx context.Context, id string) (*pdp.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %q: %w", id, pdp.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryRoleStore) GetRoleByName(ctx context.Context, name string) (*pdp.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("role %q: %w", name, pdp.ErrNotFound)
	}
	return s.roles[id].Clone(), nil
}

func (s *MemoryRoleStore) ListRoles(ctx context.Context) ([]*pdp.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pdp.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryRoleStore) RolesUsingPolicy(ctx context.Context, policyID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, r := range s.roles {
		for _, pid := range r.PolicyIDs {
			if pid == policyID {
				out = append(out, r.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

type edge struct{ from, to string }

// MemoryAssignmentStore keeps every principal edge in process.
type MemoryAssignmentStore struct {
	mu            sync.RWMutex
	userPolicies  map[edge]pdp.UserPolicyAssignment
	userRoles     map[edge]struct{}
	groupPolicies map[edge]struct{}
	groupRoles    map[edge]struct{}
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{
		userPolicies:  make(map[edge]pdp.UserPolicyAssignment),
		userRoles:     make(map[edge]struct{}),
		groupPolicies: make(map[edge]struct{}),
		groupRoles:    make(map[edge]struct{}),
	}
}

func (s *MemoryAssignmentStore) AssignPolicyToUser(ctx context.Context, userID, policyID string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userPolicies[edge{userID, policyID}] = pdp.UserPolicyAssignment{
		UserID:     userID,
		PolicyID:   policyID,
		AssignedAt: time.Now(),
		ExpiresAt:  expiresAt,
	}
	return nil
}

func (s *MemoryAssignmentStore) RemovePolicyFromUser(ctx context.Context, userID, policyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := edge{userID, policyID}
	if _, ok := s.userPolicies[k]; !ok {
		return false, nil
	}
	delete(s.userPolicies, k)
	return true, nil
}

func (s *MemoryAssignmentStore) ListUserPolicyAssignments(ctx context.Context, userID string) ([]pdp.UserPolicyAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pdp.UserPolicyAssignment
	for k, a := range s.userPolicies {
		if k.from == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out, nil
}

func (s *MemoryAssignmentStore) AssignRoleToUser(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[edge{userID, roleID}] = struct{}{}
	return nil
}

func (s *MemoryAssignmentStore) RemoveRoleFromUser(ctx context.Context, userID, roleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := edge{userID, roleID}
	if _, ok := s.userRoles[k]; !ok {
		return false, nil
	}
	delete(s.userRoles, k)
	return true, nil
}

func (s *MemoryAssignmentStore) ListUserRoles(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return edgeTargets(s.userRoles, userID), nil
}

func (s *MemoryAssignmentStore) AssignPolicyToGroup(ctx context.Context, groupID, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupPolicies[edge{groupID, policyID}] = struct{}{}
	return nil
}

func (s *MemoryAssignmentStore) RemovePolicyFromGroup(ctx context.Context, groupID, policyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := edge{groupID, policyID}
	if _, ok := s.groupPolicies[k]; !ok {
		return false, nil
	}
	delete(s.groupPolicies, k)
	return true, nil
}

func (s *MemoryAssignmentStore) ListGroupPolicies(ctx context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return edgeTargets(s.groupPolicies, groupID), nil
}

func (s *MemoryAssignmentStore) AssignRoleToGroup(ctx context.Context, groupID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupRoles[edge{groupID, roleID}] = struct{}{}
	return nil
}

func (s *MemoryAssignmentStore) RemoveRoleFromGroup(ctx context.Context, groupID, roleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := edge{groupID, roleID}
	if _, ok := s.groupRoles[k]; !ok {
		return false, nil
	}
	delete(s.groupRoles, k)
	return true, nil
}

func (s *MemoryAssignmentStore) ListGroupRoles(ctx context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return edgeTargets(s.groupRoles, groupID), nil
}

func (s *MemoryAssignmentStore) PolicyAssigned(ctx context.Context, policyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.userPolicies {
		if k.to == policyID {
			return true, nil
		}
	}
	for k := range s.groupPolicies {
		if k.to == policyID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryAssignmentStore) RoleAssigned(ctx context.Context, roleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.userRoles {
		if k.to == roleID {
			return true, nil
		}
	}
	for k := range s.groupRoles {
		if k.to == roleID {
			return true, nil
		}
	}
	return false, nil
}

func edgeTargets(m map[edge]struct{}, from string) []string {
	var out []string
	for k := range m {
		if k.from == from {
			out = append(out, k.to)
		}
	}
	sort.Strings(out)
	return out
}

// MemoryGroupMembershipStore keeps user-to-group membership in process.
type MemoryGroupMembershipStore struct {
	mu      sync.RWMutex
	members map[edge]struct{}
}

func NewMemoryGroupMembershipStore() *MemoryGroupMembershipStore {
	return &MemoryGroupMembershipStore{members: make(map[edge]struct{})}
}

func (s *MemoryGroupMembershipStore) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[edge{userID, groupID}] = struct{}{}
	return nil
}

func (s *MemoryGroupMembershipStore) RemoveUserFromGroup(ctx context.Context, userID, groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := edge{userID, groupID}
	if _, ok := s.members[k]; !ok {
		return false, nil
	}
	delete(s.members, k)
	return true, nil
}

func (s *MemoryGroupMembershipStore) ListUserGroups(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return edgeTargets(s.members, userID), nil
}

// MemoryDelegationStore keeps delegations in process.
type MemoryDelegationStore struct {
	mu          sync.RWMutex
	delegations map[string]*pdp.PolicyDelegation
}

func NewMemoryDelegationStore() *MemoryDelegationStore {
	return &MemoryDelegationStore{delegations: make(map[string]*pdp.PolicyDelegation)}
}

func (s *MemoryDelegationStore) CreateDelegation(ctx context.Context, d *pdp.PolicyDelegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegations[d.ID]; ok {
		return fmt.Errorf("delegation %s already exists", d.ID)
	}
	dup := *d
	s.delegations[d.ID] = &dup
	return nil
}

func (s *MemoryDelegationStore) UpdateDelegation(ctx context.Context, d *pdp.PolicyDelegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegations[d.ID]; !ok {
		return fmt.Errorf("delegation %q: %w", d.ID, pdp.ErrNotFound)
	}
	dup := *d
	s.delegations[d.ID] = &dup
	return nil
}

func (s *MemoryDelegationStore) GetDelegation(ctx context.Context, id string) (*pdp.PolicyDelegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok {
		return nil, fmt.Errorf("delegation %q: %w", id, pdp.ErrNotFound)
	}
	dup := *d
	return &dup, nil
}

func (s *MemoryDelegationStore) ListDelegationsFrom(ctx context.Context, userID string) ([]*pdp.PolicyDelegation, error) {
	return s.list(func(d *pdp.PolicyDelegation) bool { return d.FromUserID == userID }), nil
}

func (s *MemoryDelegationStore) ListDelegationsTo(ctx context.Context, userID string) ([]*pdp.PolicyDelegation, error) {
	return s.list(func(d *pdp.PolicyDelegation) bool { return d.ToUserID == userID }), nil
}

func (s *MemoryDelegationStore) list(keep func(*pdp.PolicyDelegation) bool) []*pdp.PolicyDelegation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pdp.PolicyDelegation
	for _, d := range s.delegations {
		if keep(d) {
			dup := *d
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// MemoryTemplateStore keeps policy templates in process.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*pdp.PolicyTemplate
}

func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{templates: make(map[string]*pdp.PolicyTemplate)}
}

func (s *MemoryTemplateStore) CreateTemplate(ctx context.Context, t *pdp.PolicyTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; ok {
		return fmt.Errorf("template %s already exists", t.ID)
	}
	dup := *t
	dup.Parameters = append([]pdp.TemplateParameter(nil), t.Parameters...)
	s.templates[t.ID] = &dup
	return nil
}

func (s *MemoryTemplateStore) GetTemplate(ctx context.Context, id string) (*pdp.PolicyTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", id, pdp.ErrNotFound)
	}
	dup := *t
	dup.Parameters = append([]pdp.TemplateParameter(nil), t.Parameters...)
	return &dup, nil
}

func (s *MemoryTemplateStore) ListTemplates(ctx context.Context, category string) ([]*pdp.PolicyTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pdp.PolicyTemplate
	for _, t := range s.templates {
		if category != "" && t.Category != category {
			continue
		}
		dup := *t
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MemoryRegistryStore keeps resource/action definitions in process.
type MemoryRegistryStore struct {
	mu        sync.RWMutex
	resources []*pdp.ResourceDefinition
	actions   []*pdp.ActionDefinition
}

func NewMemoryRegistryStore() *MemoryRegistryStore { return &MemoryRegistryStore{} }

func (s *MemoryRegistryStore) CreateResourceDefinition(ctx context.Context, d *pdp.ResourceDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *d
	s.resources = append(s.resources, &dup)
	return nil
}

func (s *MemoryRegistryStore) ListResourceDefinitions(ctx context.Context, resourceType string) ([]*pdp.ResourceDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pdp.ResourceDefinition
	for _, d := range s.resources {
		if resourceType != "" && d.ResourceType != resourceType {
			continue
		}
		dup := *d
		out = append(out, &dup)
	}
	return out, nil
}

func (s *MemoryRegistryStore) CreateActionDefinition(ctx context.Context, d *pdp.ActionDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *d
	s.actions = append(s.actions, &dup)
	return nil
}

func (s *MemoryRegistryStore) ListActionDefinitions(ctx context.Context, resourceType string) ([]*pdp.ActionDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pdp.ActionDefinition
	for _, d := range s.actions {
		if resourceType != "" && d.ResourceType != resourceType {
			continue
		}
		dup := *d
		out = append(out, &dup)
	}
	return out, nil
}
