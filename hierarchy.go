package pdp

import (
	"context"
	"errors"
	"fmt"
)

// SetPolicyParent links a policy under a parent, or clears the link
// when parentID is empty. The link is rejected before any mutation if
// it would make the policy its own ancestor. Returns false when either
// policy does not exist.
func (e *Engine) SetPolicyParent(ctx context.Context, policyID, parentID string) (bool, error) {
	p, err := e.policies.GetPolicy(ctx, policyID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if parentID != "" {
		if parentID == policyID {
			return false, fmt.Errorf("policy %s cannot be its own parent: %w", policyID, ErrCircularDependency)
		}
		if _, err := e.policies.GetPolicy(ctx, parentID); errors.Is(err, ErrNotFound) {
			return false, nil
		} else if err != nil {
			return false, err
		}
		cyclic, err := e.wouldCycle(ctx, policyID, parentID)
		if err != nil {
			return false, err
		}
		if cyclic {
			return false, fmt.Errorf("policy %s under %s: %w", policyID, parentID, ErrCircularDependency)
		}
	}

	p.ParentID = parentID
	p.UpdatedAt = e.now()
	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return false, err
	}
	e.invalidatePolicy(ctx, policyID)
	e.audit("policy.parent_set", "policy", policyID, "", map[string]any{"parent_id": parentID})
	return true, nil
}

// wouldCycle walks upward from the proposed parent with a visited set
// and reports whether it reaches the policy being re-parented. The
// visited set also terminates walks over pre-existing loops in stored
// data.
func (e *Engine) wouldCycle(ctx context.Context, policyID, parentID string) (bool, error) {
	visited := map[string]struct{}{}
	current := parentID
	for current != "" {
		if current == policyID {
			return true, nil
		}
		if _, seen := visited[current]; seen {
			return false, nil
		}
		visited[current] = struct{}{}
		p, err := e.policies.GetPolicy(ctx, current)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		current = p.ParentID
	}
	return false, nil
}

// GetPolicyHierarchy returns the policy followed by its ancestors,
// nearest first. The walk stops silently at MaxPolicyDepth entries or
// when a revisited id indicates corrupted stored data.
func (e *Engine) GetPolicyHierarchy(ctx context.Context, policyID string) ([]*Policy, error) {
	p, err := e.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	chain := []*Policy{p}
	visited := map[string]struct{}{policyID: {}}
	for p.ParentID != "" && len(chain) < e.opts.MaxPolicyDepth {
		if _, seen := visited[p.ParentID]; seen {
			e.logger.Error("policy hierarchy contains a loop", "policy_id", policyID, "at", p.ParentID)
			break
		}
		parent, err := e.GetPolicy(ctx, p.ParentID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		visited[parent.ID] = struct{}{}
		chain = append(chain, parent)
		p = parent
	}
	return chain, nil
}

// GetChildPolicies returns the direct children of a policy.
func (e *Engine) GetChildPolicies(ctx context.Context, policyID string) ([]*Policy, error) {
	if _, err := e.policies.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	return e.policies.ListChildPolicies(ctx, policyID)
}
