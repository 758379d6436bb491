package pdp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/remoteops/pdp/utils"
)

// evaluateAgainst checks one policy against a request. The order is
// fixed: active flag, resource patterns, action patterns, conditions.
// The first failing step names itself in the trace and later steps are
// not run, so a trace never reports a condition failure for a policy
// whose resource never matched.
func evaluateAgainst(p *Policy, ec *EvaluationContext) PolicyTrace {
	trace := PolicyTrace{
		PolicyID:   p.ID,
		PolicyName: p.Name,
		Effect:     p.Effect,
		Priority:   p.Priority,
	}
	if !p.IsActive {
		trace.FailureReason = "policy is not active"
		return trace
	}
	if !matchResource(p, ec.Resource) {
		trace.FailureReason = "resource does not match"
		return trace
	}
	if !matchAction(p, ec.Action) {
		trace.FailureReason = "action does not match"
		return trace
	}
	if ok, failed := EvaluateConditions(p.Conditions, ec.Attributes); !ok {
		trace.FailureReason = "conditions not met: " + strings.Join(failed, ", ")
		return trace
	}
	trace.Matched = true
	return trace
}

func matchResource(p *Policy, resource string) bool {
	for _, pattern := range p.Resources {
		if utils.Match(pattern, resource) {
			return true
		}
	}
	return false
}

func matchAction(p *Policy, action string) bool {
	for _, pattern := range p.Actions {
		if utils.Match(pattern, action) {
			return true
		}
	}
	return false
}

// EvaluatePolicy runs a single policy against a request and returns
// the verdict with a one-entry trace. It does not consult the user's
// other policies.
func (e *Engine) EvaluatePolicy(ctx context.Context, policyID string, ec *EvaluationContext) (*EvaluationResult, error) {
	start := time.Now()
	p, err := e.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	trace := evaluateAgainst(p, ec)
	res := &EvaluationResult{
		Trace:   []PolicyTrace{trace},
		Elapsed: time.Since(start),
	}
	if trace.Matched {
		res.MatchedPolicyID = p.ID
		res.MatchedPolicyName = p.Name
		res.AppliedEffect = p.Effect
		res.IsAllowed = p.Effect == EffectAllow
		if res.IsAllowed {
			res.Reason = "allowed by policy: " + p.Name
		} else {
			res.Reason = "denied by policy: " + p.Name
		}
	} else {
		res.Reason = "policy did not match: " + trace.FailureReason
	}
	e.metrics.RecordTimer("policy.evaluation", res.Elapsed, map[string]string{"policy_id": policyID})
	return res, nil
}

// EvaluateUserAccess is the decision entry point. It aggregates the
// user's effective policies and walks them in evaluation order: a
// matched Deny ends the walk immediately, a matched Allow is kept
// tentative so a lower-ranked Deny can still override it, and when
// nothing matches the DefaultDenyAll option decides.
func (e *Engine) EvaluateUserAccess(ctx context.Context, ec *EvaluationContext) (*EvaluationResult, error) {
	start := time.Now()
	key := decisionKey(ec.UserID, ec.Resource, ec.Action)

	// attribute-bearing requests bypass the decision cache: the key
	// does not encode attributes, and two requests that differ only in
	// attributes may decide differently
	cacheable := len(ec.Attributes) == 0
	if cacheable {
		var cached EvaluationResult
		if e.cacheGet(ctx, key, &cached) {
			cached.FromCache = true
			e.metrics.IncrCounter("decision.cache_hit", 1, nil)
			return &cached, nil
		}
	}

	policies, err := e.GetEffectivePolicies(ctx, ec.UserID)
	if err != nil {
		return nil, err
	}

	res := e.decide(policies, ec)
	res.Elapsed = time.Since(start)

	if res.IsAllowed {
		e.metrics.IncrCounter("decision.allowed", 1, nil)
	} else {
		e.metrics.IncrCounter("decision.denied", 1, nil)
	}
	if res.MatchedPolicyID != "" {
		e.metrics.IncrCounter("policy.matched", 1, map[string]string{"policy_id": res.MatchedPolicyID})
	}
	e.metrics.RecordTimer("decision.duration", res.Elapsed, nil)
	e.audit("access.evaluated", "decision", ec.Resource, ec.UserID, map[string]any{
		"action":  ec.Action,
		"allowed": res.IsAllowed,
		"reason":  res.Reason,
	})
	if cacheable {
		e.cacheSet(ctx, key, res, e.opts.DecisionCacheTTL)
	}
	return res, nil
}

// decide runs the ordered walk over an already-aggregated policy set.
func (e *Engine) decide(policies []*Policy, ec *EvaluationContext) *EvaluationResult {
	res := &EvaluationResult{Trace: make([]PolicyTrace, 0, len(policies))}
	var allow *Policy
	for _, p := range policies {
		trace := evaluateAgainst(p, ec)
		res.Trace = append(res.Trace, trace)
		if !trace.Matched {
			continue
		}
		if p.Effect == EffectDeny {
			res.IsAllowed = false
			res.Reason = "denied by policy: " + p.Name
			res.MatchedPolicyID = p.ID
			res.MatchedPolicyName = p.Name
			res.AppliedEffect = EffectDeny
			return res
		}
		if allow == nil {
			allow = p
		}
	}
	if allow != nil {
		res.IsAllowed = true
		res.Reason = "allowed by policy: " + allow.Name
		res.MatchedPolicyID = allow.ID
		res.MatchedPolicyName = allow.Name
		res.AppliedEffect = EffectAllow
		return res
	}
	if e.opts.DefaultDenyAll {
		res.IsAllowed = false
		res.Reason = "no matching policies - default deny"
	} else {
		res.IsAllowed = true
		res.Reason = "no matching policies - default allow"
	}
	return res
}

// EvaluateGroupAccess decides for a group as a principal, using only
// the group's own policy and role grants.
func (e *Engine) EvaluateGroupAccess(ctx context.Context, groupID, resource, action string, attrs map[string]any) (*EvaluationResult, error) {
	start := time.Now()
	byID := map[string]*Policy{}

	pids, err := e.assignments.ListGroupPolicies(ctx, groupID)
	if err != nil {
		return nil, err
	}
	rids, err := e.assignments.ListGroupRoles(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for _, rid := range rids {
		r, err := e.GetRole(ctx, rid)
		if err != nil || !r.IsActive {
			continue
		}
		pids = append(pids, r.PolicyIDs...)
	}
	for _, pid := range pids {
		if _, ok := byID[pid]; ok {
			continue
		}
		p, err := e.GetPolicy(ctx, pid)
		if err != nil {
			continue
		}
		byID[pid] = p
	}

	policies := make([]*Policy, 0, len(byID))
	for _, p := range byID {
		policies = append(policies, p)
	}
	sortPoliciesForEvaluation(policies)

	res := e.decide(policies, &EvaluationContext{UserID: groupID, Resource: resource, Action: action, Attributes: attrs})
	res.Elapsed = time.Since(start)
	e.audit("access.group_evaluated", "decision", resource, groupID, map[string]any{
		"action":  action,
		"allowed": res.IsAllowed,
	})
	return res, nil
}

// BulkEvaluate decides the same resource/action for many users with a
// bounded worker pool. The result map is keyed by user id.
func (e *Engine) BulkEvaluate(ctx context.Context, userIDs []string, resource, action string, attrs map[string]any) (map[string]*EvaluationResult, error) {
	workers := e.opts.BulkWorkerCount
	if workers < 1 {
		workers = 1
	}
	type job struct{ userID string }

	jobs := make(chan job)
	results := make(map[string]*EvaluationResult, len(userIDs))
	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil {
					return
				}
				res, err := e.EvaluateUserAccess(ctx, &EvaluationContext{
					UserID:     j.userID,
					Resource:   resource,
					Action:     action,
					Attributes: attrs,
				})
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("user %s: %w", j.userID, err)
					}
				} else {
					results[j.userID] = res
				}
				mu.Unlock()
			}
		}()
	}
	// Workers stop receiving once the context is cancelled, so the
	// producer must not block on a send nobody will take.
feed:
	for _, uid := range userIDs {
		select {
		case jobs <- job{userID: uid}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// GetAllowedActions returns the concrete action patterns allowed on a
// resource after subtracting denied ones. Patterns are returned as
// written in policies, so a bare "*" grant surfaces as "*". No request
// attributes are in scope here: conditioned Allow policies contribute
// nothing, while conditioned Deny policies still subtract, so the
// result never lists an action a Deny could block at request time.
func (e *Engine) GetAllowedActions(ctx context.Context, userID, resource string) ([]string, error) {
	policies, err := e.GetEffectivePolicies(ctx, userID)
	if err != nil {
		return nil, err
	}
	allowed := map[string]struct{}{}
	denied := map[string]struct{}{}
	for _, p := range policies {
		if !p.IsActive || !matchResource(p, resource) {
			continue
		}
		if p.Effect == EffectAllow {
			if ok, _ := EvaluateConditions(p.Conditions, nil); !ok {
				continue
			}
		}
		for _, a := range p.Actions {
			if p.Effect == EffectDeny {
				denied[a] = struct{}{}
			} else {
				allowed[a] = struct{}{}
			}
		}
	}
	if _, all := denied["*"]; all {
		return []string{}, nil
	}
	out := make([]string, 0, len(allowed))
	for a := range allowed {
		if deniedAction(denied, a) {
			continue
		}
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func deniedAction(denied map[string]struct{}, action string) bool {
	for d := range denied {
		if utils.Match(d, action) {
			return true
		}
	}
	return false
}

// GetAccessibleResources returns the resource patterns granted to a
// user through active Allow policies.
func (e *Engine) GetAccessibleResources(ctx context.Context, userID string) ([]string, error) {
	policies, err := e.GetEffectivePolicies(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	for _, p := range policies {
		if !p.IsActive || p.Effect != EffectAllow {
			continue
		}
		for _, r := range p.Resources {
			set[r] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}
