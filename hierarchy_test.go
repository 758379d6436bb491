package pdp_test

import (
	"context"
	"errors"
	"testing"

	"github.com/remoteops/pdp"
)

func TestPolicyHierarchyChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	root := env.mustCreatePolicy(t, allowPolicy("org", 0, []string{"*"}, []string{"read"}))
	team := env.mustCreatePolicy(t, allowPolicy("team", 0, []string{"doc:team:*"}, []string{"read"}))
	member := env.mustCreatePolicy(t, allowPolicy("member", 0, []string{"doc:team:notes"}, []string{"read"}))

	if ok, err := env.engine.SetPolicyParent(ctx, team.ID, root.ID); err != nil || !ok {
		t.Fatalf("link team: ok=%v err=%v", ok, err)
	}
	if ok, err := env.engine.SetPolicyParent(ctx, member.ID, team.ID); err != nil || !ok {
		t.Fatalf("link member: ok=%v err=%v", ok, err)
	}

	chain, err := env.engine.GetPolicyHierarchy(ctx, member.ID)
	if err != nil {
		t.Fatalf("GetPolicyHierarchy: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d", len(chain))
	}
	names := []string{chain[0].Name, chain[1].Name, chain[2].Name}
	if names[0] != "member" || names[1] != "team" || names[2] != "org" {
		t.Fatalf("chain = %v", names)
	}

	children, err := env.engine.GetChildPolicies(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetChildPolicies: %v", err)
	}
	if len(children) != 1 || children[0].Name != "team" {
		t.Fatalf("children = %v", children)
	}
}

func TestSetPolicyParentRejectsSelf(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.mustCreatePolicy(t, allowPolicy("narcissist", 0, []string{"doc:*"}, []string{"read"}))

	if _, err := env.engine.SetPolicyParent(ctx, p.ID, p.ID); !errors.Is(err, pdp.ErrCircularDependency) {
		t.Fatalf("err = %v, want ErrCircularDependency", err)
	}
}

func TestSetPolicyParentRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.mustCreatePolicy(t, allowPolicy("a", 0, []string{"doc:*"}, []string{"read"}))
	b := env.mustCreatePolicy(t, allowPolicy("b", 0, []string{"doc:*"}, []string{"write"}))

	if ok, err := env.engine.SetPolicyParent(ctx, a.ID, b.ID); err != nil || !ok {
		t.Fatalf("link a under b: ok=%v err=%v", ok, err)
	}
	if _, err := env.engine.SetPolicyParent(ctx, b.ID, a.ID); !errors.Is(err, pdp.ErrCircularDependency) {
		t.Fatalf("err = %v, want ErrCircularDependency", err)
	}

	// the rejected link must not have been applied
	got, err := env.engine.GetPolicy(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.ParentID != "" {
		t.Fatalf("b.ParentID = %q after rejected link", got.ParentID)
	}
}

func TestSetPolicyParentMissingPolicies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.mustCreatePolicy(t, allowPolicy("orphan", 0, []string{"doc:*"}, []string{"read"}))

	if ok, err := env.engine.SetPolicyParent(ctx, "missing", p.ID); err != nil || ok {
		t.Fatalf("missing child: ok=%v err=%v", ok, err)
	}
	if ok, err := env.engine.SetPolicyParent(ctx, p.ID, "missing"); err != nil || ok {
		t.Fatalf("missing parent: ok=%v err=%v", ok, err)
	}
}

func TestHierarchyDepthTruncated(t *testing.T) {
	opts := pdp.DefaultOptions()
	opts.MaxPolicyDepth = 3
	env := newTestEnv(t, pdp.WithOptions(opts))
	ctx := context.Background()

	var prev *pdp.Policy
	var leaf *pdp.Policy
	for _, name := range []string{"l1", "l2", "l3", "l4", "l5"} {
		p := env.mustCreatePolicy(t, allowPolicy(name, 0, []string{"doc:*"}, []string{"read"}))
		if prev != nil {
			if ok, err := env.engine.SetPolicyParent(ctx, p.ID, prev.ID); err != nil || !ok {
				t.Fatalf("link %s: ok=%v err=%v", name, ok, err)
			}
		}
		prev = p
		leaf = p
	}

	chain, err := env.engine.GetPolicyHierarchy(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("GetPolicyHierarchy: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want truncation at 3", len(chain))
	}
}

func TestInheritedDenyApplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	parent := env.mustCreatePolicy(t, denyPolicy("org-lockdown", 50, []string{"vault:*"}, []string{"*"}))
	child := env.mustCreatePolicy(t, allowPolicy("vault-read", 10, []string{"vault:keys"}, []string{"read"}))
	if ok, err := env.engine.SetPolicyParent(ctx, child.ID, parent.ID); err != nil || !ok {
		t.Fatalf("SetPolicyParent: ok=%v err=%v", ok, err)
	}
	env.mustAssignPolicy(t, "pat", child.ID)

	res, err := env.engine.EvaluateUserAccess(ctx, &pdp.EvaluationContext{UserID: "pat", Resource: "vault:keys", Action: "read"})
	if err != nil {
		t.Fatalf("EvaluateUserAccess: %v", err)
	}
	if res.IsAllowed {
		t.Fatal("inherited deny should dominate the assigned allow")
	}
	if res.MatchedPolicyName != "org-lockdown" {
		t.Fatalf("matched = %q", res.MatchedPolicyName)
	}
}

func TestInheritanceDisabled(t *testing.T) {
	opts := pdp.DefaultOptions()
	opts.EnablePolicyInheritance = false
	env := newTestEnv(t, pdp.WithOptions(opts))
	ctx := context.Background()

	parent := env.mustCreatePolicy(t, denyPolicy("parent-deny", 50, []string{"vault:*"}, []string{"*"}))
	child := env.mustCreatePolicy(t, allowPolicy("child-allow", 10, []string{"vault:keys"}, []string{"read"}))
	if ok, err := env.engine.SetPolicyParent(ctx, child.ID, parent.ID); err != nil || !ok {
		t.Fatalf("SetPolicyParent: ok=%v err=%v", ok, err)
	}
	env.mustAssignPolicy(t, "quinn", child.ID)

	res, err := env.engine.EvaluateUserAccess(ctx, &pdp.EvaluationContext{UserID: "quinn", Resource: "vault:keys", Action: "read"})
	if err != nil {
		t.Fatalf("EvaluateUserAccess: %v", err)
	}
	if !res.IsAllowed {
		t.Fatalf("with inheritance off only the assigned allow applies, reason = %q", res.Reason)
	}
}
