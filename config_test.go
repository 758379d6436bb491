package pdp_test

import (
	"context"
	"testing"

	"github.com/remoteops/pdp"
)

const catalogYAML = `
version: 1
engine:
  max_policy_depth: 5
  decision_cache_ttl_ms: 60000
policies:
  - name: doc-read
    effect: Allow
    resources: ["document:*"]
    actions: ["read", "list"]
    priority: 10
  - name: doc-secret-deny
    effect: Deny
    resources: ["document:secret:*"]
    actions: ["*"]
    priority: 100
    parent: doc-read
  - name: ops-restart
    effect: Allow
    resources: ["server:*"]
    actions: ["restart"]
    conditions:
      department: ops
      level:
        min: 3
        max: 10
  - name: retired
    effect: Allow
    resources: ["legacy:*"]
    actions: ["*"]
    inactive: true
roles:
  - name: reader
    policies: [doc-read]
assignments:
  user_policies:
    - user: victor
      policy: ops-restart
  user_roles:
    - user: wendy
      role: reader
  group_policies:
    - group: operators
      policy: ops-restart
memberships:
  - user: xena
    group: operators
delegations:
  - from: victor
    to: yuri
    policy: ops-restart
    start: "2025-03-10"
    end: "2025-03-20"
    reason: "on-call handover"
`

func TestApplyConfigFromYAML(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cfg, err := pdp.NewConfigLoader().LoadYAML([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if err := env.engine.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if got := env.engine.Options().MaxPolicyDepth; got != 5 {
		t.Fatalf("MaxPolicyDepth = %d", got)
	}

	// role grant through the declared assignment
	res, err := env.engine.EvaluateUserAccess(ctx, &pdp.EvaluationContext{UserID: "wendy", Resource: "document:plan", Action: "read"})
	if err != nil || !res.IsAllowed {
		t.Fatalf("wendy read: allowed=%v err=%v", res != nil && res.IsAllowed, err)
	}

	// conditioned direct assignment
	res, err = env.engine.EvaluateUserAccess(ctx, &pdp.EvaluationContext{
		UserID:     "victor",
		Resource:   "server:db-1",
		Action:     "restart",
		Attributes: map[string]any{"department": "ops", "level": 4},
	})
	if err != nil || !res.IsAllowed {
		t.Fatalf("victor restart: allowed=%v err=%v", res != nil && res.IsAllowed, err)
	}

	// group member reaches the group's policy
	res, err = env.engine.EvaluateUserAccess(ctx, &pdp.EvaluationContext{
		UserID:     "xena",
		Resource:   "server:web-1",
		Action:     "restart",
		Attributes: map[string]any{"department": "ops", "level": 9},
	})
	if err != nil || !res.IsAllowed {
		t.Fatalf("xena restart: allowed=%v err=%v", res != nil && res.IsAllowed, err)
	}

	// delegation declared in config is live inside its window
	res, err = env.engine.EvaluateUserAccess(ctx, &pdp.EvaluationContext{
		UserID:     "yuri",
		Resource:   "server:web-1",
		Action:     "restart",
		Attributes: map[string]any{"department": "ops", "level": 3},
	})
	if err != nil || !res.IsAllowed {
		t.Fatalf("yuri restart: allowed=%v err=%v", res != nil && res.IsAllowed, err)
	}

	parent, err := env.engine.GetPolicyByName(ctx, "doc-read")
	if err != nil {
		t.Fatalf("GetPolicyByName: %v", err)
	}
	child, err := env.engine.GetPolicyByName(ctx, "doc-secret-deny")
	if err != nil {
		t.Fatalf("GetPolicyByName: %v", err)
	}
	if child.ParentID != parent.ID {
		t.Fatalf("child.ParentID = %q, want %q", child.ParentID, parent.ID)
	}

	retired, err := env.engine.GetPolicyByName(ctx, "retired")
	if err != nil {
		t.Fatalf("GetPolicyByName: %v", err)
	}
	if retired.IsActive {
		t.Fatal("policy declared inactive should not be active")
	}
}

func TestApplyConfigUpsertsByName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := `
version: 1
policies:
  - name: evolving
    effect: Allow
    resources: ["doc:*"]
    actions: ["read"]
`
	second := `
version: 1
policies:
  - name: evolving
    effect: Allow
    resources: ["doc:*"]
    actions: ["read", "write"]
    priority: 3
`
	loader := pdp.NewConfigLoader()
	for _, doc := range []string{first, second} {
		cfg, err := loader.LoadYAML([]byte(doc))
		if err != nil {
			t.Fatalf("LoadYAML: %v", err)
		}
		if err := env.engine.ApplyConfig(ctx, cfg); err != nil {
			t.Fatalf("ApplyConfig: %v", err)
		}
	}

	all, err := env.engine.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("policies = %d, want upsert not duplicate", len(all))
	}
	p := all[0]
	if p.Version != 2 || p.Priority != 3 || len(p.Actions) != 2 {
		t.Fatalf("policy = %+v", p)
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	loader := pdp.NewConfigLoader()
	cfg, err := loader.LoadYAML([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}

	jsonDoc, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	back, err := loader.LoadJSON(jsonDoc)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if len(back.Policies) != len(cfg.Policies) || len(back.Delegations) != 1 {
		t.Fatalf("round trip lost entries: %d policies, %d delegations", len(back.Policies), len(back.Delegations))
	}
	if back.Policies[2].Conditions["level"].Kind != pdp.ConditionRange {
		t.Fatalf("level condition kind = %v", back.Policies[2].Conditions["level"].Kind)
	}
}
