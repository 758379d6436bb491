package pdp_test

import (
	"context"
	"testing"

	"github.com/remoteops/pdp"
)

func TestDetectPolicyConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustCreatePolicy(t, allowPolicy("open-docs", 5, []string{"doc:*"}, []string{"read"}))
	env.mustCreatePolicy(t, denyPolicy("close-docs", 5, []string{"doc:secret:*"}, []string{"read"}))
	env.mustCreatePolicy(t, allowPolicy("unrelated", 5, []string{"image:*"}, []string{"view"}))

	conflicts, err := env.engine.DetectPolicyConflicts(ctx)
	if err != nil {
		t.Fatalf("DetectPolicyConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.ConflictType != pdp.ConflictPriority {
		t.Fatalf("type = %q, want priority conflict at equal priority", c.ConflictType)
	}
	names := map[string]bool{c.PolicyAName: true, c.PolicyBName: true}
	if !names["open-docs"] || !names["close-docs"] {
		t.Fatalf("conflict pair = %q/%q", c.PolicyAName, c.PolicyBName)
	}
}

func TestConflictTypeByPriority(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustCreatePolicy(t, allowPolicy("low", 1, []string{"doc:*"}, []string{"read"}))
	env.mustCreatePolicy(t, denyPolicy("high", 9, []string{"doc:*"}, []string{"read"}))

	conflicts, err := env.engine.DetectPolicyConflicts(ctx)
	if err != nil {
		t.Fatalf("DetectPolicyConflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ConflictType != pdp.ConflictEffect {
		t.Fatalf("conflicts = %+v", conflicts)
	}
}

func TestInactivePoliciesDoNotConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustCreatePolicy(t, allowPolicy("active", 5, []string{"doc:*"}, []string{"read"}))
	sleeping := env.mustCreatePolicy(t, denyPolicy("sleeping", 5, []string{"doc:*"}, []string{"read"}))
	if _, err := env.engine.SetPolicyActive(ctx, sleeping.ID, false); err != nil {
		t.Fatalf("SetPolicyActive: %v", err)
	}

	conflicts, err := env.engine.DetectPolicyConflicts(ctx)
	if err != nil {
		t.Fatalf("DetectPolicyConflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %+v", conflicts)
	}
}

func TestResolvePolicyConflictRequiresText(t *testing.T) {
	env := newTestEnv(t)
	c := pdp.PolicyConflict{ID: "c1"}
	if err := env.engine.ResolvePolicyConflict(context.Background(), c, "", "admin"); err == nil {
		t.Fatal("empty resolution should be rejected")
	}
	if err := env.engine.ResolvePolicyConflict(context.Background(), c, "raised deny priority", "admin"); err != nil {
		t.Fatalf("ResolvePolicyConflict: %v", err)
	}
}

func TestPolicyEffectivenessReport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	used := env.mustCreatePolicy(t, allowPolicy("used", 5, []string{"doc:*"}, []string{"read"}))
	env.mustCreatePolicy(t, allowPolicy("unused", 5, []string{"image:*"}, []string{"view"}))
	idle := env.mustCreatePolicy(t, allowPolicy("idle", 5, []string{"audio:*"}, []string{"play"}))
	if _, err := env.engine.SetPolicyActive(ctx, idle.ID, false); err != nil {
		t.Fatalf("SetPolicyActive: %v", err)
	}
	env.mustAssignPolicy(t, "uri", used.ID)
	if _, err := env.engine.EvaluateUserAccess(ctx, &pdp.EvaluationContext{UserID: "uri", Resource: "doc:1", Action: "read"}); err != nil {
		t.Fatalf("EvaluateUserAccess: %v", err)
	}

	report, err := env.engine.PolicyEffectivenessReport(ctx)
	if err != nil {
		t.Fatalf("PolicyEffectivenessReport: %v", err)
	}
	if report.TotalPolicies != 3 || report.ActivePolicies != 2 || report.InactivePolicies != 1 {
		t.Fatalf("counts = %d/%d/%d", report.TotalPolicies, report.ActivePolicies, report.InactivePolicies)
	}
	if report.TotalAllowed != 1 {
		t.Fatalf("total allowed = %v", report.TotalAllowed)
	}

	stats := map[string]pdp.PolicyUsageStats{}
	for _, s := range report.PolicyStats {
		stats[s.PolicyName] = s
	}
	if stats["used"].MatchCount != 1 {
		t.Fatalf("used match count = %v", stats["used"].MatchCount)
	}
	if stats["unused"].MatchCount != 0 {
		t.Fatalf("unused match count = %v", stats["unused"].MatchCount)
	}

	var sawUnused, sawInactive bool
	for _, r := range report.Recommendations {
		if r == `policy "unused" has not matched any request; consider deactivating or tightening it` {
			sawUnused = true
		}
		if r == `policy "idle" is inactive; delete it if it is no longer needed` {
			sawInactive = true
		}
	}
	if !sawUnused || !sawInactive {
		t.Fatalf("recommendations = %v", report.Recommendations)
	}
}
