package pdp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/remoteops/pdp/utils"
)

// Conflict types reported by DetectPolicyConflicts.
const (
	ConflictEffect   = "effect"   // opposite effects on overlapping scope
	ConflictPriority = "priority" // equal priority with opposite effects
)

// DetectPolicyConflicts scans active policies pairwise for rules that
// can cover the same request with opposite effects. Findings are
// advisory: evaluation order already resolves each of them, but
// surfacing them catches unintended shadowing.
func (e *Engine) DetectPolicyConflicts(ctx context.Context) ([]PolicyConflict, error) {
	policies, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	active := policies[:0]
	for _, p := range policies {
		if p.IsActive {
			active = append(active, p)
		}
	}

	var found []PolicyConflict
	now := e.now()
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			a, b := active[i], active[j]
			if a.Effect == b.Effect {
				continue
			}
			if !policiesOverlap(a, b) {
				continue
			}
			conflictType := ConflictEffect
			desc := fmt.Sprintf("policies %q and %q cover overlapping resources and actions with opposite effects", a.Name, b.Name)
			if a.Priority == b.Priority {
				conflictType = ConflictPriority
				desc = fmt.Sprintf("policies %q and %q conflict at equal priority %d; the deny side wins", a.Name, b.Name, a.Priority)
			}
			found = append(found, PolicyConflict{
				ID:           uuid.NewString(),
				PolicyAID:    a.ID,
				PolicyAName:  a.Name,
				PolicyBID:    b.ID,
				PolicyBName:  b.Name,
				ConflictType: conflictType,
				Description:  desc,
				DetectedAt:   now,
			})
		}
	}
	e.metrics.IncrCounter("conflicts.detected", float64(len(found)), nil)
	return found, nil
}

// policiesOverlap reports whether two policies can both apply to some
// request: some resource pattern pair overlaps and some action pattern
// pair overlaps.
func policiesOverlap(a, b *Policy) bool {
	return patternsOverlap(a.Resources, b.Resources) && patternsOverlap(a.Actions, b.Actions)
}

func patternsOverlap(as, bs []string) bool {
	for _, a := range as {
		for _, b := range bs {
			if utils.Overlap(a, b) {
				return true
			}
		}
	}
	return false
}

// ResolvePolicyConflict records an operator's resolution decision for
// a detected conflict. The engine does not change either policy; the
// acknowledgement lands in the audit trail for review workflows.
func (e *Engine) ResolvePolicyConflict(ctx context.Context, conflict PolicyConflict, resolution, resolvedBy string) error {
	if resolution == "" {
		return fmt.Errorf("conflict %s: resolution text is required", conflict.ID)
	}
	e.audit("conflict.resolved", "conflict", conflict.ID, resolvedBy, map[string]any{
		"policy_a":   conflict.PolicyAID,
		"policy_b":   conflict.PolicyBID,
		"type":       conflict.ConflictType,
		"resolution": resolution,
	})
	return nil
}

// PolicyUsageStats summarizes how often one policy decided requests.
type PolicyUsageStats struct {
	PolicyID     string        `json:"policyId"`
	PolicyName   string        `json:"policyName"`
	MatchCount   float64       `json:"matchCount"`
	AvgEvalTime  time.Duration `json:"avgEvalTime"`
	EvalSampled  int64         `json:"evalSampled"`
	IsActive     bool          `json:"isActive"`
	Effect       Effect        `json:"effect"`
	Priority     int           `json:"priority"`
	HasConflicts bool          `json:"hasConflicts"`
}

// EffectivenessReport is a point-in-time health view of the catalog.
type EffectivenessReport struct {
	GeneratedAt      time.Time          `json:"generatedAt"`
	TotalPolicies    int                `json:"totalPolicies"`
	ActivePolicies   int                `json:"activePolicies"`
	InactivePolicies int                `json:"inactivePolicies"`
	TotalAllowed     float64            `json:"totalAllowed"`
	TotalDenied      float64            `json:"totalDenied"`
	PolicyStats      []PolicyUsageStats `json:"policyStats"`
	Conflicts        []PolicyConflict   `json:"conflicts"`
	Recommendations  []string           `json:"recommendations"`
}

// PolicyEffectivenessReport combines catalog shape, per-policy match
// counts from the metrics sink and current conflicts. Policies that
// never matched anything are called out as candidates for cleanup.
func (e *Engine) PolicyEffectivenessReport(ctx context.Context) (*EffectivenessReport, error) {
	policies, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := e.DetectPolicyConflicts(ctx)
	if err != nil {
		return nil, err
	}
	conflicted := map[string]bool{}
	for _, c := range conflicts {
		conflicted[c.PolicyAID] = true
		conflicted[c.PolicyBID] = true
	}

	report := &EffectivenessReport{
		GeneratedAt:  e.now(),
		TotalAllowed: e.metrics.CounterValue("decision.allowed", nil),
		TotalDenied:  e.metrics.CounterValue("decision.denied", nil),
		Conflicts:    conflicts,
	}
	for _, p := range policies {
		report.TotalPolicies++
		if p.IsActive {
			report.ActivePolicies++
		} else {
			report.InactivePolicies++
		}
		tags := map[string]string{"policy_id": p.ID}
		count, avg := e.metrics.TimerStats("policy.evaluation", tags)
		stats := PolicyUsageStats{
			PolicyID:     p.ID,
			PolicyName:   p.Name,
			MatchCount:   e.metrics.CounterValue("policy.matched", tags),
			AvgEvalTime:  avg,
			EvalSampled:  count,
			IsActive:     p.IsActive,
			Effect:       p.Effect,
			Priority:     p.Priority,
			HasConflicts: conflicted[p.ID],
		}
		report.PolicyStats = append(report.PolicyStats, stats)

		if p.IsActive && stats.MatchCount == 0 {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("policy %q has not matched any request; consider deactivating or tightening it", p.Name))
		}
		if !p.IsActive {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("policy %q is inactive; delete it if it is no longer needed", p.Name))
		}
	}
	if len(conflicts) > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d policy conflicts detected; review priorities to make intent explicit", len(conflicts)))
	}
	return report, nil
}
