package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/remoteops/pdp"
)

var (
	_ pdp.PolicyStore          = (*SQLPolicyStore)(nil)
	_ pdp.RoleStore            = (*SQLRoleStore)(nil)
	_ pdp.AssignmentStore      = (*SQLAssignmentStore)(nil)
	_ pdp.GroupMembershipStore = (*SQLGroupMembershipStore)(nil)
	_ pdp.GroupMembershipStore = (*RedisGroupMembershipStore)(nil)
	_ pdp.DelegationStore      = (*SQLDelegationStore)(nil)
	_ pdp.TemplateStore        = (*SQLTemplateStore)(nil)

	_ pdp.PolicyStore          = (*MemoryPolicyStore)(nil)
	_ pdp.RoleStore            = (*MemoryRoleStore)(nil)
	_ pdp.AssignmentStore      = (*MemoryAssignmentStore)(nil)
	_ pdp.GroupMembershipStore = (*MemoryGroupMembershipStore)(nil)
	_ pdp.DelegationStore      = (*MemoryDelegationStore)(nil)
	_ pdp.TemplateStore        = (*MemoryTemplateStore)(nil)
	_ pdp.RegistryStore        = (*MemoryRegistryStore)(nil)
)

func newTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLPolicyStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewSQLPolicyStore(newTestDB(t))

	now := time.Now().UTC().Truncate(time.Second)
	p := &pdp.Policy{
		ID:        "pol-1",
		Name:      "session-operators",
		Effect:    pdp.EffectAllow,
		Resources: []string{"session:*"},
		Actions:   []string{"view", "control"},
		Conditions: map[string]pdp.ConditionValue{
			"department": pdp.LiteralCondition("engineering"),
			"level":      pdp.RangeCondition(2, 8),
		},
		Priority:  50,
		IsActive:  true,
		Version:   1,
		Tags:      map[string]string{"team": "ops"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetPolicy(ctx, "pol-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != p.Name || got.Effect != pdp.EffectAllow || got.Priority != 50 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Resources) != 1 || got.Resources[0] != "session:*" {
		t.Fatalf("resources = %v", got.Resources)
	}
	if !got.Conditions["level"].Matches(5) {
		t.Fatal("range condition lost bounds through SQL")
	}
	if got.Tags["team"] != "ops" {
		t.Fatalf("tags = %v", got.Tags)
	}

	// unique name enforced
	dup := *p
	dup.ID = "pol-2"
	if err := store.CreatePolicy(ctx, &dup); err == nil {
		t.Fatal("expected duplicate name error")
	}

	// update snapshots history and bumps the row
	got.Priority = 90
	got.Version = 2
	if err := store.UpdatePolicy(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	hist, err := store.GetPolicyHistory(ctx, "pol-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Priority != 50 {
		t.Fatalf("history = %+v", hist)
	}

	byName, err := store.GetPolicyByName(ctx, "session-operators")
	if err != nil || byName.Priority != 90 {
		t.Fatalf("get by name after update: %+v, %v", byName, err)
	}

	if err := store.DeletePolicy(ctx, "pol-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetPolicy(ctx, "pol-1"); err == nil {
		t.Fatal("expected not found after delete")
	}
}

func TestSQLPolicyStoreChildren(t *testing.T) {
	ctx := context.Background()
	store := NewSQLPolicyStore(newTestDB(t))
	now := time.Now()
	parent := &pdp.Policy{ID: "p-root", Name: "root", Effect: pdp.EffectAllow, Resources: []string{"*"}, Actions: []string{"*"}, IsActive: true, Version: 1, CreatedAt: now, UpdatedAt: now}
	child := &pdp.Policy{ID: "p-child", Name: "child", Effect: pdp.EffectAllow, Resources: []string{"a"}, Actions: []string{"read"}, ParentID: "p-root", IsActive: true, Version: 1, CreatedAt: now, UpdatedAt: now}
	for _, p := range []*pdp.Policy{parent, child} {
		if err := store.CreatePolicy(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}
	kids, err := store.ListChildPolicies(ctx, "p-root")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(kids) != 1 || kids[0].ID != "p-child" {
		t.Fatalf("children = %+v", kids)
	}
}

func TestSQLAssignmentStore(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewSQLAssignmentStore(db)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := store.AssignPolicyToUser(ctx, "u1", "pol-1", &exp); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// re-assign refreshes instead of failing
	if err := store.AssignPolicyToUser(ctx, "u1", "pol-1", nil); err != nil {
		t.Fatalf("re-assign: %v", err)
	}
	list, err := store.ListUserPolicyAssignments(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].PolicyID != "pol-1" {
		t.Fatalf("assignments = %+v", list)
	}
	if list[0].ExpiresAt != nil {
		t.Fatal("re-assign should have cleared expiry")
	}

	assigned, err := store.PolicyAssigned(ctx, "pol-1")
	if err != nil || !assigned {
		t.Fatalf("PolicyAssigned = %v, %v", assigned, err)
	}
	if removed, err := store.RemovePolicyFromUser(ctx, "u1", "pol-1"); err != nil || !removed {
		t.Fatalf("remove = %v, %v", removed, err)
	}
	if removed, _ := store.RemovePolicyFromUser(ctx, "u1", "pol-1"); removed {
		t.Fatal("second remove should report false")
	}

	if err := store.AssignRoleToGroup(ctx, "g1", "r1"); err != nil {
		t.Fatalf("group role: %v", err)
	}
	if got, _ := store.ListGroupRoles(ctx, "g1"); len(got) != 1 || got[0] != "r1" {
		t.Fatalf("group roles = %v", got)
	}
	if ok, _ := store.RoleAssigned(ctx, "r1"); !ok {
		t.Fatal("role should count as assigned via group")
	}

	members := NewSQLGroupMembershipStore(db)
	if err := members.AddUserToGroup(ctx, "u1", "g1"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if groups, _ := members.ListUserGroups(ctx, "u1"); len(groups) != 1 || groups[0] != "g1" {
		t.Fatalf("groups = %v", groups)
	}
}

func TestSQLDelegationStore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLDelegationStore(newTestDB(t))

	now := time.Now().UTC().Truncate(time.Second)
	d := &pdp.PolicyDelegation{
		ID:         "del-1",
		FromUserID: "alice",
		ToUserID:   "bob",
		PolicyID:   "pol-1",
		Reason:     "on-call cover",
		StartDate:  now,
		EndDate:    now.Add(2 * time.Hour),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateDelegation(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetDelegation(ctx, "del-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsActive || got.ToUserID != "bob" {
		t.Fatalf("delegation = %+v", got)
	}
	if !got.ActiveAt(now.Add(time.Hour)) {
		t.Fatal("delegation should be active inside its window")
	}

	got.IsActive = false
	got.UpdatedAt = now.Add(time.Minute)
	if err := store.UpdateDelegation(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	back, _ := store.GetDelegation(ctx, "del-1")
	if back.IsActive {
		t.Fatal("revocation did not persist")
	}

	to, err := store.ListDelegationsTo(ctx, "bob")
	if err != nil || len(to) != 1 {
		t.Fatalf("ListDelegationsTo = %+v, %v", to, err)
	}
	from, err := store.ListDelegationsFrom(ctx, "alice")
	if err != nil || len(from) != 1 {
		t.Fatalf("ListDelegationsFrom = %+v, %v", from, err)
	}
}

func TestSQLTemplateStore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLTemplateStore(newTestDB(t))
	now := time.Now().UTC().Truncate(time.Second)
	tmpl := &pdp.PolicyTemplate{
		ID:          "tpl-1",
		Name:        "team-reader",
		Category:    "access",
		Description: "read access scoped to a team",
		Parameters: []pdp.TemplateParameter{
			{Name: "team", Required: true},
			{Name: "priority", Default: "0"},
		},
		Body:      `{"name":"{team}-reader","effect":"allow","resources":["doc:{team}:*"],"actions":["read"],"priority":{priority}}`,
		CreatedAt: now,
	}
	if err := store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetTemplate(ctx, "tpl-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Parameters) != 2 || got.Parameters[0].Name != "team" || !got.Parameters[0].Required {
		t.Fatalf("parameters = %+v", got.Parameters)
	}
	if got.Body != tmpl.Body {
		t.Fatalf("body = %q", got.Body)
	}

	dup := *tmpl
	dup.ID = "tpl-2"
	if err := store.CreateTemplate(ctx, &dup); err == nil {
		t.Fatal("expected duplicate name error")
	}

	all, err := store.ListTemplates(ctx, "")
	if err != nil || len(all) != 1 {
		t.Fatalf("list all = %+v, %v", all, err)
	}
	byCat, err := store.ListTemplates(ctx, "access")
	if err != nil || len(byCat) != 1 {
		t.Fatalf("list by category = %+v, %v", byCat, err)
	}
	if other, _ := store.ListTemplates(ctx, "lifecycle"); len(other) != 0 {
		t.Fatalf("unexpected templates in other category: %+v", other)
	}
	if _, err := store.GetTemplate(ctx, "missing"); err == nil {
		t.Fatal("expected not found")
	}
}

func TestSQLRoleStore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLRoleStore(newTestDB(t))
	now := time.Now()
	r := &pdp.Role{
		ID:        "role-1",
		Name:      "operator",
		PolicyIDs: []string{"pol-1", "pol-2"},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRole(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetRoleByName(ctx, "operator")
	if err != nil || len(got.PolicyIDs) != 2 {
		t.Fatalf("get = %+v, %v", got, err)
	}
	using, err := store.RolesUsingPolicy(ctx, "pol-2")
	if err != nil || len(using) != 1 || using[0] != "role-1" {
		t.Fatalf("RolesUsingPolicy = %v, %v", using, err)
	}
	if _, err := store.GetRole(ctx, "missing"); err == nil {
		t.Fatal("expected not found")
	}
}
