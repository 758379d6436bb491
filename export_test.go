package pdp_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/remoteops/pdp"
)

func TestPolicyExportImportRoundTrip(t *testing.T) {
	src := newTestEnv(t)
	dst := newTestEnv(t)
	ctx := context.Background()

	def := pdp.NewPolicyBuilder("portable").
		Description("travels between catalogs").
		Priority(5).
		Resources("doc:*").
		Actions("read").
		Condition("region", pdp.InSetCondition("eu", "us")).
		Tag("team", "platform").
		Build()
	original := src.mustCreatePolicy(t, def)

	doc, err := src.engine.ExportPolicies(ctx, nil)
	if err != nil {
		t.Fatalf("ExportPolicies: %v", err)
	}

	imported, err := dst.engine.ImportPolicies(ctx, doc)
	if err != nil {
		t.Fatalf("ImportPolicies: %v", err)
	}
	if len(imported) != 1 {
		t.Fatalf("imported = %d", len(imported))
	}
	got := imported[0]
	if got.ID == original.ID {
		t.Fatal("import must mint a fresh id")
	}
	if got.Version != 1 {
		t.Fatalf("imported version = %d", got.Version)
	}
	if got.Name != "portable" || got.Priority != 5 || got.Tags["team"] != "platform" {
		t.Fatalf("imported policy = %+v", got)
	}
	if got.Conditions["region"].Kind != pdp.ConditionInSet {
		t.Fatalf("condition kind = %v", got.Conditions["region"].Kind)
	}
}

func TestImportPoliciesRejectsVersionMismatch(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.ImportPolicies(context.Background(), `{"version":"9.9","policies":[]}`)
	if err == nil || !strings.Contains(err.Error(), "unsupported export version") {
		t.Fatalf("err = %v", err)
	}
}

func TestImportPoliciesAbortsOnNameCollision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mustCreatePolicy(t, allowPolicy("taken", 0, []string{"doc:*"}, []string{"read"}))

	doc, err := env.engine.ExportPolicies(ctx, nil)
	if err != nil {
		t.Fatalf("ExportPolicies: %v", err)
	}
	if _, err := env.engine.ImportPolicies(ctx, doc); !errors.Is(err, pdp.ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}
}

func TestImportPoliciesRejectsIntraDocumentDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := `{"version":"1.0","policies":[
		{"name":"twice","effect":"allow","resources":["doc:*"],"actions":["read"]},
		{"name":"twice","effect":"deny","resources":["doc:*"],"actions":["write"]}
	]}`
	if _, err := env.engine.ImportPolicies(ctx, doc); !errors.Is(err, pdp.ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}
	// the document fails as a whole, so not even the first entry lands
	if _, err := env.engine.GetPolicyByName(ctx, "twice"); err == nil {
		t.Fatal("no policy from a rejected document should be written")
	}
}

func TestRoleExportImportResolvesByName(t *testing.T) {
	src := newTestEnv(t)
	dst := newTestEnv(t)
	ctx := context.Background()

	p := src.mustCreatePolicy(t, allowPolicy("shared", 0, []string{"doc:*"}, []string{"read"}))
	if _, err := src.engine.CreateRole(ctx, pdp.NewRoleBuilder("reader").Policies(p.ID).Build()); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	policyDoc, err := src.engine.ExportPolicies(ctx, nil)
	if err != nil {
		t.Fatalf("ExportPolicies: %v", err)
	}
	roleDoc, err := src.engine.ExportRoles(ctx, nil)
	if err != nil {
		t.Fatalf("ExportRoles: %v", err)
	}

	// roles reference policies by name, so the policies must land first
	if _, err := dst.engine.ImportPolicies(ctx, policyDoc); err != nil {
		t.Fatalf("ImportPolicies: %v", err)
	}
	roles, err := dst.engine.ImportRoles(ctx, roleDoc)
	if err != nil {
		t.Fatalf("ImportRoles: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "reader" {
		t.Fatalf("roles = %v", roles)
	}

	imported, err := dst.engine.GetPolicyByName(ctx, "shared")
	if err != nil {
		t.Fatalf("GetPolicyByName: %v", err)
	}
	if len(roles[0].PolicyIDs) != 1 || roles[0].PolicyIDs[0] != imported.ID {
		t.Fatalf("role policy ids = %v, want [%s]", roles[0].PolicyIDs, imported.ID)
	}
}

func TestImportRolesFailsOnUnknownPolicy(t *testing.T) {
	env := newTestEnv(t)
	doc := `{"version":"1.0","roles":[{"name":"ghost","policyNames":["missing"]}]}`
	if _, err := env.engine.ImportRoles(context.Background(), doc); !errors.Is(err, pdp.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
