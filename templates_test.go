package pdp_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/remoteops/pdp"
	"github.com/remoteops/pdp/stores"
)

const readerTemplateBody = `{
  "name": "{team}-reader",
  "effect": "Allow",
  "resources": ["{resource}:*"],
  "actions": ["read", "list"],
  "priority": {priority}
}`

func createReaderTemplate(t *testing.T, env *testEnv) *pdp.PolicyTemplate {
	t.Helper()
	tpl, err := env.engine.CreateTemplate(context.Background(), pdp.PolicyTemplate{
		Name:     "team-reader",
		Category: "access",
		Body:     readerTemplateBody,
		Parameters: []pdp.TemplateParameter{
			{Name: "team", Required: true},
			{Name: "resource", Required: true},
			{Name: "priority", Type: "number", Default: "0"},
		},
	})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	return tpl
}

func TestCreatePolicyFromTemplate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tpl := createReaderTemplate(t, env)

	p, err := env.engine.CreatePolicyFromTemplate(ctx, tpl.ID, map[string]string{
		"team":     "data",
		"resource": "dataset",
		"priority": "7",
	})
	if err != nil {
		t.Fatalf("CreatePolicyFromTemplate: %v", err)
	}
	if p.Name != "data-reader" || p.Priority != 7 {
		t.Fatalf("policy = %+v", p)
	}
	if len(p.Resources) != 1 || p.Resources[0] != "dataset:*" {
		t.Fatalf("resources = %v", p.Resources)
	}

	env.mustAssignPolicy(t, "tess", p.ID)
	res, err := env.engine.EvaluateUserAccess(ctx, &pdp.EvaluationContext{UserID: "tess", Resource: "dataset:events", Action: "read"})
	if err != nil || !res.IsAllowed {
		t.Fatalf("templated policy should decide requests: allowed=%v err=%v", res != nil && res.IsAllowed, err)
	}
}

func TestTemplateDefaultsApply(t *testing.T) {
	env := newTestEnv(t)
	tpl := createReaderTemplate(t, env)

	p, err := env.engine.CreatePolicyFromTemplate(context.Background(), tpl.ID, map[string]string{
		"team":     "ops",
		"resource": "runbook",
	})
	if err != nil {
		t.Fatalf("CreatePolicyFromTemplate: %v", err)
	}
	if p.Priority != 0 {
		t.Fatalf("priority = %d, want default 0", p.Priority)
	}
}

func TestTemplateMissingRequiredParameter(t *testing.T) {
	env := newTestEnv(t)
	tpl := createReaderTemplate(t, env)

	_, err := env.engine.CreatePolicyFromTemplate(context.Background(), tpl.ID, map[string]string{"team": "ops"})
	if err == nil || !strings.Contains(err.Error(), "missing required parameter") {
		t.Fatalf("err = %v", err)
	}
}

func TestListTemplatesByCategory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	createReaderTemplate(t, env)
	if _, err := env.engine.CreateTemplate(ctx, pdp.PolicyTemplate{
		Name:     "auditor",
		Category: "compliance",
		Body:     `{"name":"{x}","effect":"Allow","resources":["*"],"actions":["read"]}`,
	}); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	access, err := env.engine.ListTemplates(ctx, "access")
	if err != nil {
		t.Fatalf("ListTemplates: %v", err)
	}
	if len(access) != 1 || access[0].Name != "team-reader" {
		t.Fatalf("access templates = %v", access)
	}
	all, err := env.engine.ListTemplates(ctx, "")
	if err != nil {
		t.Fatalf("ListTemplates: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all templates = %d", len(all))
	}
}

func TestTemplatesDisabledWithoutStore(t *testing.T) {
	eng, err := pdp.NewEngine(
		stores.NewMemoryPolicyStore(),
		stores.NewMemoryRoleStore(),
		stores.NewMemoryAssignmentStore(),
		stores.NewMemoryGroupMembershipStore(),
		stores.NewMemoryDelegationStore(),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close()

	if _, err := eng.CreateTemplate(context.Background(), pdp.PolicyTemplate{Name: "x", Body: "{}"}); !errors.Is(err, pdp.ErrTemplatesDisabled) {
		t.Fatalf("err = %v, want ErrTemplatesDisabled", err)
	}
}

func TestRegistry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.RegisterResource(ctx, "document", "document:*", "uploaded files"); err != nil {
		t.Fatalf("RegisterResource: %v", err)
	}
	if _, err := env.engine.RegisterAction(ctx, "document", "read", ""); err != nil {
		t.Fatalf("RegisterAction: %v", err)
	}
	if _, err := env.engine.RegisterAction(ctx, "document", "share", ""); err != nil {
		t.Fatalf("RegisterAction: %v", err)
	}

	resources, err := env.engine.ListResources(ctx, "document")
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(resources) != 1 || resources[0].Pattern != "document:*" {
		t.Fatalf("resources = %v", resources)
	}
	actions, err := env.engine.ListActions(ctx, "document")
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %d", len(actions))
	}
}
