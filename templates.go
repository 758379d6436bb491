package pdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrTemplatesDisabled is returned when no template store was
// installed with WithTemplateStore.
var ErrTemplatesDisabled = fmt.Errorf("template store not configured")

// CreateTemplate registers a reusable policy skeleton. The body must
// be a valid policy definition in JSON once its {param} placeholders
// are substituted.
func (e *Engine) CreateTemplate(ctx context.Context, t PolicyTemplate) (*PolicyTemplate, error) {
	if e.templates == nil {
		return nil, ErrTemplatesDisabled
	}
	if strings.TrimSpace(t.Name) == "" {
		return nil, &ValidationError{Violations: []string{"template name is required"}}
	}
	if strings.TrimSpace(t.Body) == "" {
		return nil, &ValidationError{Violations: []string{"template body is required"}}
	}
	t.ID = uuid.NewString()
	t.CreatedAt = e.now()
	if err := e.templates.CreateTemplate(ctx, &t); err != nil {
		return nil, err
	}
	e.audit("template.created", "template", t.ID, "", map[string]any{"name": t.Name})
	return &t, nil
}

// GetTemplate returns one template by id.
func (e *Engine) GetTemplate(ctx context.Context, id string) (*PolicyTemplate, error) {
	if e.templates == nil {
		return nil, ErrTemplatesDisabled
	}
	return e.templates.GetTemplate(ctx, id)
}

// ListTemplates returns templates, optionally filtered by category.
func (e *Engine) ListTemplates(ctx context.Context, category string) ([]*PolicyTemplate, error) {
	if e.templates == nil {
		return nil, ErrTemplatesDisabled
	}
	return e.templates.ListTemplates(ctx, category)
}

// CreatePolicyFromTemplate substitutes parameters into a template body
// and creates the resulting policy. Placeholders use {name} syntax;
// required parameters without a value or default fail before anything
// is stored.
func (e *Engine) CreatePolicyFromTemplate(ctx context.Context, templateID string, params map[string]string) (*Policy, error) {
	t, err := e.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	body := t.Body
	for _, param := range t.Parameters {
		value, ok := params[param.Name]
		if !ok {
			if param.Required && param.Default == "" {
				return nil, fmt.Errorf("template %q: missing required parameter %q", t.Name, param.Name)
			}
			value = param.Default
		}
		body = strings.ReplaceAll(body, "{"+param.Name+"}", value)
	}
	// substitute callers' extra parameters even when the template does
	// not declare them
	for name, value := range params {
		body = strings.ReplaceAll(body, "{"+name+"}", value)
	}

	var def PolicyDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return nil, fmt.Errorf("template %q produced invalid policy JSON: %w", t.Name, err)
	}
	p, err := e.CreatePolicy(ctx, def)
	if err != nil {
		return nil, err
	}
	e.audit("policy.from_template", "policy", p.ID, "", map[string]any{"template_id": t.ID})
	return p, nil
}
