package pdp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrRegistryDisabled is returned when no registry store was installed
// with WithRegistryStore.
var ErrRegistryDisabled = fmt.Errorf("registry store not configured")

// RegisterResource records a protectable resource type and its id
// pattern so tooling can enumerate valid targets.
func (e *Engine) RegisterResource(ctx context.Context, resourceType, pattern, description string) (*ResourceDefinition, error) {
	if e.registry == nil {
		return nil, ErrRegistryDisabled
	}
	if strings.TrimSpace(resourceType) == "" {
		return nil, &ValidationError{Violations: []string{"resource type is required"}}
	}
	if !IsValidResourcePattern(pattern) {
		return nil, &ValidationError{Violations: []string{fmt.Sprintf("invalid resource pattern %q", pattern)}}
	}
	d := &ResourceDefinition{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		Pattern:      pattern,
		Description:  description,
		CreatedAt:    e.now(),
	}
	if err := e.registry.CreateResourceDefinition(ctx, d); err != nil {
		return nil, err
	}
	e.audit("registry.resource", "resource_definition", d.ID, "", map[string]any{"type": resourceType})
	return d, nil
}

// RegisterAction records an action valid for a resource type.
func (e *Engine) RegisterAction(ctx context.Context, resourceType, action, description string) (*ActionDefinition, error) {
	if e.registry == nil {
		return nil, ErrRegistryDisabled
	}
	if strings.TrimSpace(resourceType) == "" || strings.TrimSpace(action) == "" {
		return nil, &ValidationError{Violations: []string{"resource type and action are required"}}
	}
	d := &ActionDefinition{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		Action:       action,
		Description:  description,
		CreatedAt:    e.now(),
	}
	if err := e.registry.CreateActionDefinition(ctx, d); err != nil {
		return nil, err
	}
	e.audit("registry.action", "action_definition", d.ID, "", map[string]any{"type": resourceType, "action": action})
	return d, nil
}

// ListResources returns registered resource definitions, optionally
// filtered by type.
func (e *Engine) ListResources(ctx context.Context, resourceType string) ([]*ResourceDefinition, error) {
	if e.registry == nil {
		return nil, ErrRegistryDisabled
	}
	return e.registry.ListResourceDefinitions(ctx, resourceType)
}

// ListActions returns registered actions, optionally filtered by
// resource type.
func (e *Engine) ListActions(ctx context.Context, resourceType string) ([]*ActionDefinition, error) {
	if e.registry == nil {
		return nil, ErrRegistryDisabled
	}
	return e.registry.ListActionDefinitions(ctx, resourceType)
}
