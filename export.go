package pdp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// exportFormatVersion guards against importing documents written by an
// incompatible release.
const exportFormatVersion = "1.0"

type policyExport struct {
	Name          string                    `json:"name"`
	Description   string                    `json:"description,omitempty"`
	Effect        Effect                    `json:"effect"`
	Resources     []string                  `json:"resources"`
	Actions       []string                  `json:"actions"`
	Conditions    map[string]ConditionValue `json:"conditions,omitempty"`
	Principals    []string                  `json:"principals,omitempty"`
	NotPrincipals []string                  `json:"notPrincipals,omitempty"`
	Priority      int                       `json:"priority"`
	Tags          map[string]string         `json:"tags,omitempty"`
}

type policyExportDocument struct {
	Version    string         `json:"version"`
	ExportDate time.Time      `json:"exportDate"`
	Policies   []policyExport `json:"policies"`
}

type roleExport struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	// Policies are referenced by name, not id, so a document can be
	// imported into a catalog with different identifiers.
	PolicyNames []string          `json:"policyNames"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type roleExportDocument struct {
	Version    string       `json:"version"`
	ExportDate time.Time    `json:"exportDate"`
	Roles      []roleExport `json:"roles"`
}

// ExportPolicies serializes the named policies (or all of them when
// ids is empty) into a portable JSON document. Identity, version and
// hierarchy links are intentionally left out: imports mint fresh ids.
func (e *Engine) ExportPolicies(ctx context.Context, ids []string) (string, error) {
	var policies []*Policy
	if len(ids) == 0 {
		all, err := e.policies.ListPolicies(ctx)
		if err != nil {
			return "", err
		}
		policies = all
	} else {
		for _, id := range ids {
			p, err := e.policies.GetPolicy(ctx, id)
			if err != nil {
				return "", err
			}
			policies = append(policies, p)
		}
	}

	doc := policyExportDocument{
		Version:    exportFormatVersion,
		ExportDate: e.now(),
		Policies:   make([]policyExport, 0, len(policies)),
	}
	for _, p := range policies {
		doc.Policies = append(doc.Policies, policyExport{
			Name:          p.Name,
			Description:   p.Description,
			Effect:        p.Effect,
			Resources:     p.Resources,
			Actions:       p.Actions,
			Conditions:    p.Conditions,
			Principals:    p.Principals,
			NotPrincipals: p.NotPrincipals,
			Priority:      p.Priority,
			Tags:          p.Tags,
		})
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	e.audit("policy.exported", "policy", "", "", map[string]any{"count": len(doc.Policies)})
	return string(b), nil
}

// ImportPolicies creates policies from an exported document. Every
// imported policy gets a fresh id and starts at version 1; a name
// collision fails the whole import before any policy is written.
func (e *Engine) ImportPolicies(ctx context.Context, doc string) ([]*Policy, error) {
	var parsed policyExportDocument
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("parse export document: %w", err)
	}
	if parsed.Version != exportFormatVersion {
		return nil, fmt.Errorf("unsupported export version %q", parsed.Version)
	}
	seen := make(map[string]struct{}, len(parsed.Policies))
	for _, entry := range parsed.Policies {
		if _, dup := seen[entry.Name]; dup {
			return nil, fmt.Errorf("policy %q appears twice in document: %w", entry.Name, ErrDuplicateName)
		}
		seen[entry.Name] = struct{}{}
		if _, err := e.policies.GetPolicyByName(ctx, entry.Name); err == nil {
			return nil, fmt.Errorf("policy %q: %w", entry.Name, ErrDuplicateName)
		}
	}

	out := make([]*Policy, 0, len(parsed.Policies))
	for _, entry := range parsed.Policies {
		p, err := e.CreatePolicy(ctx, PolicyDefinition{
			Name:          entry.Name,
			Description:   entry.Description,
			Effect:        entry.Effect,
			Resources:     entry.Resources,
			Actions:       entry.Actions,
			Conditions:    entry.Conditions,
			Principals:    entry.Principals,
			NotPrincipals: entry.NotPrincipals,
			Priority:      entry.Priority,
			Tags:          entry.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("import policy %q: %w", entry.Name, err)
		}
		out = append(out, p)
	}
	e.audit("policy.imported", "policy", "", "", map[string]any{"count": len(out)})
	return out, nil
}

// ExportRoles serializes roles with their policies referenced by name.
func (e *Engine) ExportRoles(ctx context.Context, ids []string) (string, error) {
	var roles []*Role
	if len(ids) == 0 {
		all, err := e.roles.ListRoles(ctx)
		if err != nil {
			return "", err
		}
		roles = all
	} else {
		for _, id := range ids {
			r, err := e.roles.GetRole(ctx, id)
			if err != nil {
				return "", err
			}
			roles = append(roles, r)
		}
	}

	doc := roleExportDocument{
		Version:    exportFormatVersion,
		ExportDate: e.now(),
		Roles:      make([]roleExport, 0, len(roles)),
	}
	for _, r := range roles {
		entry := roleExport{
			Name:        r.Name,
			Description: r.Description,
			Tags:        r.Tags,
			PolicyNames: make([]string, 0, len(r.PolicyIDs)),
		}
		for _, pid := range r.PolicyIDs {
			p, err := e.policies.GetPolicy(ctx, pid)
			if err != nil {
				return "", fmt.Errorf("role %q references policy %s: %w", r.Name, pid, err)
			}
			entry.PolicyNames = append(entry.PolicyNames, p.Name)
		}
		doc.Roles = append(doc.Roles, entry)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ImportRoles creates roles from an exported document, resolving
// policy references by name against the current catalog.
func (e *Engine) ImportRoles(ctx context.Context, doc string) ([]*Role, error) {
	var parsed roleExportDocument
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("parse export document: %w", err)
	}
	if parsed.Version != exportFormatVersion {
		return nil, fmt.Errorf("unsupported export version %q", parsed.Version)
	}

	out := make([]*Role, 0, len(parsed.Roles))
	for _, entry := range parsed.Roles {
		policyIDs := make([]string, 0, len(entry.PolicyNames))
		for _, name := range entry.PolicyNames {
			p, err := e.policies.GetPolicyByName(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("role %q references policy %q: %w", entry.Name, name, err)
			}
			policyIDs = append(policyIDs, p.ID)
		}
		r, err := e.CreateRole(ctx, RoleDefinition{
			Name:        entry.Name,
			Description: entry.Description,
			PolicyIDs:   policyIDs,
			Tags:        entry.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("import role %q: %w", entry.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}
