package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oarkflow/squealx"

	"github.com/remoteops/pdp"
)

// SQLTemplateStore persists policy templates in SQL. Parameter lists
// are stored as a JSON column alongside the raw template body.
type SQLTemplateStore struct {
	db *squealx.DB
}

func NewSQLTemplateStore(db *squealx.DB) *SQLTemplateStore {
	return &SQLTemplateStore{db: db}
}

const templateColumns = `id, name, description, category, parameters_json, body, is_builtin, created_at`

func (s *SQLTemplateStore) CreateTemplate(ctx context.Context, t *pdp.PolicyTemplate) error {
	params, _ := json.Marshal(t.Parameters)
	q := `INSERT INTO policy_templates(` + templateColumns + `) VALUES(:id, :name, :description, :category, :parameters_json, :body, :is_builtin, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":              t.ID,
		"name":            t.Name,
		"description":     t.Description,
		"category":        t.Category,
		"parameters_json": string(params),
		"body":            t.Body,
		"is_builtin":      boolToInt(t.IsBuiltIn),
		"created_at":      t.CreatedAt,
	})
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("template %q: %w", t.Name, pdp.ErrDuplicateName)
	}
	return err
}

func (s *SQLTemplateStore) GetTemplate(ctx context.Context, id string) (*pdp.PolicyTemplate, error) {
	q := `SELECT ` + templateColumns + ` FROM policy_templates WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("template %q: %w", id, pdp.ErrNotFound)
	}
	return scanTemplate(r)
}

// ListTemplates returns templates ordered by name; an empty category
// matches everything.
func (s *SQLTemplateStore) ListTemplates(ctx context.Context, category string) ([]*pdp.PolicyTemplate, error) {
	q := `SELECT ` + templateColumns + ` FROM policy_templates WHERE (:category = '' OR category = :category) ORDER BY name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"category": category})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*pdp.PolicyTemplate, 0)
	for r.Next() {
		t, err := scanTemplate(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func scanTemplate(r rowScanner) (*pdp.PolicyTemplate, error) {
	var t pdp.PolicyTemplate
	var params string
	var isBuiltIn int
	var createdRaw any
	if err := r.Scan(&t.ID, &t.Name, &t.Description, &t.Category,
		&params, &t.Body, &isBuiltIn, &createdRaw); err != nil {
		return nil, err
	}
	t.IsBuiltIn = isBuiltIn != 0
	if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters for %s: %w", t.ID, err)
	}
	t.CreatedAt = scanTime(createdRaw)
	return &t, nil
}
