// Package prompts loads named prompt templates from an external YAML
// catalog and renders them with variable substitution.
package prompts

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/healthinsight/orchestrator/internal/domain"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk YAML shape of one role's prompt file:
// a flat map of prompt_id -> template text.
type catalogFile map[string]string

// Catalog is a read-only, addressable store of named templates, keyed by
// (agent_role, prompt_id). It is loaded once at process init and never
// mutated afterward.
type Catalog struct {
	templates map[string]*template.Template
}

// Load reads every *.yaml file in dir as a role's prompt file (the
// filename stem, e.g. "cmo.yaml", becomes the role "cmo") and parses each
// entry as a named template.
func Load(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("prompts: reading catalog dir: %w", err)
	}

	c := &Catalog{templates: make(map[string]*template.Template)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		role := strings.TrimSuffix(entry.Name(), ".yaml")
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("prompts: reading %s: %w", entry.Name(), err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("prompts: parsing %s: %w", entry.Name(), err)
		}
		for promptID, text := range file {
			key := catalogKey(role, promptID)
			tmpl, err := template.New(key).Option("missingkey=error").Parse(text)
			if err != nil {
				return nil, fmt.Errorf("prompts: parsing template %s: %w", key, err)
			}
			c.templates[key] = tmpl
		}
	}
	return c, nil
}

// LoadFromStrings builds a Catalog directly from role -> promptID ->
// template-text maps, bypassing the filesystem. Used by tests and by the
// built-in default catalog.
func LoadFromStrings(roles map[string]map[string]string) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]*template.Template)}
	// Sort role names for deterministic parse-error ordering.
	roleNames := make([]string, 0, len(roles))
	for r := range roles {
		roleNames = append(roleNames, r)
	}
	sort.Strings(roleNames)

	for _, role := range roleNames {
		for promptID, text := range roles[role] {
			key := catalogKey(role, promptID)
			tmpl, err := template.New(key).Option("missingkey=error").Parse(text)
			if err != nil {
				return nil, fmt.Errorf("prompts: parsing template %s: %w", key, err)
			}
			c.templates[key] = tmpl
		}
	}
	return c, nil
}

func catalogKey(role, promptID string) string {
	return role + "/" + promptID
}

// Render substitutes vars into the named template and returns the result.
// An unsubstituted hole, or a missing template, fails with
// domain.ErrPromptRenderError.
func (c *Catalog) Render(role, promptID string, vars map[string]any) (string, error) {
	key := catalogKey(role, promptID)
	tmpl, ok := c.templates[key]
	if !ok {
		return "", domain.NewRunError(domain.ErrPromptRenderError, "",
			fmt.Errorf("no template registered for %s", key))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", domain.NewRunError(domain.ErrPromptRenderError, "",
			fmt.Errorf("rendering %s: %w", key, err))
	}
	return buf.String(), nil
}
