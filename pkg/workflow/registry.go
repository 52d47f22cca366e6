package workflow

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/swarm/pkg/models"
)

// ErrTemplateNotFound indicates the requested workflow template is unknown.
var ErrTemplateNotFound = errors.New("workflow template not found")

// Registry resolves template names (and aliases) to definitions.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry creates a registry over the builtin catalogue.
func NewRegistry() *Registry {
	return &Registry{templates: BuiltinTemplates()}
}

// Get resolves a name or alias to its template.
func (r *Registry) Get(name string) (*Template, error) {
	if canonical, ok := Aliases[name]; ok {
		name = canonical
	}
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return t, nil
}

// Names lists the registered template names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadCustom registers additional templates from a YAML file. Custom
// templates may not shadow builtin names.
func (r *Registry) LoadCustom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read templates %s: %w", path, err)
	}
	var file struct {
		Templates []*Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse templates %s: %w", path, err)
	}
	for _, t := range file.Templates {
		if _, exists := r.templates[t.Name]; exists {
			return fmt.Errorf("template %q shadows a builtin", t.Name)
		}
		if err := ValidateTemplate(t); err != nil {
			return fmt.Errorf("template %q: %w", t.Name, err)
		}
		r.templates[t.Name] = t
	}
	return nil
}

// ValidateTemplate checks structural soundness: stages exist, transitions
// reference declared stages, entry and completion stages are declared, and
// every stage role is in the template's role set.
func ValidateTemplate(t *Template) error {
	if t.Name == "" {
		return errors.New("missing name")
	}
	if len(t.Stages) == 0 {
		return errors.New("no stages declared")
	}
	ids := make(map[string]bool, len(t.Stages))
	for _, s := range t.Stages {
		if s.ID == "" {
			return errors.New("stage with empty id")
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate stage id %q", s.ID)
		}
		ids[s.ID] = true
		if s.MaxIterations < 1 {
			return fmt.Errorf("stage %q: max_iterations must be >= 1", s.ID)
		}
		if !models.IsQueueRole(s.Role) {
			return fmt.Errorf("stage %q: unknown role %q", s.ID, s.Role)
		}
		if models.IsAgentRole(s.Role) && !t.HasRole(s.Role) {
			return fmt.Errorf("stage %q: role %q not in template role set", s.ID, s.Role)
		}
	}
	if !ids[t.EntryStage] {
		return fmt.Errorf("entry stage %q not declared", t.EntryStage)
	}
	if !ids[t.CompletionStage] {
		return fmt.Errorf("completion stage %q not declared", t.CompletionStage)
	}
	for _, tr := range t.Transitions {
		if !ids[tr.From] {
			return fmt.Errorf("transition from unknown stage %q", tr.From)
		}
		if !ids[tr.To] {
			return fmt.Errorf("transition to unknown stage %q", tr.To)
		}
	}
	return nil
}
