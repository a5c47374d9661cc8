package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/airgen-go/types"
)

// Template is a named, reusable processing blueprint.
type Template struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Mode        types.ProcessMode `json:"mode" yaml:"mode"`
	Prompt      string            `json:"prompt" yaml:"prompt"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
}

type Registry struct {
	mu    sync.RWMutex
	items map[string]Template
}

func NewRegistry() *Registry {
	return &Registry{items: map[string]Template{}}
}

var global = NewRegistry()

func init() {
	RegisterBuiltins(global)
}

func Register(t Template) error           { return global.Register(t) }
func Resolve(id string) (Template, bool) { return global.Resolve(id) }
func List() []Template                   { return global.List() }
func Default() *Registry                 { return global }

func (r *Registry) Register(t Template) error {
	normalized, err := NormalizeTemplate(t)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[normalized.ID] = normalized
	return nil
}

func (r *Registry) Resolve(id string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[strings.ToLower(strings.TrimSpace(id))]
	return t, ok
}

func (r *Registry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.items))
	for _, t := range r.items {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply copies the template's mode and prompt onto cfg, leaving field mapping alone.
func (t Template) Apply(cfg types.ProcessingConfig) types.ProcessingConfig {
	cfg.Mode = t.Mode
	cfg.PromptTemplate = t.Prompt
	return cfg
}

func NormalizeTemplate(t Template) (Template, error) {
	t.ID = strings.ToLower(strings.TrimSpace(t.ID))
	t.Name = strings.TrimSpace(t.Name)
	t.Prompt = strings.TrimSpace(t.Prompt)
	t.Description = strings.TrimSpace(t.Description)
	t.Mode = types.ProcessMode(strings.ToUpper(strings.TrimSpace(string(t.Mode))))
	if t.ID == "" {
		return Template{}, fmt.Errorf("template id is required")
	}
	if !identPattern.MatchString(t.ID) {
		return Template{}, fmt.Errorf("template id %q must match [a-z0-9._-]", t.ID)
	}
	if t.Prompt == "" {
		return Template{}, fmt.Errorf("template %q has empty prompt", t.ID)
	}
	if !t.Mode.Valid() {
		return Template{}, fmt.Errorf("template %q has unknown mode %q", t.ID, t.Mode)
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	return t, nil
}

var identPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)
