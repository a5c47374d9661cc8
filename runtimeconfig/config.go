// Package runtimeconfig loads batch job files. A job file is YAML or JSON and
// is validated against the schema reflected from Job before it is decoded.
package runtimeconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/PipeOpsHQ/airgen-go/prompt"
	"github.com/PipeOpsHQ/airgen-go/types"
)

type Job struct {
	Name           string            `json:"name,omitempty" jsonschema:"description=Label shown in run history"`
	Template       string            `json:"template,omitempty" jsonschema:"description=Workflow template id supplying mode and promptTemplate"`
	Mode           types.ProcessMode `json:"mode,omitempty" jsonschema:"enum=ANALYZE_IMAGE,enum=GENERATE_CONTENT"`
	ImageField     string            `json:"imageField,omitempty" jsonschema:"description=Attachment field read in ANALYZE_IMAGE mode"`
	TextFields     []string          `json:"textFields,omitempty"`
	OutputField    string            `json:"outputField" jsonschema:"minLength=1,description=Field the approved text is written to"`
	PromptTemplate string            `json:"promptTemplate,omitempty" jsonschema:"description=Prompt with {Field} placeholders"`
	Limit          int               `json:"limit,omitempty" jsonschema:"minimum=1,maximum=1000"`
	Schedule       string            `json:"schedule,omitempty" jsonschema:"description=Cron expression used by the schedule command"`
}

// ValidationError lists every schema violation found in a job file.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("job file %q is invalid: %s", e.Path, strings.Join(e.Problems, "; "))
}

// Schema returns the JSON schema job files are validated against.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := r.Reflect(&Job{})
	s.Version = ""
	s.Title = "airgen job"
	return json.MarshalIndent(s, "", "  ")
}

func Load(path string) (Job, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Job{}, fmt.Errorf("job path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Job{}, fmt.Errorf("failed to resolve job path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Job{}, fmt.Errorf("failed to read job file %q: %w", absPath, err)
	}
	return Parse(absPath, data)
}

// Parse validates and decodes a job document. name is only used in errors.
func Parse(name string, data []byte) (Job, error) {
	doc, err := yaml.YAMLToJSON(data)
	if err != nil {
		return Job{}, fmt.Errorf("failed to decode job file %q: %w", name, err)
	}
	schema, err := Schema()
	if err != nil {
		return Job{}, fmt.Errorf("failed to build job schema: %w", err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return Job{}, fmt.Errorf("failed to validate job file %q: %w", name, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return Job{}, &ValidationError{Path: name, Problems: problems}
	}

	var job Job
	if err := json.Unmarshal(doc, &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job file %q: %w", name, err)
	}
	job.Name = strings.TrimSpace(job.Name)
	job.Template = strings.TrimSpace(job.Template)
	job.ImageField = strings.TrimSpace(job.ImageField)
	job.OutputField = strings.TrimSpace(job.OutputField)
	job.Schedule = strings.TrimSpace(job.Schedule)
	cleanFields := make([]string, 0, len(job.TextFields))
	for _, f := range job.TextFields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		cleanFields = append(cleanFields, f)
	}
	job.TextFields = cleanFields
	return job, nil
}

var ErrUnknownTemplate = errors.New("unknown workflow template")

// ProcessingConfig resolves the job into a validated run config. Values set on
// the job take precedence over those of its template.
func (j Job) ProcessingConfig(templates *prompt.Registry) (types.ProcessingConfig, error) {
	cfg := types.ProcessingConfig{
		Mode:           j.Mode,
		ImageField:     j.ImageField,
		TextFields:     append([]string(nil), j.TextFields...),
		OutputField:    j.OutputField,
		PromptTemplate: j.PromptTemplate,
	}
	if j.Template != "" {
		if templates == nil {
			templates = prompt.Default()
		}
		t, ok := templates.Resolve(j.Template)
		if !ok {
			return types.ProcessingConfig{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, j.Template)
		}
		if cfg.Mode == "" {
			cfg.Mode = t.Mode
		}
		if strings.TrimSpace(cfg.PromptTemplate) == "" {
			cfg.PromptTemplate = t.Prompt
		}
	}
	if err := cfg.Validate(); err != nil {
		return types.ProcessingConfig{}, err
	}
	return cfg, nil
}
