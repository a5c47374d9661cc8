package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Record struct {
	ID          string    `json:"id"`
	CreatedTime time.Time `json:"createdTime"`
	Fields      Fields    `json:"fields"`
}

func (r Record) Clone() Record {
	out := r
	out.Fields = r.Fields.Clone()
	return out
}

// ShortID is the last four characters of the record id, used in log lines.
func ShortID(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}

type ProcessMode string

const (
	ModeAnalyzeImage    ProcessMode = "ANALYZE_IMAGE"
	ModeGenerateContent ProcessMode = "GENERATE_CONTENT"
)

func (m ProcessMode) Valid() bool {
	return m == ModeAnalyzeImage || m == ModeGenerateContent
}

// ProcessingConfig is fixed for the duration of one run.
type ProcessingConfig struct {
	Mode           ProcessMode `json:"mode"`
	ImageField     string      `json:"imageField,omitempty"`
	TextFields     []string    `json:"textFields,omitempty"`
	OutputField    string      `json:"outputField"`
	PromptTemplate string      `json:"promptTemplate"`
}

// Validate reports whether a run can be started with c.
func (c ProcessingConfig) Validate() error {
	var errs []error
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if strings.TrimSpace(c.OutputField) == "" {
		errs = append(errs, errors.New("outputField is required"))
	}
	if strings.TrimSpace(c.PromptTemplate) == "" {
		errs = append(errs, errors.New("promptTemplate is required"))
	}
	if c.Mode == ModeAnalyzeImage && strings.TrimSpace(c.ImageField) == "" {
		errs = append(errs, errors.New("imageField is required when mode is ANALYZE_IMAGE"))
	}
	return errors.Join(errs...)
}

type GroundingSource struct {
	Title string `json:"title,omitempty"`
	URI   string `json:"uri"`
}

// Generation is one atomic result from the generation capability.
type Generation struct {
	Text    string            `json:"text"`
	Sources []GroundingSource `json:"sources,omitempty"`
}

// DedupeSources keeps the first source per URI, preserving order. URIs are
// compared after trimming surrounding space, and sources without a URI are
// dropped since they cannot be cited.
func DedupeSources(in []GroundingSource) []GroundingSource {
	seen := make(map[string]struct{}, len(in))
	out := make([]GroundingSource, 0, len(in))
	for _, s := range in {
		uri := strings.TrimSpace(s.URI)
		if uri == "" {
			continue
		}
		if _, ok := seen[uri]; ok {
			continue
		}
		seen[uri] = struct{}{}
		out = append(out, GroundingSource{Title: s.Title, URI: uri})
	}
	return out
}

// DiscoverFields lists every field name seen across records, first-seen order.
func DiscoverFields(records []Record) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range records {
		for _, k := range r.Fields.Keys() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// ImageFields lists fields that hold a usable attachment URL on at least one record.
func ImageFields(records []Record) []string {
	var out []string
	for _, name := range DiscoverFields(records) {
		for _, r := range records {
			v, ok := r.Fields.Get(name)
			if !ok {
				continue
			}
			if _, ok := v.FirstAttachmentURL(); ok {
				out = append(out, name)
				break
			}
		}
	}
	return out
}
