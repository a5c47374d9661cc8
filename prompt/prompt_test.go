package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/airgen-go/types"
)

func TestRender_SubstitutesFields(t *testing.T) {
	fields := types.FieldsOf("Title", "Vase", "Description", "old")
	got := Render("Describe {Title}: {Description}", fields)
	if got != "Describe Vase: old" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRender_LeavesUnknownPlaceholders(t *testing.T) {
	if got := Render("{Unknown}", types.NewFields()); got != "{Unknown}" {
		t.Fatalf("expected placeholder kept verbatim, got %q", got)
	}
	got := Render("{Title} by {Maker}", types.FieldsOf("Title", "Vase"))
	if got != "Vase by {Maker}" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRender_ReplacesEveryOccurrenceAndAbsentAsEmpty(t *testing.T) {
	fields := types.FieldsOf("A", "x", "B", nil, "N", 0)
	got := Render("{A}{A}|{B}|{N}", fields)
	if got != "xx||0" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRender_FieldOrderDecidesNestedPlaceholders(t *testing.T) {
	// A value that contains a later field's placeholder is expanded by that later pass.
	later := types.FieldsOf("A", "{B}", "B", "b")
	if got := Render("{A}", later); got != "b" {
		t.Fatalf("expected later pass to expand nested placeholder, got %q", got)
	}
	// The same value is left alone when the referenced field was already applied.
	earlier := types.FieldsOf("B", "b", "A", "{B}")
	if got := Render("{A}", earlier); got != "{B}" {
		t.Fatalf("expected nested placeholder to survive, got %q", got)
	}
}

func TestPlaceholdersAndUnresolved(t *testing.T) {
	tmpl := `Research "{Title}" and {Description}; again {Title} and {Maker}`
	if diff := cmp.Diff([]string{"Title", "Description", "Maker"}, Placeholders(tmpl)); diff != "" {
		t.Fatalf("placeholders mismatch (-want +got):\n%s", diff)
	}
	records := []types.Record{{ID: "rec1", Fields: types.FieldsOf("Title", "Vase", "Description", "old")}}
	if diff := cmp.Diff([]string{"Maker"}, Unresolved(tmpl, records)); diff != "" {
		t.Fatalf("unresolved mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	got, ok := r.Resolve("Data-Enrichment")
	if !ok {
		t.Fatalf("expected builtin template")
	}
	if got.Mode != types.ModeGenerateContent {
		t.Fatalf("unexpected mode: %s", got.Mode)
	}
	cfg := got.Apply(types.ProcessingConfig{OutputField: "Description", Mode: types.ModeAnalyzeImage})
	if cfg.Mode != types.ModeGenerateContent || cfg.PromptTemplate != got.Prompt || cfg.OutputField != "Description" {
		t.Fatalf("unexpected applied config: %#v", cfg)
	}
	if len(r.List()) != 3 {
		t.Fatalf("expected 3 builtins, got %d", len(r.List()))
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Template{ID: "x", Mode: "NOPE", Prompt: "p"}); err == nil {
		t.Fatalf("expected unknown mode error")
	}
	if err := r.Register(Template{ID: "bad id", Mode: types.ModeGenerateContent, Prompt: "p"}); err == nil {
		t.Fatalf("expected identifier error")
	}
	if err := r.Register(Template{ID: "x", Mode: types.ModeGenerateContent}); err == nil {
		t.Fatalf("expected empty prompt error")
	}
}

func TestLoadDir_YAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := "name: Condition Notes\nmode: analyze_image\nprompt: |\n  Note the condition of {Title}.\n"
	if err := os.WriteFile(filepath.Join(dir, "condition.yaml"), []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	jsonDoc := `{"id":"short-blurb","name":"Short Blurb","mode":"GENERATE_CONTENT","prompt":"One line about {Title}."}`
	if err := os.WriteFile(filepath.Join(dir, "blurb.json"), []byte(jsonDoc), 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write txt: %v", err)
	}

	r := NewRegistry()
	n, err := LoadDir(r, dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 templates, got %d", n)
	}
	cond, ok := r.Resolve("condition")
	if !ok {
		t.Fatalf("expected id derived from file name")
	}
	if cond.Mode != types.ModeAnalyzeImage || cond.Prompt != "Note the condition of {Title}." {
		t.Fatalf("unexpected yaml template: %#v", cond)
	}
	if _, ok := r.Resolve("short-blurb"); !ok {
		t.Fatalf("expected json template")
	}
}

func TestLoadDir_MissingDirectory(t *testing.T) {
	n, err := LoadDir(NewRegistry(), filepath.Join(t.TempDir(), "missing"))
	if err != nil || n != 0 {
		t.Fatalf("expected no-op for missing dir, got %d %v", n, err)
	}
}
