package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// LoadDir registers every .yaml, .yml and .json template file in path. A missing
// directory is not an error.
func LoadDir(r *Registry, path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		fullPath := filepath.Join(path, entry.Name())
		t, err := loadFile(fullPath)
		if err != nil {
			return loaded, err
		}
		if err := r.Register(t); err != nil {
			return loaded, fmt.Errorf("register template %q: %w", fullPath, err)
		}
		loaded++
	}
	return loaded, nil
}

func loadFile(path string) (Template, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read template file %q: %w", path, err)
	}
	var t Template
	// JSON is a subset of YAML, so one decoder covers both extensions.
	if err := yaml.Unmarshal(content, &t); err != nil {
		return Template{}, fmt.Errorf("decode template file %q: %w", path, err)
	}
	if strings.TrimSpace(t.ID) == "" {
		base := filepath.Base(path)
		t.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return t, nil
}
