package factory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/PipeOpsHQ/airgen-go/llm"
	geminiprov "github.com/PipeOpsHQ/airgen-go/providers/gemini"
)

// Config selects and configures the generation backend.
type Config struct {
	Backend          string
	APIKey           string
	Model            string
	BaseURL          string
	Project          string
	Location         string
	DisableGrounding bool
}

func New(ctx context.Context, cfg Config) (llm.Generator, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "gemini"
	}

	opts := []geminiprov.Option{}
	if m := strings.TrimSpace(cfg.Model); m != "" {
		opts = append(opts, geminiprov.WithModel(m))
	}
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		opts = append(opts, geminiprov.WithBaseURL(u))
	}
	if cfg.DisableGrounding {
		opts = append(opts, geminiprov.WithGrounding(false))
	}

	switch backend {
	case "gemini":
		key := strings.TrimSpace(cfg.APIKey)
		if key == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when AIRGEN_PROVIDER=gemini")
		}
		return geminiprov.New(ctx, key, opts...)

	case "vertex", "vertexai":
		project := strings.TrimSpace(cfg.Project)
		if project == "" {
			return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT is required when AIRGEN_PROVIDER=vertex")
		}
		location := strings.TrimSpace(cfg.Location)
		if location == "" {
			location = "us-central1"
		}
		opts = append(opts, geminiprov.WithVertexAI(project, location))
		return geminiprov.New(ctx, "", opts...)
	}

	return nil, fmt.Errorf("unsupported AIRGEN_PROVIDER %q (use gemini or vertex)", backend)
}

func FromEnv(ctx context.Context) (llm.Generator, error) {
	return New(ctx, Config{
		Backend:          getenv("AIRGEN_PROVIDER", "gemini"),
		APIKey:           os.Getenv("GEMINI_API_KEY"),
		Model:            getenv("GEMINI_MODEL", "gemini-2.5-flash"),
		BaseURL:          os.Getenv("GEMINI_BASE_URL"),
		Project:          os.Getenv("GOOGLE_CLOUD_PROJECT"),
		Location:         getenv("GOOGLE_CLOUD_LOCATION", "us-central1"),
		DisableGrounding: strings.EqualFold(strings.TrimSpace(os.Getenv("AIRGEN_DISABLE_GROUNDING")), "true"),
	})
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}
