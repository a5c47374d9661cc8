package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings is the process configuration read from the environment.
type Settings struct {
	ProviderBackend   string        `env:"AIRGEN_PROVIDER" envDefault:"gemini"`
	GeminiAPIKey      string        `env:"GEMINI_API_KEY"`
	GeminiModel       string        `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`
	GeminiBaseURL     string        `env:"GEMINI_BASE_URL"`
	VertexProject     string        `env:"GOOGLE_CLOUD_PROJECT"`
	VertexLocation    string        `env:"GOOGLE_CLOUD_LOCATION" envDefault:"us-central1"`
	DisableGrounding  bool          `env:"AIRGEN_DISABLE_GROUNDING"`
	GenerationTimeout time.Duration `env:"AIRGEN_GENERATION_TIMEOUT" envDefault:"90s"`

	Pacing      bool          `env:"AIRGEN_PACING" envDefault:"true"`
	ScanDelay   time.Duration `env:"AIRGEN_SCAN_DELAY" envDefault:"800ms"`
	VerifyDelay time.Duration `env:"AIRGEN_VERIFY_DELAY" envDefault:"1200ms"`
	SettleDelay time.Duration `env:"AIRGEN_SETTLE_DELAY" envDefault:"800ms"`

	FetchLimit      int    `env:"AIRGEN_FETCH_LIMIT" envDefault:"50"`
	AirtableBaseURL string `env:"AIRTABLE_BASE_URL" envDefault:"https://api.airtable.com"`

	StateBackend  string        `env:"AIRGEN_STATE_BACKEND" envDefault:"sqlite"`
	SQLitePath    string        `env:"AIRGEN_SQLITE_PATH" envDefault:"./.airgen/state.db"`
	RedisAddr     string        `env:"AIRGEN_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string        `env:"AIRGEN_REDIS_PASSWORD"`
	RedisDB       int           `env:"AIRGEN_REDIS_DB" envDefault:"0"`
	RedisTTL      time.Duration `env:"AIRGEN_REDIS_TTL" envDefault:"72h"`
	Passphrase    string        `env:"AIRGEN_PASSPHRASE"`

	TraceDBPath  string `env:"AIRGEN_TRACE_DB" envDefault:"./.airgen/traces.db"`
	OTel         bool   `env:"AIRGEN_OTEL"`
	TemplatesDir string `env:"AIRGEN_TEMPLATES_DIR" envDefault:"./.airgen/templates"`
	APIAddr      string `env:"AIRGEN_API_ADDR" envDefault:"127.0.0.1:7070"`
}

// Load reads optional dotenv files (default ".env") into the process environment
// without overriding variables that are already set, then parses Settings.
func Load(files ...string) (Settings, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	s, err := env.ParseAs[Settings]()
	if err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	var errs []error
	if s.FetchLimit <= 0 {
		errs = append(errs, fmt.Errorf("AIRGEN_FETCH_LIMIT must be positive, got %d", s.FetchLimit))
	}
	if s.GenerationTimeout < 0 {
		errs = append(errs, fmt.Errorf("AIRGEN_GENERATION_TIMEOUT must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"AIRGEN_SCAN_DELAY":   s.ScanDelay,
		"AIRGEN_VERIFY_DELAY": s.VerifyDelay,
		"AIRGEN_SETTLE_DELAY": s.SettleDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}
