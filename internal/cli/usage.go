package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/PipeOpsHQ/airgen-go/prompt"
)

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "airgen: AI enrichment for Airtable records")
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  airgen connect --base=<base-id> --table=<table> [--api-key=env:AIRTABLE_API_KEY]")
	fmt.Fprintln(out, "  airgen logout")
	fmt.Fprintln(out, "  airgen records [--limit=50] [--field=Description]")
	fmt.Fprintln(out, "  airgen templates")
	fmt.Fprintln(out, "  airgen schema")
	fmt.Fprintln(out, "  airgen run <job.yaml>")
	fmt.Fprintln(out, "  airgen pending [--run=<run-id>] [--field=<name>]")
	fmt.Fprintln(out, "  airgen commit <record-id> | --all [--run=<run-id>]")
	fmt.Fprintln(out, "  airgen discard <record-id> [--run=<run-id>]")
	fmt.Fprintln(out, "  airgen export [--out=<file.csv>] [--run=<run-id>] [--field=<name>]")
	fmt.Fprintln(out, "  airgen history [--limit=10] [--status=completed]")
	fmt.Fprintln(out, "  airgen metrics [--since=24h]")
	fmt.Fprintln(out, "  airgen serve [--addr=127.0.0.1:7070]")
	fmt.Fprintln(out, "  airgen schedule [--cron=\"0 * * * *\"] <job.yaml>...")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Job files:")
	fmt.Fprintln(out, "  outputField: Description")
	fmt.Fprintln(out, "  template: product-desc")
	fmt.Fprintln(out, "  textFields: [Title]")
	fmt.Fprintln(out, "  limit: 20")
	fmt.Fprintf(out, "  available templates: %s\n", strings.Join(templateIDs(), ", "))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Environment Variables:")
	fmt.Fprintln(out, "  AIRTABLE_API_KEY             Airtable token (referenced as env:AIRTABLE_API_KEY)")
	fmt.Fprintln(out, "  GEMINI_API_KEY               Gemini API key")
	fmt.Fprintln(out, "  GEMINI_MODEL                 Model name (default gemini-2.5-flash)")
	fmt.Fprintln(out, "  AIRGEN_PROVIDER              gemini | vertex")
	fmt.Fprintln(out, "  AIRGEN_STATE_BACKEND         sqlite | redis | hybrid | memory")
	fmt.Fprintln(out, "  AIRGEN_PASSPHRASE            Encrypts stored Airtable keys")
	fmt.Fprintln(out, "  AIRGEN_PACING                Cosmetic delays between stages (default true)")
	fmt.Fprintln(out, "  AIRGEN_TRACE_DB              Trace database path, empty to disable")
}

func templateIDs() []string {
	list := prompt.List()
	ids := make([]string, 0, len(list))
	for _, t := range list {
		ids = append(ids, t.ID)
	}
	return ids
}
