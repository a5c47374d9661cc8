package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PipeOpsHQ/airgen-go/api"
	"github.com/PipeOpsHQ/airgen-go/connection"
	"github.com/PipeOpsHQ/airgen-go/export"
	observestore "github.com/PipeOpsHQ/airgen-go/observe/store"
	"github.com/PipeOpsHQ/airgen-go/pipeline"
	"github.com/PipeOpsHQ/airgen-go/prompt"
	"github.com/PipeOpsHQ/airgen-go/runtime/cron"
	"github.com/PipeOpsHQ/airgen-go/runtimeconfig"
	"github.com/PipeOpsHQ/airgen-go/state"
	"github.com/PipeOpsHQ/airgen-go/types"
)

const defaultAPIKeyRef = "env:AIRTABLE_API_KEY"

type usageError struct{ usage string }

func (e usageError) Error() string { return "usage: airgen " + e.usage }

func cmdConnect(ctx context.Context, a *app, args []string) error {
	f, _ := parseArgs(args)
	creds := connection.Credentials{
		APIKey:    f.str("api-key", defaultAPIKeyRef),
		BaseID:    f.str("base", ""),
		TableName: f.str("table", ""),
	}
	if creds.BaseID == "" || creds.TableName == "" {
		return usageError{"connect --base=<base-id> --table=<table> [--api-key=env:AIRTABLE_API_KEY]"}
	}
	records, err := a.conn.Connect(ctx, creds)
	if err != nil {
		return err
	}
	a.out.printf("Connected to %s/%s, %d records loaded.\n", creds.BaseID, creds.TableName, len(records))
	if !strings.HasPrefix(creds.APIKey, "env:") {
		a.out.printf("Note: the API key is stored as given; pass --api-key=env:NAME to keep it out of the state store.\n")
	}
	return nil
}

func cmdLogout(ctx context.Context, a *app, _ []string) error {
	if err := a.conn.Logout(ctx); err != nil {
		return err
	}
	a.out.printf("Saved connection removed.\n")
	return nil
}

func cmdRecords(ctx context.Context, a *app, args []string) error {
	f, _ := parseArgs(args)
	limit, err := f.count("limit", a.settings.FetchLimit)
	if err != nil {
		return err
	}
	if limit > 0 && limit != a.settings.FetchLimit {
		if err := a.setFetchLimit(limit); err != nil {
			return err
		}
	}
	if err := a.reconnect(ctx); err != nil {
		return err
	}
	a.out.records(a.conn.Records(), f.str("field", export.DefaultOriginalField))
	return nil
}

func cmdTemplates(_ context.Context, a *app, _ []string) error {
	a.out.templates(a.templates.List())
	return nil
}

func cmdSchema(_ context.Context, a *app, _ []string) error {
	schema, err := runtimeconfig.Schema()
	if err != nil {
		return err
	}
	a.out.printf("%s\n", schema)
	return nil
}

func loadJob(a *app, path string) (runtimeconfig.Job, types.ProcessingConfig, error) {
	job, err := runtimeconfig.Load(path)
	if err != nil {
		return runtimeconfig.Job{}, types.ProcessingConfig{}, err
	}
	cfg, err := job.ProcessingConfig(a.templates)
	if err != nil {
		return runtimeconfig.Job{}, types.ProcessingConfig{}, fmt.Errorf("job %s: %w", path, err)
	}
	return job, cfg, nil
}

func cmdRun(ctx context.Context, a *app, args []string) error {
	_, pos := parseArgs(args)
	if len(pos) != 1 {
		return usageError{"run <job.yaml>"}
	}
	job, cfg, err := loadJob(a, pos[0])
	if err != nil {
		return err
	}
	if job.Limit > 0 {
		if err := a.setFetchLimit(job.Limit); err != nil {
			return err
		}
	}
	if err := a.reconnect(ctx); err != nil {
		return err
	}
	gen, err := a.generator(ctx)
	if err != nil {
		return err
	}
	o, err := a.orchestrator(gen)
	if err != nil {
		return err
	}
	records := o.Records()
	for _, name := range prompt.Unresolved(cfg.PromptTemplate, records) {
		a.out.printf("Warning: no record has a field named %q; {%s} will be sent verbatim.\n", name, name)
	}

	runErr := a.process(ctx, o, records, cfg)
	if errors.Is(runErr, context.Canceled) {
		a.out.printf("Run canceled. Drafts staged so far are kept for review.\n")
		return nil
	}
	if runErr != nil {
		return runErr
	}
	if o.Status().PendingUpdates.Len() > 0 {
		a.out.printf("Review with `airgen pending`, approve with `airgen commit --all`.\n")
	}
	return nil
}

// process runs one batch and streams its log to the printer.
func (a *app) process(ctx context.Context, o *pipeline.Orchestrator, records []types.Record, cfg types.ProcessingConfig) error {
	id, updates := o.Subscribe(64)
	printed := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range updates {
			for ; printed < len(s.Logs); printed++ {
				a.out.logEntry(s.Logs[printed])
			}
		}
	}()
	runErr := o.Process(ctx, records, cfg)
	o.Unsubscribe(id)
	<-done

	final := o.Status()
	for ; printed < len(final.Logs); printed++ {
		a.out.logEntry(final.Logs[printed])
	}
	a.out.runSummary(final)
	return runErr
}

func cmdPending(ctx context.Context, a *app, args []string) error {
	f, _ := parseArgs(args)
	o, err := a.reviewer(ctx, f.str("run", ""))
	if err != nil {
		return err
	}
	a.out.pending(o.Status(), o.Records(), originalField(o, f))
	return nil
}

func originalField(o *pipeline.Orchestrator, f flags) string {
	if v := f.str("field", ""); v != "" {
		return v
	}
	if v := o.Config().OutputField; v != "" {
		return v
	}
	return export.DefaultOriginalField
}

func cmdCommit(ctx context.Context, a *app, args []string) error {
	f, pos := parseArgs(args)
	all := f.flag("all")
	if all == (len(pos) == 1) || len(pos) > 1 {
		return usageError{"commit <record-id> | commit --all [--run=<run-id>]"}
	}
	o, err := a.reviewer(ctx, f.str("run", ""))
	if err != nil {
		return err
	}
	before := len(o.Status().Logs)
	var result error
	if all {
		summary := o.CommitAll(ctx)
		if summary.Failed > 0 {
			result = fmt.Errorf("%d of %d commits failed; the failed drafts stay pending", summary.Failed, summary.Attempted)
		}
	} else {
		if _, ok := o.Status().Pending(pos[0]); !ok {
			return fmt.Errorf("no pending draft for %s", pos[0])
		}
		result = o.CommitOne(ctx, pos[0])
	}
	for _, e := range o.Status().Logs[before:] {
		a.out.logEntry(e)
	}
	return result
}

func cmdDiscard(ctx context.Context, a *app, args []string) error {
	f, pos := parseArgs(args)
	if len(pos) != 1 {
		return usageError{"discard <record-id> [--run=<run-id>]"}
	}
	o, err := a.reviewer(ctx, f.str("run", ""))
	if err != nil {
		return err
	}
	if !o.Discard(pos[0]) {
		return fmt.Errorf("no pending draft for %s", pos[0])
	}
	a.out.printf("Draft for %s discarded.\n", pos[0])
	return nil
}

func cmdExport(ctx context.Context, a *app, args []string) error {
	f, _ := parseArgs(args)
	o, err := a.reviewer(ctx, f.str("run", ""))
	if err != nil {
		return err
	}
	status := o.Status()
	if status.PendingUpdates.Len() == 0 {
		a.out.printf("No drafts awaiting review; nothing exported.\n")
		return nil
	}
	path := f.str("out", export.FileName(time.Now()))
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	n, err := export.WriteCSV(file, o.Records(), status, originalField(o, f))
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	a.out.printf("Exported %d drafts to %s\n", n, path)
	return nil
}

func cmdHistory(ctx context.Context, a *app, args []string) error {
	f, _ := parseArgs(args)
	limit, err := f.count("limit", 10)
	if err != nil {
		return err
	}
	runs, err := a.states.ListRuns(ctx, state.ListRunsQuery{Limit: limit, Status: f.str("status", "")})
	if err != nil {
		return err
	}
	a.out.runs(runs)
	return nil
}

func cmdMetrics(ctx context.Context, a *app, args []string) error {
	if a.traces == nil {
		return fmt.Errorf("trace store is disabled (set AIRGEN_TRACE_DB)")
	}
	f, _ := parseArgs(args)
	var q observestore.MetricsQuery
	var since time.Time
	if raw := f.str("since", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("--since must be a duration such as 24h: %w", err)
		}
		since = time.Now().Add(-d)
		q.Since = &since
	}
	m, err := a.traces.AggregateMetrics(ctx, q)
	if err != nil {
		return err
	}
	a.out.metrics(m, since)
	return nil
}

func cmdServe(ctx context.Context, a *app, args []string) error {
	f, _ := parseArgs(args)
	if err := a.reconnect(ctx); err != nil {
		return err
	}
	gen, err := a.generator(ctx)
	if err != nil {
		return err
	}
	o, err := a.orchestrator(gen)
	if err != nil {
		return err
	}
	if _, err := a.restore(ctx, o, ""); err != nil {
		return err
	}
	srv, err := api.NewServer(api.Config{
		Addr:         f.str("addr", a.settings.APIAddr),
		Orchestrator: o,
		Records:      a.conn,
		Templates:    a.templates,
		StateStore:   a.states,
		TraceStore:   a.traces,
	})
	if err != nil {
		return err
	}
	a.out.printf("Review API listening on http://%s/api/v1/status\n", f.str("addr", a.settings.APIAddr))
	err = srv.ListenAndServe(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cmdSchedule(ctx context.Context, a *app, args []string) error {
	f, pos := parseArgs(args)
	if len(pos) == 0 {
		return usageError{"schedule [--cron=<expr>] <job.yaml>..."}
	}
	if err := a.reconnect(ctx); err != nil {
		return err
	}
	gen, err := a.generator(ctx)
	if err != nil {
		return err
	}
	o, err := a.orchestrator(gen)
	if err != nil {
		return err
	}

	templates := a.templates
	scheduler := cron.New(func(ctx context.Context, job runtimeconfig.Job) (string, error) {
		cfg, err := job.ProcessingConfig(templates)
		if err != nil {
			return "", err
		}
		records, err := a.conn.Refresh(ctx)
		if err != nil {
			return "", err
		}
		if job.Limit > 0 && len(records) > job.Limit {
			records = records[:job.Limit]
		}
		if err := a.process(ctx, o, records, cfg); err != nil {
			return "", err
		}
		s := o.Status()
		return fmt.Sprintf("%d completed, %d failed, %d awaiting review", s.Completed, s.Failed, s.PendingUpdates.Len()), nil
	})
	for _, path := range pos {
		job, _, err := loadJob(a, path)
		if err != nil {
			return err
		}
		name := job.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if err := scheduler.Add(name, f.str("cron", ""), job); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()
	a.out.schedules(scheduler.List())
	<-ctx.Done()
	return nil
}
