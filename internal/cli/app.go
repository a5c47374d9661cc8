package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"go.opentelemetry.io/otel"

	"github.com/PipeOpsHQ/airgen-go/connection"
	"github.com/PipeOpsHQ/airgen-go/internal/config"
	"github.com/PipeOpsHQ/airgen-go/llm"
	"github.com/PipeOpsHQ/airgen-go/observe"
	otelsink "github.com/PipeOpsHQ/airgen-go/observe/otel"
	observestore "github.com/PipeOpsHQ/airgen-go/observe/store"
	observesqlite "github.com/PipeOpsHQ/airgen-go/observe/store/sqlite"
	"github.com/PipeOpsHQ/airgen-go/pipeline"
	"github.com/PipeOpsHQ/airgen-go/prompt"
	providerfactory "github.com/PipeOpsHQ/airgen-go/providers/factory"
	"github.com/PipeOpsHQ/airgen-go/recordstore/airtable"
	"github.com/PipeOpsHQ/airgen-go/state"
	statefactory "github.com/PipeOpsHQ/airgen-go/state/factory"
)

// app holds the components shared by every command.
type app struct {
	settings  config.Settings
	out       *printer
	states    state.Store
	traces    observestore.Store
	observer  observe.Sink
	templates *prompt.Registry
	conn      *connection.Manager
	closers   []func()
}

func newApp(ctx context.Context, settings config.Settings, out io.Writer) (*app, error) {
	a := &app{settings: settings, out: newPrinter(out), templates: prompt.Default()}

	states, err := statefactory.New(ctx, statefactory.Config{
		Backend:       settings.StateBackend,
		SQLitePath:    settings.SQLitePath,
		RedisAddr:     settings.RedisAddr,
		RedisPassword: settings.RedisPassword,
		RedisDB:       settings.RedisDB,
		RedisTTL:      settings.RedisTTL,
		Passphrase:    settings.Passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}
	a.states = states
	a.closers = append(a.closers, func() { closeStore(states) })

	a.observer = a.buildObserver()

	if _, err := prompt.LoadDir(a.templates, settings.TemplatesDir); err != nil {
		log.Printf("workflow templates unavailable: %v", err)
	}

	if err := a.setFetchLimit(settings.FetchLimit); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// setFetchLimit replaces the connection manager with one fetching up to n
// records. It must be called before connecting.
func (a *app) setFetchLimit(n int) error {
	conn, err := connection.NewManager(a.states,
		connection.WithOpener(connection.AirtableOpener(airtable.WithBaseURL(a.settings.AirtableBaseURL))),
		connection.WithFetchLimit(n),
		connection.WithObserver(a.observer),
	)
	if err != nil {
		return err
	}
	a.conn = conn
	return nil
}

func (a *app) buildObserver() observe.Sink {
	var sinks []observe.Sink
	if path := a.settings.TraceDBPath; path != "" {
		traces, err := observesqlite.New(path)
		if err != nil {
			log.Printf("trace store unavailable: %v", err)
		} else {
			a.traces = traces
			a.closers = append(a.closers, func() { _ = traces.Close() })
			sinks = append(sinks, observestore.Sink(traces))
		}
	}
	if a.settings.OTel {
		tp := otelsink.NewTracerProvider(otelsink.NewLogExporter(nil))
		otel.SetTracerProvider(tp)
		a.closers = append(a.closers, func() { _ = tp.Shutdown(context.Background()) })
		sinks = append(sinks, otelsink.NewSink(tp))
	}
	if len(sinks) == 0 {
		return observe.NoopSink{}
	}
	async := observe.NewAsyncSink(observe.NewMultiSink(sinks...), 256)
	a.closers = append(a.closers, async.Close)
	return async
}

// close releases components in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// reconnect restores the saved record store connection.
func (a *app) reconnect(ctx context.Context) error {
	_, err := a.conn.Reconnect(ctx)
	if errors.Is(err, connection.ErrNoSavedConnection) {
		return fmt.Errorf("not connected; run `airgen connect` first")
	}
	return err
}

func (a *app) generator(ctx context.Context) (llm.Generator, error) {
	return providerfactory.New(ctx, providerfactory.Config{
		Backend:          a.settings.ProviderBackend,
		APIKey:           a.settings.GeminiAPIKey,
		Model:            a.settings.GeminiModel,
		BaseURL:          a.settings.GeminiBaseURL,
		Project:          a.settings.VertexProject,
		Location:         a.settings.VertexLocation,
		DisableGrounding: a.settings.DisableGrounding,
	})
}

func (a *app) pacer() pipeline.Pacer {
	if !a.settings.Pacing {
		return pipeline.NoDelay()
	}
	return pipeline.DelayPacer{
		Scan:   a.settings.ScanDelay,
		Verify: a.settings.VerifyDelay,
		Settle: a.settings.SettleDelay,
	}
}

// orchestrator builds a pipeline over the connected store, seeded with the
// records fetched on connect.
func (a *app) orchestrator(gen llm.Generator, opts ...pipeline.Option) (*pipeline.Orchestrator, error) {
	store, err := a.conn.Store()
	if err != nil {
		return nil, err
	}
	base := []pipeline.Option{
		pipeline.WithPacer(a.pacer()),
		pipeline.WithGenerationTimeout(a.settings.GenerationTimeout),
		pipeline.WithObserver(a.observer),
		pipeline.WithStateStore(a.states),
	}
	o, err := pipeline.New(store, gen, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := o.SetRecords(a.conn.Records()); err != nil {
		return nil, err
	}
	return o, nil
}

// restore loads runID, or the latest run when runID is empty, into o. It
// reports false when there is no run to restore.
func (a *app) restore(ctx context.Context, o *pipeline.Orchestrator, runID string) (bool, error) {
	var (
		run state.RunRecord
		err error
	)
	if runID == "" {
		run, err = state.LatestRun(ctx, a.states)
	} else {
		run, err = a.states.LoadRun(ctx, runID)
	}
	if errors.Is(err, state.ErrNotFound) {
		if runID != "" {
			return false, fmt.Errorf("run %q not found", runID)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, o.Restore(run)
}

// reviewer connects and restores a run for review-only commands. Generation
// is not needed to commit, so no provider is configured.
func (a *app) reviewer(ctx context.Context, runID string) (*pipeline.Orchestrator, error) {
	if err := a.reconnect(ctx); err != nil {
		return nil, err
	}
	o, err := a.orchestrator(llm.Unavailable{})
	if err != nil {
		return nil, err
	}
	ok, err := a.restore(ctx, o, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no runs recorded yet; start one with `airgen run <job.yaml>`")
	}
	return o, nil
}
