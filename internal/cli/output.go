package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	observestore "github.com/PipeOpsHQ/airgen-go/observe/store"
	"github.com/PipeOpsHQ/airgen-go/pipeline"
	"github.com/PipeOpsHQ/airgen-go/prompt"
	"github.com/PipeOpsHQ/airgen-go/runtime/cron"
	"github.com/PipeOpsHQ/airgen-go/state"
	"github.com/PipeOpsHQ/airgen-go/types"
)

// printer renders CLI output. Colour is only used when out is a terminal.
type printer struct {
	out     io.Writer
	title   lipgloss.Style
	dim     lipgloss.Style
	info    lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
}

func newPrinter(out io.Writer) *printer {
	p := &printer{
		out:     out,
		title:   lipgloss.NewStyle(),
		dim:     lipgloss.NewStyle(),
		info:    lipgloss.NewStyle(),
		success: lipgloss.NewStyle(),
		failure: lipgloss.NewStyle(),
	}
	if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		r := lipgloss.NewRenderer(f)
		p.title = r.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
		p.dim = r.NewStyle().Faint(true)
		p.info = r.NewStyle().Foreground(lipgloss.Color("14"))
		p.success = r.NewStyle().Foreground(lipgloss.Color("10"))
		p.failure = r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	}
	return p
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) heading(s string) {
	fmt.Fprintln(p.out, p.title.Render(s))
}

func (p *printer) logEntry(e pipeline.LogEntry) {
	var mark string
	switch e.Status {
	case pipeline.LogSuccess:
		mark = p.success.Render("✓")
	case pipeline.LogError:
		mark = p.failure.Render("✗")
	default:
		mark = p.info.Render("·")
	}
	fmt.Fprintf(p.out, "%s %s %s\n", p.dim.Render(e.Time.Local().Format("15:04:05")), mark, e.Message)
}

func (p *printer) runSummary(s pipeline.RunStatus) {
	pending := 0
	if s.PendingUpdates != nil {
		pending = s.PendingUpdates.Len()
	}
	fmt.Fprintf(p.out, "%s processed, %s completed, %s failed, %s awaiting review\n",
		humanize.Comma(int64(s.Current)),
		p.success.Render(humanize.Comma(int64(s.Completed))),
		p.failure.Render(humanize.Comma(int64(s.Failed))),
		humanize.Comma(int64(pending)),
	)
}

func (p *printer) records(records []types.Record, previewField string) {
	p.heading(fmt.Sprintf("%s records", humanize.Comma(int64(len(records)))))
	fields := types.DiscoverFields(records)
	if len(fields) > 0 {
		fmt.Fprintf(p.out, "%s %s\n", p.dim.Render("fields:"), strings.Join(fields, ", "))
	}
	if imgs := types.ImageFields(records); len(imgs) > 0 {
		fmt.Fprintf(p.out, "%s %s\n", p.dim.Render("image fields:"), strings.Join(imgs, ", "))
	}
	for _, r := range records {
		preview := ""
		if v, ok := r.Fields.Get(previewField); ok {
			preview = v.String()
		} else if len(fields) > 0 {
			v, _ := r.Fields.Get(fields[0])
			preview = v.String()
		}
		fmt.Fprintf(p.out, "  %s  %s\n", r.ID, clip(preview, 72))
	}
}

func (p *printer) pending(s pipeline.RunStatus, records []types.Record, originalField string) {
	ids := s.PendingIDs()
	if len(ids) == 0 {
		fmt.Fprintln(p.out, "No drafts awaiting review.")
		return
	}
	originals := map[string]string{}
	for _, r := range records {
		if v, ok := r.Fields.Get(originalField); ok {
			originals[r.ID] = v.String()
		}
	}
	p.heading(fmt.Sprintf("%s drafts awaiting review (run %s)", humanize.Comma(int64(len(ids))), s.RunID))
	for _, id := range ids {
		u, _ := s.Pending(id)
		fmt.Fprintf(p.out, "\n%s\n", p.info.Render(id))
		if orig, ok := originals[id]; ok {
			fmt.Fprintf(p.out, "  %s %s\n", p.dim.Render("was:"), clip(orig, 200))
		}
		fmt.Fprintf(p.out, "  %s %s\n", p.dim.Render("new:"), u.Text)
		for _, src := range u.Sources {
			label := src.Title
			if label == "" {
				label = src.URI
			}
			fmt.Fprintf(p.out, "  %s %s <%s>\n", p.dim.Render("src:"), label, src.URI)
		}
	}
}

func (p *printer) runs(runs []state.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(p.out, "No runs recorded.")
		return
	}
	for _, r := range runs {
		when := ""
		if r.CreatedAt != nil {
			when = humanize.Time(*r.CreatedAt)
		}
		fmt.Fprintf(p.out, "%s  %-9s %s/%s done, %s failed, %s committed, %s pending  %s\n",
			r.RunID, r.Status,
			humanize.Comma(int64(r.Completed+r.Failed)), humanize.Comma(int64(r.Total)),
			humanize.Comma(int64(r.Failed)), humanize.Comma(int64(r.Committed)),
			humanize.Comma(int64(len(r.Pending))), p.dim.Render(when))
	}
}

func (p *printer) templates(list []prompt.Template) {
	for _, t := range list {
		fmt.Fprintf(p.out, "%s  %s  %s\n", p.info.Render(t.ID), t.Mode, t.Name)
		if t.Description != "" {
			fmt.Fprintf(p.out, "    %s\n", p.dim.Render(t.Description))
		}
	}
}

func (p *printer) metrics(m observestore.MetricsSummary, since time.Time) {
	header := "Activity"
	if !since.IsZero() {
		header = "Activity since " + humanize.Time(since)
	}
	p.heading(header)
	fmt.Fprintf(p.out, "  runs        %s started, %s finished, %s failed\n",
		humanize.Comma(m.RunsStarted), humanize.Comma(m.RunsCompleted), humanize.Comma(m.RunsFailed))
	fmt.Fprintf(p.out, "  generation  %s ok, %s failed, avg %s\n",
		humanize.Comma(m.ProviderCalls), humanize.Comma(m.ProviderFailures),
		(time.Duration(m.AvgProviderMs) * time.Millisecond).Round(time.Millisecond))
	fmt.Fprintf(p.out, "  commits     %s written, %s failed\n",
		humanize.Comma(m.Commits), humanize.Comma(m.CommitFailures))
}

func (p *printer) schedules(entries []cron.Entry) {
	for _, e := range entries {
		next := "-"
		if !e.NextRun.IsZero() {
			next = humanize.Time(e.NextRun)
		}
		fmt.Fprintf(p.out, "%s  %q  next %s\n", p.info.Render(e.Name), e.CronExpr, next)
	}
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
