package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/PipeOpsHQ/airgen-go/internal/config"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"connect":   cmdConnect,
	"logout":    cmdLogout,
	"records":   cmdRecords,
	"templates": cmdTemplates,
	"schema":    cmdSchema,
	"run":       cmdRun,
	"pending":   cmdPending,
	"commit":    cmdCommit,
	"discard":   cmdDiscard,
	"export":    cmdExport,
	"history":   cmdHistory,
	"metrics":   cmdMetrics,
	"serve":     cmdServe,
	"schedule":  cmdSchedule,
}

func Run(ctx context.Context, args []string) {
	settings, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := execute(ctx, settings, args, os.Stdout); err != nil {
		stop()
		log.Fatal(err)
	}
}

func execute(ctx context.Context, settings config.Settings, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return nil
	}
	name := strings.TrimSpace(args[0])
	switch name {
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		printUsage(out)
		return fmt.Errorf("unknown command %q", name)
	}
	a, err := newApp(ctx, settings, out)
	if err != nil {
		return err
	}
	defer a.close()
	return cmd(ctx, a, args[1:])
}
