package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/task"
	"github.com/basket/agentcore/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `agentcore - durable task, thread and delegation runtime for agents

USAGE:
  %s [flags]                  Run until interrupted
  %s tasks [thread-id]        Print tasks visible to a thread (default: root)
  %s sweep                    Run one compaction and shadow cleanup pass
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTCORE_HOME                        Data directory (default: ~/.agentcore)
  AGENTCORE_LOG_LEVEL                   debug, info, warn or error
  AGENTCORE_DB_PATH                     SQLite database path
  AGENTCORE_DELEGATION_TIMEOUT_SECONDS  Delegation wait bound (0 = none)
`)
}

type command struct {
	name string
	args []string
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{name: "run"}, nil
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	rest := args[1:]
	switch name {
	case "help", "-h", "--help":
		return command{name: "help"}, nil
	case "run", "sweep":
		if len(rest) > 0 {
			return command{}, fmt.Errorf("%s takes no arguments", name)
		}
	case "tasks":
		if len(rest) > 1 {
			return command{}, fmt.Errorf("usage: agentcore tasks [thread-id]")
		}
	case "doctor":
	default:
		return command{}, fmt.Errorf("unknown command %q", args[0])
	}
	return command{name: name, args: rest}, nil
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd())
	daemon := flag.Bool("daemon", false, "run without the approval prompt; unapproved tool calls are denied")
	flag.Usage = printUsage
	flag.Parse()

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cmd.name == "help" {
		printUsage()
		return
	}
	if *daemon || cmd.name != "run" {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd.name == "doctor" {
		code := runDoctorCommand(ctx, cmd.args, os.Stdout)
		stop()
		os.Exit(code)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) while the approval prompt owns the terminal.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive || cmd.name != "run")
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "needs_init", cfg.NeedsInit)

	rt, err := newRuntime(ctx, cfg, logger, interactive)
	if err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(logger, se.code, se.err)
		}
		fatalStartup(logger, "E_STARTUP", err)
	}
	defer rt.Close()

	switch cmd.name {
	case "sweep":
		rep, err := rt.scheduler.RunOnce(ctx)
		if err != nil {
			logger.Error("sweep failed", "error", err)
			os.Exit(1)
		}
		writeJSON(os.Stdout, rep)
	case "tasks":
		threadID := rootThreadID
		if len(cmd.args) == 1 {
			threadID = cmd.args[0]
		}
		tasks, err := rt.tasks.ListTasks(ctx, task.FilterAll, task.Actor{ID: threadID})
		if err != nil {
			logger.Error("list tasks failed", "error", err)
			os.Exit(1)
		}
		writeJSON(os.Stdout, tasks)
	default:
		if err := run(ctx, rt, interactive); err != nil {
			logger.Error("runtime failure", "error", err)
			os.Exit(1)
		}
	}
}

// run starts the background services and blocks until ctx ends.
func run(ctx context.Context, rt *runtime, interactive bool) error {
	watcher := config.NewWatcher(rt.cfg.HomeDir, rt.logger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	go func() {
		for ev := range watcher.Events() {
			rt.logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			rt.onReload(ev)
		}
	}()

	if err := rt.scheduler.Start(ctx); err != nil {
		return err
	}

	if interactive {
		fmt.Println("agentcore running; answer approval requests with \"<id> once|session|deny\". Ctrl-C to exit.")
		go approvalPrompt(ctx, os.Stdin, os.Stdout, rt.bus, rt.interactive)
	}
	rt.logger.Info("startup phase", "phase", "running", "interactive", interactive)

	<-ctx.Done()
	rt.logger.Info("shutdown requested")
	return nil
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
