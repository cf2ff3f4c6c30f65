package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/microcore/taskcore/internal/auditlog"
	"github.com/microcore/taskcore/internal/config"
	"github.com/microcore/taskcore/internal/iteration"
	"github.com/microcore/taskcore/internal/lifecycle"
	"github.com/microcore/taskcore/internal/liveness"
	"github.com/microcore/taskcore/internal/llm"
	"github.com/microcore/taskcore/internal/model"
	"github.com/microcore/taskcore/internal/queue"
	"github.com/microcore/taskcore/internal/store"
	"github.com/microcore/taskcore/internal/tooldispatch"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "launch":
		launchCmd(os.Args[2:])
	case "enqueue":
		enqueueCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "version":
		fmt.Printf("taskcore %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskcore

Usage:
  taskcore run <task_id> [flags]
  taskcore launch [flags]
  taskcore enqueue <task_id> <text> [flags]
  taskcore status <task_id> [flags]
  taskcore version

`)
}

func anthropicConfigFrom(cfg *config.Config) llm.AnthropicConfig {
	if cfg.Provider == "bedrock" {
		return llm.AnthropicConfig{UseBedrock: true, AWSRegion: cfg.BedrockRegion, AWSProfile: cfg.BedrockProfile}
	}
	return llm.AnthropicConfig{APIKey: os.Getenv(cfg.DirectAPIKeyEnv)}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// runCmd is the per-task worker process entrypoint (what C7's spawn execs).
func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: taskcore run <task_id>")
		os.Exit(2)
	}
	taskID := fs.Arg(0)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	selfBinary, err := os.Executable()
	if err != nil {
		log.Error("resolve self binary", "error", err)
		os.Exit(1)
	}
	mgr := lifecycle.NewManager(st, log, selfBinary)

	audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: filepath.Dir(cfg.StorePath)})
	if err != nil {
		log.Warn("init audit log, continuing without it", "error", err)
	}
	mgr.Audit = audit

	client, err := llm.NewAnthropicClient(context.Background(), anthropicConfigFrom(cfg))
	if err != nil {
		log.Error("init llm client", "error", err)
		os.Exit(1)
	}

	dispatcher := tooldispatch.NewDispatcher(st, log)
	dispatcher.Register(tooldispatch.BashSpec, tooldispatch.NewBashTool(cfg.BashTimeout))
	dispatcher.Register(tooldispatch.ThinkSpec, tooldispatch.ThinkTool)
	dispatcher.Register(tooldispatch.SpawnTaskSpec, tooldispatch.NewSpawnTool(mgr, st))
	dispatcher.Register(tooldispatch.QueryTaskSpec, tooldispatch.NewQueryTool(st, client, cfg.DefaultModelID))
	dispatcher.Audit = audit

	engine := iteration.NewEngine(st, client, dispatcher, mgr, log, iteration.Config{
		WarningThreshold: cfg.IterationWarningThreshold,
	})

	if err := st.PatchTask(context.Background(), taskID, func(t *model.Task) error {
		t.PID = os.Getpid()
		t.Status = model.StatusRunning
		t.ProcessStartedAt = time.Now()
		return nil
	}); err != nil {
		log.Error("record worker pid", "task_id", taskID, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if task, err := st.GetTask(ctx, taskID); err == nil && task.ParentTaskID == "" {
		go runRootSweep(ctx, st, taskID, log)
	}

	if err := engine.Run(ctx, taskID); err != nil {
		log.Error("worker exited with error", "task_id", taskID, "error", err)
		os.Exit(1)
	}
}

// runRootSweep periodically reconciles the root task's children against the
// OS, per the supplemented root-task liveness sweep (§12).
func runRootSweep(ctx context.Context, st *store.Store, rootTaskID string, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := st.GetTask(ctx, rootTaskID)
			if err != nil {
				log.Warn("root sweep: load task", "error", err)
				continue
			}
			if _, err := liveness.Sweep(ctx, st, task.Children); err != nil {
				log.Warn("root sweep failed", "error", err)
			}
		}
	}
}

func launchCmd(args []string) {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	taskID := fs.String("task-id", "", "Task id (empty allocates a new one)")
	modelID := fs.String("model", "", "Model id (default: config default_model_id)")
	baseName := fs.String("base-name", "", "Human-readable task name")
	initial := fs.String("message", "", "Initial user message")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg)
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	selfBinary, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve self binary: %v\n", err)
		os.Exit(1)
	}
	mgr := lifecycle.NewManager(st, log, selfBinary)
	if audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: filepath.Dir(cfg.StorePath)}); err == nil {
		mgr.Audit = audit
	} else {
		log.Warn("init audit log, continuing without it", "error", err)
	}

	effectiveModel := *modelID
	if effectiveModel == "" {
		effectiveModel = cfg.DefaultModelID
	}
	var initialMessages []string
	if *initial != "" {
		initialMessages = []string{*initial}
	}

	result, err := mgr.Launch(context.Background(), lifecycle.LaunchOpts{
		TaskID:          *taskID,
		ModelID:         cfg.ResolveModel(effectiveModel),
		BaseName:        *baseName,
		InitialMessages: initialMessages,
		MaxIterations:   cfg.MaxIterations,
		StartProcess:    true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "launch failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("task_id=%s action=%s pid=%d\n", result.TaskID, result.Action, result.PID)
}

func enqueueCmd(args []string) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)
	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: taskcore enqueue <task_id> <text>")
		os.Exit(2)
	}
	taskID, text := fs.Arg(0), fs.Arg(1)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg)
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	if err := queue.Enqueue(ctx, st, taskID, model.Envelope{Kind: model.EnvelopeUser, Payload: text, Timestamp: time.Now()}); err != nil {
		fmt.Fprintf(os.Stderr, "enqueue failed: %v\n", err)
		os.Exit(1)
	}

	probeResult, err := liveness.Probe(ctx, st, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "liveness probe failed: %v\n", err)
		os.Exit(1)
	}
	if probeResult.Alive {
		fmt.Println("enqueued; task already running")
		return
	}

	selfBinary, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve self binary: %v\n", err)
		os.Exit(1)
	}
	mgr := lifecycle.NewManager(st, log, selfBinary)
	if _, err := mgr.Launch(ctx, lifecycle.LaunchOpts{TaskID: taskID, StartProcess: true}); err != nil {
		fmt.Fprintf(os.Stderr, "reactivate failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("enqueued; task reactivated")
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: taskcore status <task_id>")
		os.Exit(2)
	}
	taskID := fs.Arg(0)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	probeResult, err := liveness.Probe(ctx, st, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load task failed: %v\n", err)
		os.Exit(1)
	}

	colorize := term.IsTerminal(int(os.Stdout.Fd()))
	statusLabel := "stopped"
	if probeResult.Alive {
		statusLabel = "running"
	}
	if colorize {
		color := "\x1b[31m"
		if probeResult.Alive {
			color = "\x1b[32m"
		}
		statusLabel = color + statusLabel + "\x1b[0m"
	}
	fmt.Printf("task_id: %s\nstatus: %s\niterations: %d/%d\nmodel: %s\n", taskID, statusLabel, task.IterationsUsed, task.MaxIterations, task.ModelID)

	audit, err := auditlog.New(auditlog.Options{StateDir: filepath.Dir(cfg.StorePath)})
	if err != nil {
		return
	}
	entries, err := audit.ListForTask(taskID, 5)
	if err != nil || len(entries) == 0 {
		return
	}
	fmt.Println("recent activity:")
	for _, e := range entries {
		fmt.Printf("  %s  %-22s %s\n", e.CreatedAt, e.Action, e.Status)
	}
}
