package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"forgecli/internal/adapter/checkpoint"
	"forgecli/internal/adapter/llm"
	"forgecli/internal/adapter/tool"
	"forgecli/internal/domain"
	"forgecli/internal/infra/config"
	"forgecli/internal/infra/logger"
	"forgecli/internal/infra/tracer"
	"forgecli/internal/store"
	"forgecli/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "forge.yaml", "path to the config file")
	workDir := flag.String("workdir", ".", "workspace directory for tools and checkpoints")
	dbPath := flag.String("db", "forge.db", "path to the session database")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	var transport domain.Transport = llm.NewRetryingTransport(cfg.Provider, cfg.Retry, log)
	if cfg.Retry.Breaker {
		transport = llm.NewCircuitBreakerTransport(transport, log)
	}

	workspace, err := tool.NewWorkspace(*workDir)
	if err != nil {
		return err
	}

	registry := tool.NewRegistry(log)
	locker := usecase.NewSessionLocker()

	// Sub-agents get a trimmed registry: no recursive delegation.
	subRegistry := tool.NewRegistry(log)
	for _, t := range []domain.Tool{
		tool.NewBashTool(workspace, cfg.Tools.BashAllowlist, log),
		tool.NewFilesystemTool(workspace, log),
	} {
		if cfg.Tools.RateLimit > 0 {
			t = tool.WithRateLimit(t, tool.NewRateLimiter(cfg.Tools.RateLimit, cfg.Tools.RateWindow))
		}
		if err := registry.Register(t); err != nil {
			return err
		}
		if err := subRegistry.Register(t); err != nil {
			return err
		}
	}

	subAgents := usecase.NewSubAgentManager(
		func() (*usecase.Orchestrator, *usecase.Session) {
			orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
				Transport:     transport,
				Tools:         subRegistry,
				Logger:        log,
				MaxIterations: cfg.SubAgent.MaxIterations,
				ToolTimeout:   cfg.Orchestra.ToolTimeout,
				FlushInterval: cfg.Orchestra.FlushInterval,
			})
			return orch, usecase.NewSession(cfg.Provider.ContextWindow)
		},
		cfg.SubAgent.MaxSubAgents,
		cfg.SubAgent.Timeout,
		log,
	)
	if err := registry.Register(tool.NewSubAgentTool(subAgents, log)); err != nil {
		return err
	}

	orch := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Transport:     transport,
		Tools:         registry,
		Logger:        log,
		MaxIterations: cfg.Orchestra.MaxIterations,
		ToolTimeout:   cfg.Orchestra.ToolTimeout,
		FlushInterval: cfg.Orchestra.FlushInterval,
		Locker:        locker,
		OnUpdate: func(text string) {
			fmt.Print(text)
		},
	})

	estimator, err := buildEstimator(cfg.Compaction)
	if err != nil {
		return err
	}
	compactor := usecase.NewCompactionEngine(transport, estimator, cfg.Compaction, log)

	checkpoints := checkpoint.NewGitStore(workspace.Root(), cfg.Checkpoint.BranchPrefix, log)

	sessions, err := store.NewSQLiteSessionStore(*dbPath)
	if err != nil {
		return err
	}
	defer sessions.Close()

	session := usecase.NewSession(cfg.Provider.ContextWindow)
	if err := sessions.Save(ctx, session); err != nil {
		return err
	}

	log.Info("session started", "session", session.ID, "workspace", workspace.Root())

	return repl(ctx, replDeps{
		cfg:         cfg,
		log:         log,
		session:     session,
		sessions:    sessions,
		orch:        orch,
		compactor:   compactor,
		checkpoints: checkpoints,
	})
}

type replDeps struct {
	cfg         *config.Config
	log         *slog.Logger
	session     *usecase.Session
	sessions    *store.SQLiteSessionStore
	orch        *usecase.Orchestrator
	compactor   *usecase.CompactionEngine
	checkpoints domain.CheckpointStore
}

func repl(ctx context.Context, d replDeps) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	turnIndex := 0

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := scanner.Text()
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			break
		}
		if input == "/compact" {
			res, err := d.compactor.Compact(ctx, d.session, true)
			if err != nil {
				fmt.Fprintf(os.Stderr, "compact: %v\n", err)
				continue
			}
			if res.Notice != "" {
				fmt.Println(res.Notice)
			}
			if res.Compacted {
				fmt.Printf("Compacted: %d -> %d estimated tokens.\n", res.Before, res.After)
			}
			continue
		}

		// SIGINT during a turn cancels the turn, not the process.
		turnCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
		result, err := d.orch.RunTurn(turnCtx, d.session, input)
		cancel()
		if err != nil && result == nil {
			fmt.Fprintf(os.Stderr, "turn: %v\n", err)
			continue
		}
		fmt.Println()
		turnIndex++

		if d.cfg.Checkpoint.Enabled {
			d.checkpoints.CreateCheckpoint(ctx, d.session.ID, turnIndex, summarizeInput(input))
		}

		if d.compactor.ShouldCompact(d.session) {
			res, cerr := d.compactor.Compact(ctx, d.session, false)
			if cerr != nil {
				d.log.Warn("auto-compaction failed", "error", cerr)
			} else {
				if res.Notice != "" {
					fmt.Println(res.Notice)
				}
				// Seed the model with the continuation prompt so the task
				// resumes from the summary without new input.
				if res.Compacted && res.Continuation != "" {
					turnCtx, cancel := signal.NotifyContext(ctx, os.Interrupt)
					_, terr := d.orch.RunTurn(turnCtx, d.session, res.Continuation)
					cancel()
					if terr != nil {
						d.log.Warn("post-compaction continuation failed", "error", terr)
					}
					fmt.Println()
				}
			}
		} else if d.compactor.InWarningBand(d.session) {
			usage := d.compactor.EstimateUsage(d.session)
			fmt.Printf("[context %.0f%% full; /compact to summarize]\n", usage.Ratio*100)
		}

		if err := d.sessions.Save(ctx, d.session); err != nil {
			d.log.Warn("session save failed", "error", err)
		}
	}

	return scanner.Err()
}

func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &config.Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return config.Parse(data)
}

func buildEstimator(cfg config.CompactionConfig) (usecase.TokenEstimator, error) {
	if cfg.Estimator == "tiktoken" {
		return usecase.NewTiktokenEstimator(cfg.Encoding)
	}
	return usecase.HeuristicEstimator{}, nil
}

// summarizeInput shortens a user message for checkpoint commit subjects.
func summarizeInput(input string) string {
	const max = 72
	if len(input) > max {
		return input[:max-3] + "..."
	}
	return input
}
