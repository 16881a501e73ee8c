package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowline-dev/flowline/internal/ident"
	"github.com/flowline-dev/flowline/internal/infrastructure/sqlite"
	"github.com/flowline-dev/flowline/internal/log"
	"github.com/flowline-dev/flowline/internal/orchestration/agent"
	"github.com/flowline-dev/flowline/internal/orchestration/events"
	"github.com/flowline-dev/flowline/internal/orchestration/job"
	"github.com/flowline-dev/flowline/internal/orchestration/lifecycle"
	"github.com/flowline-dev/flowline/internal/orchestration/metrics"
	"github.com/flowline-dev/flowline/internal/orchestration/rpc"
	"github.com/flowline-dev/flowline/internal/orchestration/tracing"
	"github.com/flowline-dev/flowline/internal/paths"
	"github.com/flowline-dev/flowline/internal/pubsub"
	"github.com/flowline-dev/flowline/internal/store"
)

// runServe assembles the full server and speaks JSON-RPC on stdio until
// stdin closes or the process is signalled. When http.addr is set, a pull
// transport listener runs alongside.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	base := paths.ResolveBaseDir(cfg.BaseDir)
	for _, dir := range []string{base, paths.JobsDir(base), paths.WorkflowsDir(base)} {
		if err := paths.EnsureDir(dir); err != nil {
			return fmt.Errorf("preparing state directory: %w", err)
		}
	}

	if cfg.Log.Enabled {
		logPath := cfg.Log.FilePath
		if logPath == "" {
			logPath = filepath.Join(base, "flowline.log")
		}
		closeLog, err := log.Init(paths.ExpandHome(logPath))
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer closeLog()
		log.SetMinLevel(logLevel(cfg.Log.Level))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobStore, err := store.New(paths.JobsDir(base))
	if err != nil {
		return err
	}
	wfStore, err := store.New(paths.WorkflowsDir(base))
	if err != nil {
		return err
	}
	agentStore, err := store.New(base)
	if err != nil {
		return err
	}
	ids, err := ident.NewGenerator(paths.CountersPath(base))
	if err != nil {
		return err
	}

	db, err := sqlite.Open(paths.HistoryDBPath(base))
	if err != nil {
		return err
	}
	defer db.Close()

	jobBroker := pubsub.NewBroker[events.JobEvent]()
	agentBroker := pubsub.NewBroker[events.AgentEvent]()
	taskBroker := pubsub.NewBroker[events.TaskEvent]()
	wfBroker := pubsub.NewBroker[events.WorkflowEvent]()
	defer jobBroker.Close()
	defer agentBroker.Close()
	defer taskBroker.Close()
	defer wfBroker.Close()

	met := metrics.New()
	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn(log.CatMetrics, "Trace provider shutdown failed", "error", err)
		}
	}()

	clock := ident.SystemClock()
	jobs := job.NewController(cfg.Poll, clock, jobStore, jobBroker, met)
	agents := agent.NewOrchestrator(cfg.Heartbeat, cfg.Execution, clock, agentStore, agentBroker, met)
	coord := lifecycle.NewCoordinator(lifecycle.Deps{
		Exec:           cfg.Execution,
		Graph:          cfg.Graph,
		Clock:          clock,
		Store:          wfStore,
		IDs:            ids,
		Agents:         agent.NewDispatcher(agents),
		History:        sqlite.NewHistoryRepository(db),
		TaskEvents:     taskBroker,
		WorkflowEvents: wfBroker,
		Metrics:        met,
	})
	agents.SetRequeue(func(taskID string) {
		coord.Requeue(context.Background(), taskID, "agent capacity freed")
	})

	if err := jobs.LoadPersisted(); err != nil {
		return fmt.Errorf("restoring jobs: %w", err)
	}
	if err := agents.LoadPersisted(); err != nil {
		return fmt.Errorf("restoring agent registry: %w", err)
	}
	if err := coord.LoadPersisted(ctx); err != nil {
		return fmt.Errorf("restoring workflows: %w", err)
	}

	log.SafeGo("executor", func() { coord.Run(ctx) })
	log.SafeGo("agent-monitor", func() { agents.Run(ctx) })
	log.SafeGo("registry-watch", func() {
		if err := agents.Watch(ctx, paths.AgentsPath(base)); err != nil {
			log.Warn(log.CatAgent, "Registry watcher stopped", "error", err)
		}
	})

	srv := rpc.NewServer(rpc.Deps{
		Jobs:    jobs,
		Coord:   coord,
		Agents:  agents,
		Clock:   clock,
		Metrics: met,
		Tracer:  tp.Tracer(),
	})

	var httpSrv *http.Server
	if cfg.HTTP.Addr != "" {
		httpSrv = &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      srv.Handler(),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}
		log.SafeGo("http-listener", func() {
			log.Info(log.CatRPC, "HTTP listener starting", "addr", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.ErrorErr(log.CatRPC, "HTTP listener failed", err)
			}
		})
	}

	err = srv.Serve(ctx, os.Stdin, os.Stdout)

	if httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if shutErr := httpSrv.Shutdown(shutCtx); shutErr != nil && err == nil {
			err = shutErr
		}
	}
	return err
}

func logLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
