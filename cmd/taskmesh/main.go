package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/taskmesh/internal/dispatch"
	"github.com/rendis/taskmesh/internal/engine"
	"github.com/rendis/taskmesh/internal/expressions"
	"github.com/rendis/taskmesh/internal/logging"
	"github.com/rendis/taskmesh/internal/registry"
	"github.com/rendis/taskmesh/internal/router"
	"github.com/rendis/taskmesh/internal/scheduler"
	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/internal/streaming"
	"github.com/rendis/taskmesh/internal/toolload"
	"github.com/rendis/taskmesh/internal/validation"
	"github.com/rendis/taskmesh/pkg/mcp"
	"github.com/rendis/taskmesh/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		slog.Error("taskmesh exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	if err := os.MkdirAll(taskmeshDir(), 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer := schema.NewSigner([]byte(cfg.SigningKey))
	st, err := store.NewLibSQLStore(cfg.DBPath, signer)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	exprEngine := expressions.NewExprEngine()
	hub := streaming.NewMemoryHub()

	reg := registry.New(st, validator, logger,
		registry.WithHeartbeatTimeout(time.Duration(cfg.HeartbeatTimeoutSec)*time.Second),
		registry.WithSweepInterval(time.Duration(cfg.SweepIntervalSec)*time.Second),
	)
	if err := reg.Load(ctx); err != nil {
		return err
	}
	go reg.Run(ctx)

	loader := toolload.New()
	if err := loader.Configure(schema.LoadStrategy(cfg.ToolStrategy), cfg.MaxTools); err != nil {
		return err
	}

	eng := engine.New(st, logger,
		engine.WithSnapshotEvery(int64(cfg.SnapshotEvery)),
		engine.WithHub(hub),
	)

	invoker := dispatch.NewLocalInvoker(validator)
	if err := invoker.Register(dispatch.HandlerFunc{
		Name: "general",
		Fn: func(_ context.Context, task dispatch.Task) (json.RawMessage, error) {
			out, _ := json.Marshal(map[string]any{
				"subtask_id": task.SubtaskID,
				"handled_by": task.Agent,
				"tools":      len(task.Tools.SelectedTools),
			})
			return out, nil
		},
	}); err != nil {
		return err
	}

	rtr := router.New(router.Config{
		Engine:          eng,
		Registry:        reg,
		Selector:        router.NewSelector(reg, exprEngine, ""),
		Assessor:        router.NewRiskAssessor(celEngine, nil),
		Loader:          loader,
		Validator:       validator,
		Invoker:         invoker,
		Logger:          logger,
		Catalog:         loadCatalog(),
		DispatchTimeout: time.Duration(cfg.DispatchTimeoutSec) * time.Second,
		PoolSize:        cfg.PoolSize,
	})
	defer rtr.Shutdown()

	srv := mcp.NewMeshServer(mcp.MeshServerDeps{
		Router:   rtr,
		Engine:   eng,
		Registry: reg,
		Loader:   loader,
		Store:    st,
		Hub:      hub,
		Logger:   logger,
	})
	eng.SetNotifier(mcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions()))
	go srv.StreamEvents(ctx)

	sched, err := scheduler.NewScheduler(st, eng, logger, scheduler.Config{
		SnapshotsKept: cfg.SnapshotsKept,
		RetentionDays: cfg.RetentionDays,
		ApprovalGrace: time.Duration(cfg.ApprovalGraceMin) * time.Minute,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	logger.Info("taskmesh started",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
	)
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
