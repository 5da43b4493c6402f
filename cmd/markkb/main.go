package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/markkb/internal/ai"
	"github.com/xxxsen/markkb/internal/config"
	"github.com/xxxsen/markkb/internal/db"
	"github.com/xxxsen/markkb/internal/embedcache"
	"github.com/xxxsen/markkb/internal/export"
	"github.com/xxxsen/markkb/internal/filestore"
	"github.com/xxxsen/markkb/internal/handler"
	"github.com/xxxsen/markkb/internal/job"
	"github.com/xxxsen/markkb/internal/middleware"
	"github.com/xxxsen/markkb/internal/model"
	"github.com/xxxsen/markkb/internal/pkg/jwt"
	"github.com/xxxsen/markkb/internal/repo"
	"github.com/xxxsen/markkb/internal/schedule"
	"github.com/xxxsen/markkb/internal/service"
	"github.com/xxxsen/markkb/internal/source"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "markkb",
		Short: "bookmark knowledge base builder",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json or config.yaml")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the http api and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return runServer(a)
		},
	}

	var (
		mode         string
		forceRefresh bool
		maxResults   int
	)
	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "execute one pipeline run and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			run, err := a.coordinator.Run(cmd.Context(), service.RunOptions{
				Mode:         model.ExecMode(mode),
				ForceRefresh: forceRefresh,
				MaxResults:   maxResults,
				Trigger:      "cli",
			})
			if err != nil {
				return err
			}
			if err := printJSON(run); err != nil {
				return err
			}
			if run.Status == model.StatusFailed {
				return fmt.Errorf("pipeline run %s failed: %s", run.ID, run.Error)
			}
			return nil
		},
	}
	pipelineCmd.Flags().StringVar(&mode, "mode", "", "sync or async, defaults to pipeline.mode")
	pipelineCmd.Flags().BoolVar(&forceRefresh, "force", false, "re-fetch and re-run every sub-phase")
	pipelineCmd.Flags().IntVar(&maxResults, "max-results", 0, "bookmark fetch limit")

	processCmd := &cobra.Command{
		Use:   "process <id>",
		Short: "run the sub-phases for a single bookmark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.pipeline.ProcessItem(cmd.Context(), args[0], service.ProcessOptions{
				Mode:         model.ExecMode(mode),
				ForceRefresh: forceRefresh,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	processCmd.Flags().StringVar(&mode, "mode", "", "sync or async")
	processCmd.Flags().BoolVar(&forceRefresh, "force", false, "re-run completed sub-phases")

	var (
		topK     int
		minScore float64
	)
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "find stored documents similar to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			defer a.close()
			var threshold *float64
			if cmd.Flags().Changed("min-score") {
				threshold = &minScore
			}
			matches, err := a.embeddings.FindSimilar(cmd.Context(), args[0], topK, threshold, nil)
			if err != nil {
				return err
			}
			return printJSON(matches)
		},
	}
	searchCmd.Flags().IntVar(&topK, "top-k", 10, "number of matches")
	searchCmd.Flags().Float64Var(&minScore, "min-score", 0, "minimum cosine similarity")

	var (
		operator string
		scope    string
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "issue an api token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("jwt_secret is not configured")
			}
			token, err := jwt.GenerateToken(operator, scope, []byte(cfg.JWTSecret), time.Hour*time.Duration(cfg.JWTTTLHours))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&operator, "operator", "", "token subject")
	tokenCmd.Flags().StringVar(&scope, "scope", "", "optional scope claim")

	rootCmd.AddCommand(runCmd, pipelineCmd, processCmd, searchCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

type app struct {
	cfg         *config.Config
	db          *sql.DB
	coordinator *service.Coordinator
	pipeline    *service.ContentPipeline
	synthesis   *service.SynthesisService
	embeddings  *service.EmbeddingService
	events      *service.MemorySink
	cacheRepo   *repo.EmbeddingCacheRepo
}

func (a *app) close() {
	_ = a.db.Close()
}

func bootstrap(configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	a, err := wire(cfg, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, conn *sql.DB) (*app, error) {
	contentRepo := repo.NewContentRepo(conn)
	synthesisRepo := repo.NewSynthesisRepo(conn)
	embeddingRepo := repo.NewEmbeddingRepo(conn)
	cacheRepo := repo.NewEmbeddingCacheRepo(conn)
	runRepo := repo.NewRunRepo(conn)

	// decorators wrap in order, so the memory layer ends up outermost
	var opts []ai.GatewayOption
	if cfg.EmbeddingCache.EnableDB {
		opts = append(opts, ai.WithEmbedderDecorator(embedcache.NewPersistentDecorator(cacheRepo)))
	}
	mem := embedcache.NewMemory(cfg.EmbeddingCache.LruSize, time.Duration(cfg.EmbeddingCache.LruTTL)*time.Second)
	opts = append(opts, ai.WithEmbedderDecorator(mem.Decorator()))
	gateway, err := ai.NewGatewayFromConfig(cfg.AI, opts...)
	if err != nil {
		return nil, err
	}
	manager := ai.NewManager(ai.ManagerConfig{Timeout: cfg.AI.Timeout, MaxInputChars: cfg.AI.MaxInputChars})

	src, err := source.New(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("init bookmark source: %w", err)
	}

	callTimeout := time.Duration(cfg.Pipeline.CallTimeout) * time.Second
	processor := service.NewSubPhaseProcessor(contentRepo, src, gateway, manager, callTimeout)
	pipeline := service.NewContentPipeline(contentRepo, src, processor, service.ContentPipelineConfig{
		SourceType:  cfg.Source.SourceType,
		Concurrency: cfg.Pipeline.Concurrency,
		Mode:        model.ExecMode(cfg.Pipeline.Mode),
		CallTimeout: callTimeout,
	})
	synthesis := service.NewSynthesisService(contentRepo, synthesisRepo, gateway, manager, cfg.Pipeline.Concurrency, callTimeout)
	embeddings := service.NewEmbeddingService(contentRepo, synthesisRepo, embeddingRepo, gateway, cfg.Pipeline.Concurrency, callTimeout)
	readme := service.NewReadmeService(contentRepo, synthesisRepo, gateway, manager, callTimeout)

	events := service.NewMemorySink(cfg.Pipeline.EventBuffer, 0)
	deps := service.CoordinatorDeps{
		Contents:   contentRepo,
		Source:     src,
		Resolver:   gateway,
		Pipeline:   pipeline,
		Synthesis:  synthesis,
		Embeddings: embeddings,
		Readme:     readme,
		Runs:       runRepo,
		Sink:       service.NewMultiSink(service.LogSink{}, events),
	}
	if cfg.Export.RepoDir != "" {
		var mirror filestore.Store
		if cfg.Export.Mirror.Type != "" {
			mirror, err = filestore.New(cfg.Export.Mirror)
			if err != nil {
				return nil, fmt.Errorf("init export mirror: %w", err)
			}
		}
		exporter, err := export.NewGitExporter(cfg.Export, mirror)
		if err != nil {
			return nil, fmt.Errorf("init exporter: %w", err)
		}
		deps.Exporter = exporter
	}
	coordinator := service.NewCoordinator(deps, service.CoordinatorConfig{
		MinItemsPerCategory: cfg.Pipeline.MinItemsPerCategory,
		MaxResults:          cfg.Pipeline.MaxResults,
		CallTimeout:         callTimeout,
	})
	return &app{
		cfg:         cfg,
		db:          conn,
		coordinator: coordinator,
		pipeline:    pipeline,
		synthesis:   synthesis,
		embeddings:  embeddings,
		events:      events,
		cacheRepo:   cacheRepo,
	}, nil
}

func runServer(a *app) error {
	cfg := a.cfg
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := schedule.NewCronScheduler()
	if err := scheduler.AddJob(job.NewPipelineJob(a.coordinator, model.ExecMode(cfg.Pipeline.Mode)), cfg.Schedule.Pipeline); err != nil {
		return err
	}
	if err := scheduler.AddJob(job.NewEmbeddingJob(a.embeddings), cfg.Schedule.Embeddings); err != nil {
		return err
	}
	if cfg.EmbeddingCache.EnableDB {
		if err := scheduler.AddJob(job.NewEmbeddingCacheCleanupJob(a.cacheRepo, cfg.EmbeddingCache.CleanupDays), cfg.Schedule.CacheCleanup); err != nil {
			return err
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	deps := handler.RouterDeps{
		Pipeline:      handler.NewPipelineHandler(a.coordinator, a.events, a.pipeline),
		Knowledge:     handler.NewKnowledgeHandler(a.embeddings, a.synthesis),
		JWTSecret:     []byte(cfg.JWTSecret),
		TriggerWindow: time.Duration(cfg.TriggerWindow) * time.Second,
	}
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		"/api/v1",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", addr))

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
