package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"powerquality-backend/internal/analyses"
	"powerquality-backend/internal/llm"
	openai "powerquality-backend/internal/llm/openai"
	"powerquality-backend/internal/pipeline"
	"powerquality-backend/internal/queue"
	"powerquality-backend/internal/shared/config"
	"powerquality-backend/internal/shared/server"
	"powerquality-backend/internal/shared/storage/db"
	"powerquality-backend/internal/shared/storage/object"
	gcsstore "powerquality-backend/internal/shared/storage/object/gcs"
	localstore "powerquality-backend/internal/shared/storage/object/local"
	s3store "powerquality-backend/internal/shared/storage/object/s3"
	"powerquality-backend/internal/shared/telemetry"
)

// App holds shared dependencies for every entry point.
type App struct {
	Config          config.Config
	Router          *gin.Engine
	DB              *sql.DB
	Store           object.ObjectStore
	Queue           queue.Client
	RedisQueue      *queue.RedisClient
	LLM             llm.Client
	AnalysesRepo    analyses.Repo
	AnalysesService *analyses.Service
	Orchestrator    *pipeline.Orchestrator
	AnalysisHandler *analyses.Handler

	closers []io.Closer
}

// Build prepares shared dependencies and the HTTP router.
func Build(cfg config.Config) (*App, error) {
	return BuildContext(context.Background(), cfg)
}

// BuildContext is Build with a caller-provided context for connection setup.
func BuildContext(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	telemetry.SetLevel(cfg.LogLevel)

	app := &App{Config: cfg}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.DB = sqlDB

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Store = store
	if c, ok := store.(io.Closer); ok {
		app.closers = append(app.closers, c)
	}

	if err := buildQueue(ctx, app); err != nil {
		_ = app.Close()
		return nil, err
	}

	llmClient, err := buildLLM(cfg)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.LLM = llmClient

	buildServices(app)

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          app.Config,
		AnalysisHandler: app.AnalysisHandler,
		Ready:           app.Ready,
	})

	telemetry.Info("bootstrap.ready", map[string]any{
		"env":           cfg.Env,
		"object_store":  cfg.ObjectStoreType,
		"queue_backend": queueBackendName(cfg.QueueBackend),
		"database":      app.DB != nil,
		"llm_provider":  cfg.LLMProvider,
	})
	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.db.memory", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, errors.New("DATABASE_URL is required")
	}

	sqlDB, err := db.Open(ctx, cfg.DatabaseURL, db.RuntimeProfile())
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.db.memory", map[string]any{"reason": "connect failed", "error": err.Error()})
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, s3store.Options{
			Region:   cfg.AWSRegion,
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
			KMSKeyID: cfg.SSEKMSKeyID,
		})
	case "gcs":
		return gcsstore.New(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context, app *App) error {
	cfg := app.Config
	switch cfg.QueueBackend {
	case "sqs":
		client, err := queue.NewSQSClient(ctx, cfg.SQSQueueURL, cfg.AWSRegion)
		if err != nil {
			return err
		}
		app.Queue = client
	case "redis":
		client, err := queue.NewRedisClient(ctx, queue.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisQueueKey,
		})
		if err != nil {
			return err
		}
		app.Queue = client
		app.RedisQueue = client
		app.closers = append(app.closers, client)
	}
	return nil
}

func buildLLM(cfg config.Config) (llm.Client, error) {
	if cfg.LLMProvider != "openai" {
		telemetry.Warn("bootstrap.llm.placeholder", map[string]any{"provider": cfg.LLMProvider})
		return llm.PlaceholderClient{}, nil
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" && isDevLike(cfg.Env) {
		telemetry.Warn("bootstrap.llm.placeholder", map[string]any{"reason": "OPENAI_API_KEY empty"})
		return llm.PlaceholderClient{}, nil
	}
	return openai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel)
}

func buildServices(app *App) {
	cfg := app.Config

	var repo analyses.Repo
	if app.DB != nil {
		repo = analyses.NewPGRepo(app.DB)
	} else {
		repo = analyses.NewMemoryRepo()
	}

	orch := pipeline.NewOrchestrator(repo, app.Store, app.LLM, pipeline.Options{
		Chunking:        pipeline.ChunkOptions{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap},
		DefaultLanguage: cfg.DefaultLanguage,
		RunTimeout:      cfg.RunTimeout,
		MaxInputBytes:   cfg.MaxInputBytes,
	})

	var notifier analyses.Notifier = analyses.InProcessNotifier{Processor: orch}
	if app.Queue != nil {
		notifier = analyses.QueueNotifier{Client: app.Queue}
	}

	svc := &analyses.Service{
		Repo:            repo,
		Store:           app.Store,
		Notifier:        notifier,
		DefaultLanguage: cfg.DefaultLanguage,
		MaxInputBytes:   cfg.MaxInputBytes,
	}

	app.AnalysesRepo = repo
	app.Orchestrator = orch
	app.AnalysesService = svc
	app.AnalysisHandler = analyses.NewHandler(svc)
}

// Ready pings the database when one is configured.
func (a *App) Ready(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	return a.DB.PingContext(ctx)
}

// Close releases queue, store and database connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := db.Release(a.DB); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func queueBackendName(backend string) string {
	if backend == "" {
		return "inprocess"
	}
	return backend
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
