package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gin-gonic/gin"

	"adreel-backend/internal/assets"
	"adreel-backend/internal/captions"
	"adreel-backend/internal/pipeline"
	"adreel-backend/internal/productions"
	"adreel-backend/internal/progress"
	"adreel-backend/internal/provider"
	"adreel-backend/internal/provider/media"
	"adreel-backend/internal/provider/openai"
	"adreel-backend/internal/queue"
	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/config"
	"adreel-backend/internal/shared/server"
	"adreel-backend/internal/shared/storage/db"
	"adreel-backend/internal/shared/storage/object"
	localstore "adreel-backend/internal/shared/storage/object/local"
	s3store "adreel-backend/internal/shared/storage/object/s3"
	"adreel-backend/internal/shared/telemetry"
)

const providerRetryDelay = 2 * time.Second

// App holds shared dependencies for every binary.
type App struct {
	Config             config.Config
	Router             *gin.Engine
	DB                 *sql.DB
	ObjectStore        object.ObjectStore
	Queue              queue.Client
	Store              runs.Store
	Artifacts          runs.Artifacts
	Locker             runs.Locker
	Provider           provider.Gateway
	Assets             *assets.Gateway
	Captions           *captions.Presets
	Orchestrator       *pipeline.Orchestrator
	Publisher          *progress.Publisher
	Productions        *productions.Service
	ProductionsHandler *productions.Handler
}

// Build prepares shared dependencies and the HTTP router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	telemetry.Configure(telemetry.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gateway, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	presets, err := captions.Load()
	if err != nil {
		return nil, fmt.Errorf("load caption presets: %w", err)
	}

	app := &App{
		Config:      cfg,
		DB:          sqlDB,
		ObjectStore: store,
		Queue:       queueClient,
		Provider:    gateway,
		Assets:      assets.New(store),
		Captions:    presets,
	}

	if sqlDB != nil {
		repo := &runs.PGRepo{DB: sqlDB}
		app.Store, app.Artifacts = repo, repo
	} else {
		repo := runs.NewMemoryRepo()
		app.Store, app.Artifacts = repo, repo
	}

	locker, err := buildLocker(ctx, cfg, sqlDB)
	if err != nil {
		return nil, err
	}
	app.Locker = locker

	orch := pipeline.New(&pipeline.Deps{
		Artifacts:        app.Artifacts,
		Store:            app.Store,
		Provider:         app.Provider,
		Assets:           app.Assets,
		Captions:         app.Captions,
		ScriptCandidates: cfg.ScriptCandidates,
	}, locker)
	if cfg.RunLeaseTTL > 0 {
		orch.LeaseTTL = cfg.RunLeaseTTL
	}
	app.Orchestrator = orch
	app.Publisher = progress.New(app.Store, cfg.ProgressPollInterval)

	app.Productions = &productions.Service{
		Store:     app.Store,
		Artifacts: app.Artifacts,
		Runner:    orch,
		Queue:     queueClient,
		Publisher: app.Publisher,
		Captions:  presets,
	}
	app.ProductionsHandler = productions.NewHandler(app.Productions)

	assetsDir := ""
	if local, ok := store.(*localstore.Store); ok {
		assetsDir = local.Dir()
	}
	app.Router = server.NewRouter(server.RouterDeps{
		Config:             cfg,
		ProductionsHandler: app.ProductionsHandler,
		AssetsDir:          assetsDir,
	})

	telemetry.Info("bootstrap.ready", map[string]any{
		"env":          cfg.Env,
		"database":     sqlDB != nil,
		"object_store": cfg.ObjectStoreType,
		"queue":        queueClient != nil,
		"lock_backend": lockBackend(cfg, sqlDB),
	})
	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.database.memory", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		opts := db.OptionsFromEnv(db.DefaultLambdaOptions())
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, opts)
	} else {
		opts := db.OptionsFromEnv(db.DefaultServerOptions())
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, opts)
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.database.memory", map[string]any{"reason": "connect failed", "error": err.Error()})
			return nil, nil
		}
		return nil, err
	}
	if isDevLike(cfg.Env) {
		if err := db.RunMigrations(ctx, sqlDB); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, s3store.Options{
			Region:        cfg.AWSRegion,
			Bucket:        cfg.S3Bucket,
			Prefix:        cfg.S3Prefix,
			KMSKeyID:      cfg.SSEKMSKeyID,
			PublicBaseURL: optionalBaseURL(cfg),
		})
	default:
		return localstore.New(cfg.LocalStoreDir, cfg.AssetPublicBaseURL), nil
	}
}

// optionalBaseURL keeps the local default out of S3 URLs; S3 falls back to its
// virtual-hosted URL.
func optionalBaseURL(cfg config.Config) string {
	if strings.HasPrefix(cfg.AssetPublicBaseURL, "http://localhost") {
		return ""
	}
	return cfg.AssetPublicBaseURL
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx, cfg.QueueURL, cfg.AWSRegion)
}

func buildProvider(cfg config.Config) (provider.Gateway, error) {
	var text provider.TextGateway = provider.Placeholder{}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		client, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel, cfg.ImageModel)
		if err != nil {
			return nil, err
		}
		text = client
	} else {
		telemetry.Warn("bootstrap.provider.placeholder", map[string]any{"capabilities": "text,image"})
	}

	var mediaGW provider.MediaGateway = provider.Placeholder{}
	if strings.TrimSpace(cfg.MediaAPIURL) != "" {
		client, err := media.NewClient(cfg.MediaAPIURL, cfg.MediaAPIKey, 0)
		if err != nil {
			return nil, err
		}
		mediaGW = client
	} else {
		telemetry.Warn("bootstrap.provider.placeholder", map[string]any{"capabilities": "video,voice,music"})
	}

	return provider.WithRetry(provider.Composite{TextGateway: text, MediaGateway: mediaGW}, providerRetryDelay), nil
}

func buildLocker(ctx context.Context, cfg config.Config, sqlDB *sql.DB) (runs.Locker, error) {
	switch lockBackend(cfg, sqlDB) {
	case "dynamodb":
		var loadOpts []func(*awsconfig.LoadOptions) error
		if r := strings.TrimSpace(cfg.AWSRegion); r != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(r))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return &runs.DynamoLocker{Client: dynamodb.NewFromConfig(awsCfg), Table: cfg.RunLockTable}, nil
	case "postgres":
		if sqlDB == nil {
			return nil, fmt.Errorf("RUN_LOCK_BACKEND=postgres requires DATABASE_URL")
		}
		return &runs.PGLocker{DB: sqlDB}, nil
	default:
		return runs.NewMemoryLocker(), nil
	}
}

// lockBackend follows the run store unless RUN_LOCK_BACKEND says otherwise.
func lockBackend(cfg config.Config, sqlDB *sql.DB) string {
	if cfg.RunLockBackend != "" {
		return cfg.RunLockBackend
	}
	if sqlDB != nil {
		return "postgres"
	}
	return "memory"
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
