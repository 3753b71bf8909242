package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/config"
	"github.com/openmdm/mdm-engine/pkg/connector"
	"github.com/openmdm/mdm-engine/pkg/connector/mssql"
	"github.com/openmdm/mdm-engine/pkg/connector/postgres"
	"github.com/openmdm/mdm-engine/pkg/database"
	"github.com/openmdm/mdm-engine/pkg/handlers"
	"github.com/openmdm/mdm-engine/pkg/logging"
	"github.com/openmdm/mdm-engine/pkg/models"
	"github.com/openmdm/mdm-engine/pkg/naming"
	"github.com/openmdm/mdm-engine/pkg/repositories"
	"github.com/openmdm/mdm-engine/pkg/services"
	"github.com/openmdm/mdm-engine/pkg/services/syncqueue"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("mdm-engine exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrate(cfg, logger); err != nil {
		return err
	}

	registry := connector.NewRegistry()
	defer func() { _ = registry.Close() }()
	if cfg.Source.MSSQLDSN != "" {
		conn, err := mssql.New(cfg.Source.MSSQLDSN, cfg.Sync.ConnectorTimeout)
		if err != nil {
			return err
		}
		registry.Register(models.SourceTypeMSSQL, conn)
	}
	if cfg.Source.PostgresDSN != "" {
		conn, err := postgres.New(ctx, cfg.Source.PostgresDSN, cfg.Sync.ConnectorTimeout)
		if err != nil {
			return err
		}
		registry.Register(models.SourceTypePostgres, conn)
	}

	suggester, err := naming.NewSuggester(&cfg.Naming, logger)
	if err != nil {
		return err
	}

	configRepo := repositories.NewConfigRepository(db)
	runRepo := repositories.NewSyncRunRepository(db)
	recordRepo := repositories.NewMirroredRecordRepository(db)
	errorRepo := repositories.NewSyncErrorRepository(db)
	candidateRepo := repositories.NewCandidateRepository(db)
	entityRepo := repositories.NewCanonicalRepository(db)
	groupRepo := repositories.NewGroupRepository(db)
	auditRepo := repositories.NewGroupUpdateRepository(db)

	errorService := services.NewSyncErrorService(errorRepo, cfg.Sync, logger)
	detection := services.NewChangeDetectionService(recordRepo, errorService, cfg.Sync, logger)
	queue := syncqueue.New(logger)
	orchestrator := services.NewSyncOrchestrator(configRepo, runRepo, detection, registry, queue, cfg.Sync, logger)
	configService := services.NewConfigService(configRepo, recordRepo, logger)
	candidateService := services.NewCandidateService(candidateRepo, logger)
	unification := services.NewUnificationService(db, entityRepo, candidateRepo, recordRepo, logger)
	grouping := services.NewGroupingService(db, entityRepo, configRepo, groupRepo, auditRepo, suggester, cfg.Grouping, logger)

	scheduler := services.NewScheduler(orchestrator, cfg.Sync, logger)
	go scheduler.Run(ctx)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, db, logger).RegisterRoutes(mux)
	handlers.NewConfigsHandler(configService, logger).RegisterRoutes(mux)
	handlers.NewSyncHandler(orchestrator, logger).RegisterRoutes(mux)
	handlers.NewErrorsHandler(errorService, logger).RegisterRoutes(mux)
	handlers.NewCandidatesHandler(candidateService, logger).RegisterRoutes(mux)
	handlers.NewEntitiesHandler(unification, logger).RegisterRoutes(mux)
	handlers.NewGroupsHandler(grouping, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mdm-engine listening",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
			zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// migrate applies pending schema migrations. golang-migrate needs its own
// database/sql connection.
func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger)
}
