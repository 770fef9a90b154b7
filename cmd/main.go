package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/rryowa/sessiond/internal/api"
	"github.com/rryowa/sessiond/internal/controller"
	"github.com/rryowa/sessiond/internal/migrations"
	"github.com/rryowa/sessiond/internal/service"
	"github.com/rryowa/sessiond/internal/storage/postgres"
	"github.com/rryowa/sessiond/internal/storage/redis"
	"github.com/rryowa/sessiond/internal/util"

	_ "github.com/lib/pq"
)

const openAPISpecPath = "./api/openapi.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := util.NewZapLogger()

	db, dbCleanup, err := util.NewDBConnection(logger)
	if err != nil {
		logger.Fatal(zap.Error(err))
	}
	if err := migrations.RunMigrations(db, logger, "./internal/migrations"); err != nil {
		logger.Fatal(zap.Error(err))
	}

	redisClient, redisCleanup, err := util.NewRedisClient(logger, util.NewRedisConfig())
	if err != nil {
		logger.Fatal(zap.Error(err))
	}
	cleanupFuncs := []func(){dbCleanup, redisCleanup}

	apiKeyService := service.NewAPIKeyService(redisClient, logger)
	if err := apiKeyService.SyncAPIKey(ctx); err != nil {
		logger.Fatal(zap.Error(err))
	}

	store := postgres.NewStorage(db)
	revocations := redis.NewRevocationStore(redisClient)
	rotationCache := redis.NewRotationCache(redisClient)

	tokenConfig := util.NewTokenConfig()
	authConfig := util.NewAuthConfig()

	tokenService := service.NewTokenService(tokenConfig, revocations)
	passwordService := service.NewPasswordService(authConfig.VerifyConcurrency)
	lockoutGuard := service.NewLockoutGuard(authConfig, store, logger)
	webhookService := service.NewWebhookService(logger, util.GetWebhookURL())
	authService := service.NewAuthService(
		authConfig,
		store,
		tokenService,
		passwordService,
		lockoutGuard,
		webhookService,
		rotationCache,
		logger,
	)
	authService.StartSessionSweeper(ctx)

	ctrl := controller.NewController(logger, authService, tokenConfig)

	apiServer := api.NewAPI(ctrl, apiKeyService, util.NewServerConfig(), logger, openAPISpecPath, cleanupFuncs)
	apiServer.Run(ctx)
}
