package cli

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"telemed/internal/config"
	"telemed/internal/handlers"
	"telemed/internal/middleware"
	"telemed/internal/observability"
	"telemed/internal/services"
	"telemed/internal/store"
	"telemed/pkg/inference"
)

// app 持有进程内的全部服务
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	store     store.Store
	db        *gorm.DB
	redis     *redis.Client
	inference *inference.Client

	identity  *services.JWTIdentityProvider
	presence  *services.PresenceTracker
	directory *services.DoctorDirectory
	chat      *services.ChatService
	video     *services.VideoService
	accounts  *services.AccountService
	signaling *services.SignalingService
	diagnosis *services.DiagnosisService
	hub       *services.WebSocketHub
}

// openDatabase 连接 Postgres 并按需挂载追踪插件
func openDatabase(cfg *config.Config, logger *logrus.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if strings.EqualFold(cfg.Log.Level, "debug") {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			logger.Warnf("gorm tracing plugin: %v", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	return db, nil
}

func openStore(cfg *config.Config, logger *logrus.Logger) (store.Store, *gorm.DB, error) {
	if !strings.EqualFold(cfg.Store.Driver, "postgres") {
		logger.Info("using in-memory store")
		return store.NewMemoryStore(), nil, nil
	}
	db, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	gs := store.NewGormStore(db, logger)
	if cfg.Store.AutoMigrate {
		if err := gs.AutoMigrate(); err != nil {
			_ = gs.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	logger.WithField("host", cfg.Database.Host).Info("using postgres store")
	return gs, db, nil
}

// openRevocations Redis 可用时共享吊销列表，否则退回进程内实现
func openRevocations(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (services.RevocationList, *redis.Client) {
	if !cfg.Redis.Enabled {
		return services.NewMemoryRevocationList(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warnf("redis unavailable, token revocations stay in memory: %v", err)
		_ = client.Close()
		return services.NewMemoryRevocationList(), nil
	}
	return services.NewRedisRevocationList(client, "telemed:revoked:"), client
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	s, db, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	revocations, rdb := openRevocations(ctx, cfg, logger)

	a := &app{cfg: cfg, logger: logger, store: s, db: db, redis: rdb}
	a.identity = services.NewJWTIdentityProvider(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL, revocations)
	a.presence = services.NewPresenceTracker(s, logger)
	a.directory = services.NewDoctorDirectory(s, nil, logger)
	a.chat = services.NewChatService(s, nil, logger)
	a.video = services.NewVideoService(s, a.directory, nil, logger)
	a.video.SetStaleAfter(cfg.Video.StaleAfter)
	a.accounts = services.NewAccountService(s, a.identity, a.presence, logger)
	a.signaling = services.NewSignalingService(cfg.WebRTC)

	if cfg.Inference.Enabled {
		a.inference = inference.NewClient(&inference.Config{
			BaseURL:    cfg.Inference.BaseURL,
			APIKey:     cfg.Inference.APIKey,
			Timeout:    cfg.Inference.Timeout,
			MaxRetries: cfg.Inference.MaxRetries,
			RetryDelay: cfg.Inference.RetryDelay,
		}, logger)
		var breaker *services.CircuitBreaker
		if cfg.Inference.CircuitBreaker.Enabled {
			breaker = services.NewCircuitBreaker(cfg.Inference.CircuitBreaker)
		}
		a.diagnosis = services.NewDiagnosisService(a.inference, a.inference, breaker, cfg.Upload, logger)
		a.diagnosis.SetAssistant(a.inference)
	} else {
		a.diagnosis = services.NewDiagnosisService(nil, nil, nil, cfg.Upload, logger)
	}

	a.hub = services.NewWebSocketHub(cfg.WebSocket, a.identity, a.presence, logger)
	a.hub.SetChatService(a.chat)
	a.hub.SetSignalingService(a.signaling)
	a.hub.SetRoomAuthorizer(services.RoomAuthorizers{a.chat, a.video})
	a.chat.SetRelay(a.hub)
	a.video.SetRelay(a.hub)
	a.directory.SetRelay(a.hub)

	if cfg.Seed.SampleUsers {
		if _, err := a.accounts.SeedSampleUsers(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("seed sample users: %w", err)
		}
	}
	return a, nil
}

// start 启动后台协程，随 ctx 结束
func (a *app) start(ctx context.Context) {
	go a.hub.Run(ctx)
	go a.video.StartReaper(ctx, a.cfg.Video.ReapInterval)
}

func (a *app) healthHandler() *handlers.HealthHandler {
	h := handlers.NewHealthHandler(Version, a.logger)
	h.AddCheck("store", true, a.store.Ping)
	if a.redis != nil {
		h.AddCheck("redis", false, func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}
	if a.inference != nil {
		h.AddCheck("inference", false, a.inference.HealthCheck)
	}
	return h
}

func (a *app) metricsHandler() *handlers.MetricsHandler {
	h := handlers.NewMetricsHandler(a.hub, a.diagnosis, buildInfo())
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			h.SetDBStats(func() sql.DBStats { return sqlDB.Stats() })
		}
	}
	return h
}

// router 组装中间件与路由
func (a *app) router() *gin.Engine {
	cfg := a.cfg
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	r.Use(middleware.RateLimitMiddleware(cfg.Security.RateLimiting))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(observability.ServiceName(cfg)))
	}

	handlers.RegisterHealthRoutes(r, a.healthHandler())
	if cfg.Monitoring.Enabled {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, a.metricsHandler().GetMetrics)
	}

	public := r.Group("/api")
	protected := r.Group("/api")
	protected.Use(middleware.AuthMiddleware(a.identity))

	handlers.RegisterAuthRoutes(public, protected, handlers.NewAuthHandler(a.accounts, a.logger))
	handlers.RegisterDoctorRoutes(protected, handlers.NewDoctorHandler(a.directory, a.logger))
	handlers.RegisterVideoRoutes(protected, handlers.NewVideoHandler(a.video, a.signaling, a.logger))
	handlers.RegisterChatRoutes(protected, handlers.NewChatHandler(a.chat, a.logger))
	handlers.RegisterDiagnosisRoutes(protected, handlers.NewDiagnosisHandler(a.diagnosis, a.logger))
	handlers.RegisterWebSocketRoutes(public, protected, handlers.NewWebSocketHandler(a.hub))
	return r
}

// Close 释放外部连接
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnf("close redis: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warnf("close store: %v", err)
		}
	}
}
