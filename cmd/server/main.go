// Package main runs the live-audio session coordination server with
// WebSocket gateway and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/liveaudio/backend/config"
	"github.com/liveaudio/backend/internal/analytics"
	"github.com/liveaudio/backend/internal/appconfig"
	"github.com/liveaudio/backend/internal/auth"
	"github.com/liveaudio/backend/internal/join"
	"github.com/liveaudio/backend/internal/media"
	"github.com/liveaudio/backend/internal/middleware"
	"github.com/liveaudio/backend/internal/realtime"
	"github.com/liveaudio/backend/internal/registry"
	"github.com/liveaudio/backend/internal/sessions"
	"github.com/liveaudio/backend/pkg/database"
	"github.com/liveaudio/backend/pkg/redis"
	"github.com/liveaudio/backend/pkg/response"
	"github.com/liveaudio/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			AssetsBucket:         cfg.AWS.AssetsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	// Shared state and services.
	configRepo := appconfig.NewRepository(pool)
	versions := auth.NewVersionStore(configRepo)
	tokens := auth.NewTokenService(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		time.Duration(cfg.JWT.SessionTTLHours)*time.Hour,
		time.Duration(cfg.JWT.SocketTokenTTLMinutes)*time.Minute,
	)
	reg := registry.New()
	hub := realtime.NewHub(logger)
	mediaClient := media.NewClient(cfg.Media.BaseURL, cfg.Media.InternalToken, time.Duration(cfg.Media.TimeoutSec)*time.Second)

	// Analytics
	analyticsRepo := analytics.NewRepository(pool)
	recorder := analytics.NewRecorder(analyticsRepo, logger)
	analyticsService := analytics.NewService(analyticsRepo, reg, recorder, configRepo, logger)
	analyticsHandler := analytics.NewHandler(analyticsService, reg, logger, cfg.Analytics.MaxCompareSessions)
	sampler := analytics.NewSampler(reg, recorder, analyticsRepo, logger,
		time.Duration(cfg.Analytics.SampleIntervalSec)*time.Second,
		time.Duration(cfg.Analytics.CleanupIntervalMin)*time.Minute,
		time.Duration(cfg.Analytics.RetentionDays)*24*time.Hour,
	)

	// Sessions
	sessionRepo := sessions.NewRepository(pool)
	resolver := sessions.NewCodeResolver(sessionRepo, logger)
	autoswitch := sessions.NewAutoSwitcher(configRepo, reg, hub, logger)
	sessionHandler := sessions.NewHandler(sessionRepo, resolver, reg, hub, mediaClient, analyticsRepo, analyticsService, autoswitch, s3Client, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, versions, tokens, sessionRepo, configRepo, cfg.Admin, logger)
	authMW := middleware.NewAuthMiddleware(tokens, versions, time.Duration(cfg.JWT.RefreshThresholdMinutes)*time.Minute, logger)

	// Settings
	settingsHandler := appconfig.NewHandler(configRepo, cfg.Debug, s3Client, logger)
	debugMode := func(ctx context.Context) bool {
		return appconfig.DebugEnabled(ctx, configRepo, cfg.Debug.Enabled)
	}

	// Realtime gateway
	gateway := realtime.NewGateway(hub, reg, resolver, sessionRepo, tokens, versions, mediaClient, analyticsService, recorder, debugMode, logger)

	// Public join surface (10 attempts per 5 minutes per ip+code)
	joinLimiter := redis.NewLimiter(rdb.Client, "join-attempts", 10, 5*time.Minute)
	joinHandler := join.NewHandler(resolver, sessionRepo, reg, mediaClient, joinLimiter, configRepo, s3Client, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		active := reg.ActiveSessionIDs()
		listeners := 0
		for _, id := range active {
			listeners += reg.Total(id)
		}
		response.OK(c, gin.H{
			"status":         "ok",
			"activeSessions": len(active),
			"listeners":      listeners,
		})
	})

	// Public: listener join surface
	router.POST("/api/join/validate-code", joinHandler.ValidateCode)
	router.POST("/api/join/live-state", joinHandler.LiveState)
	router.GET("/api/public/sessions/:id", joinHandler.PublicSession)
	router.GET("/api/public/branding", joinHandler.Branding)

	// Session auth (login is public, the rest needs a valid cookie)
	router.POST("/api/session/login", authHandler.Login)
	session := router.Group("/api/session")
	session.Use(authMW.RequireAuth())
	{
		session.POST("/logout", authHandler.Logout)
		session.GET("/me", authHandler.Me)
		session.POST("/change-password", authHandler.ChangePassword)
		session.GET("/ws-auth", authHandler.WSAuth)
	}

	// Admin API (ADMIN and BROADCASTER; per-session access enforced in handlers)
	admin := router.Group("/api/admin")
	admin.Use(authMW.RequireAuth())
	admin.Use(middleware.RequirePasswordChanged(authRepo))
	admin.Use(middleware.RequireRole("ADMIN", "BROADCASTER"))
	{
		admin.GET("/sessions", sessionHandler.List)
		admin.POST("/sessions", sessionHandler.Create)
		admin.GET("/sessions/:id", sessionHandler.Get)
		admin.PUT("/sessions/:id", sessionHandler.Update)
		admin.DELETE("/sessions/:id", middleware.RequireRole("ADMIN"), sessionHandler.Delete)
		admin.POST("/sessions/:id/end", sessionHandler.End)
		admin.POST("/sessions/:id/rotate-code", sessionHandler.RotateCode)
		admin.GET("/sessions/:id/broadcast-owner", sessionHandler.BroadcastOwner)
		admin.POST("/sessions/:id/takeover", sessionHandler.Takeover)
		admin.GET("/sessions/:id/stats", sessionHandler.Stats)
		admin.GET("/sessions/:id/auto-switch", sessionHandler.GetAutoSwitch)
		admin.PUT("/sessions/:id/auto-switch", sessionHandler.PutAutoSwitch)
		admin.POST("/sessions/:id/image", sessionHandler.UploadImage)
		admin.GET("/sessions/:id/image-url", sessionHandler.ImageURL)

		admin.GET("/sessions/:id/channels", sessionHandler.ListChannels)
		admin.POST("/sessions/:id/channels", sessionHandler.CreateChannel)
		admin.PUT("/sessions/:id/channels/:channelId", sessionHandler.UpdateChannel)
		admin.DELETE("/sessions/:id/channels/:channelId", sessionHandler.DeleteChannel)

		admin.GET("/sessions/:id/access", middleware.RequireRole("ADMIN"), sessionHandler.ListAccess)
		admin.POST("/sessions/:id/access", middleware.RequireRole("ADMIN"), sessionHandler.GrantAccess)
		admin.DELETE("/sessions/:id/access/:userId", middleware.RequireRole("ADMIN"), sessionHandler.RevokeAccess)

		admin.GET("/sessions/:id/analytics", analyticsHandler.GetSessionAnalytics)
		admin.GET("/sessions/:id/analytics/export", analyticsHandler.Export)
		admin.POST("/sessions/:id/analytics/clear", middleware.RequireRole("ADMIN"), analyticsHandler.Clear)
		admin.GET("/analytics/compare", analyticsHandler.Compare)
		admin.GET("/analytics/overview", analyticsHandler.Overview)
		admin.GET("/analytics/broadcast-log", analyticsHandler.BroadcastLog)

		admin.GET("/users", middleware.RequireRole("ADMIN"), authHandler.ListUsers)
		admin.POST("/users", middleware.RequireRole("ADMIN"), authHandler.CreateUser)
		admin.DELETE("/users/:id", middleware.RequireRole("ADMIN"), authHandler.DeleteUser)
		admin.POST("/users/:id/reset-password", middleware.RequireRole("ADMIN"), authHandler.ResetPassword)

		admin.GET("/settings", middleware.RequireRole("ADMIN"), settingsHandler.GetSettings)
		admin.PUT("/settings/debug-mode", middleware.RequireRole("ADMIN"), settingsHandler.PutDebugMode)
		admin.PUT("/settings/app-name", middleware.RequireRole("ADMIN"), settingsHandler.PutAppName)
		admin.POST("/settings/logo", middleware.RequireRole("ADMIN"), settingsHandler.UploadLogo)
	}

	// WebSocket (handshake auth in the gateway; tokens ride the query string)
	router.GET("/ws", gateway.ServeWS)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background loops: analytics writer, sampler, auto-switch schedules.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go recorder.Run(workerCtx)
	go sampler.Run(workerCtx)
	go autoswitch.Run(workerCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	recorder.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
