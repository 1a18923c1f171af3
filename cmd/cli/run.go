package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"supportdesk/internal/auth"
	"supportdesk/internal/config"
	"supportdesk/internal/events"
	"supportdesk/internal/handlers"
	"supportdesk/internal/middleware"
	"supportdesk/internal/observability"
	"supportdesk/internal/presence"
	"supportdesk/internal/services"
	"supportdesk/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supportdesk server",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// server 运行期依赖，供路由装配与关闭使用
type server struct {
	cfg        *config.Config
	db         *gorm.DB
	redis      *redis.Client
	registry   *services.ConnectionRegistry
	lifecycle  *services.SessionLifecycle
	delivery   *services.DeliveryEngine
	hub        *services.HubProtocol
	ws         *services.WebSocketHub
	auth       *auth.Provider
	presence   handlers.OnlineLister
	dispatcher *events.Dispatcher
	closers    []func() error
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logger.Warnf("init tracing: %v", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	st := store.NewGormStore(db)
	if err := st.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	srv, err := newServer(cmd.Context(), cfg, db, st, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go srv.lifecycle.RunIdleSweeper(ctx, cfg.Session.IdleSweepInterval)

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.router(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()
	srv.ws.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server exited")
	return nil
}

func newServer(ctx context.Context, cfg *config.Config, db *gorm.DB, st *store.GormStore, logger *logrus.Logger) (*server, error) {
	s := &server{cfg: cfg, db: db}

	// 领域事件：Kafka 可选，经异步分发器与熔断器投递
	var next events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, kp.Close)
		next = kp
	}
	s.dispatcher = events.NewDispatcher(next, cfg.Events, logger)
	s.dispatcher.Start()

	s.auth = auth.NewProvider(auth.NewJWTAuthenticator(cfg.JWT.Secret, ""), st)
	s.registry = services.NewConnectionRegistry()
	s.lifecycle = services.NewSessionLifecycle(st, s.auth, s.dispatcher, logger)
	s.lifecycle.SetDefaults(cfg.Session.DefaultChannel, cfg.Session.InactivityTimeout)
	s.delivery = services.NewDeliveryEngine(st, s.registry, s.lifecycle, s.auth, s.dispatcher, logger)
	s.lifecycle.SetMessageSender(s.delivery)
	s.hub = services.NewHubProtocol(s.registry, s.lifecycle, s.delivery, s.auth, s.dispatcher, logger, services.HubProtocolOptions{
		SingleSessionPerConnection: cfg.Hub.SingleSessionPerConnection,
		HistoryPageSize:            cfg.Hub.HistoryPageSize,
	})
	s.ws = services.NewWebSocketHub(s.hub, s.auth, cfg.Hub, logger)

	s.presence = handlers.RegistryPresence(s.registry)
	if cfg.Redis.Enabled {
		client, err := presence.NewRedisClient(cfg.Redis)
		if err != nil {
			// 在线镜像不可用时退回本进程视图
			logger.WithError(err).Warn("redis unavailable, presence mirror disabled")
		} else {
			mirror := presence.NewRedisMirror(client, cfg.Redis.KeyTTL, logger)
			if err := mirror.Reset(ctx); err != nil {
				logger.WithError(err).Warn("reset presence mirror")
			}
			s.registry.OnPresence(mirror.Listener())
			s.redis = client
			s.presence = mirror
			s.closers = append(s.closers, client.Close)
		}
	}
	return s, nil
}

func (s *server) router(logger *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if s.cfg.Security.CORS.Enabled {
		router.Use(middleware.CORS(s.cfg.Security.CORS))
	}
	if s.cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(s.cfg.Monitoring.Tracing.ServiceName))
	}
	if s.cfg.Security.RateLimiting.Enabled {
		router.Use(middleware.RateLimitMiddleware(s.cfg))
	}

	health := handlers.NewHealthHandler(s.db, s.redis, s.ws, logger)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if s.cfg.Monitoring.Enabled {
		path := s.cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, handlers.NewMetricsHandler(s.ws, s.dispatcher, s.db).GetMetrics)
	}

	api := router.Group("/api/v1")
	{
		// 实时连接自行校验 token（查询参数或 identify 命令）
		api.GET("/ws", s.ws.HandleWebSocket)
		api.GET("/ws/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.ws.Stats())
		})

		authed := api.Group("", middleware.AuthMiddleware(s.auth))
		handlers.NewChatHandler(s.lifecycle, s.delivery, s.hub, s.presence, logger).RegisterRoutes(authed)
	}
	return router
}

func (s *server) close() {
	s.dispatcher.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logrus.WithError(err).Warn("close dependency")
		}
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
