package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"avatar-studio/app/auth"
	"avatar-studio/app/config"
	"avatar-studio/app/database"
	"avatar-studio/app/handler"
	"avatar-studio/app/logger"
	"avatar-studio/app/middleware"
	"avatar-studio/app/service"
	"avatar-studio/app/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Server 表示 HTTP 服务器及其后台服务
type Server struct {
	Config    *config.Config
	Logger    *logger.Logger
	gin       *gin.Engine
	http      *http.Server
	db        *gorm.DB
	store     store.Store
	generator *service.Generator
	queue     *service.GenerationQueue
	hub       *service.ProgressHub
	cleanup   *service.CleanupScheduler
	poster    *service.PosterService
}

// New 创建服务器并组装存储、生成流程和后台队列
func New(cfg *config.Config, log *logger.Logger, db *gorm.DB) (*Server, error) {
	st, err := newStore(cfg, db)
	if err != nil {
		return nil, err
	}

	generator, err := service.NewGenerator(cfg, st, log)
	if err != nil {
		return nil, err
	}

	hub := service.NewProgressHub(log.Named("progress"))
	queue := service.NewGenerationQueue(log.Named("queue"), st, generator, hub,
		cfg.Queue.Concurrency, time.Duration(cfg.Queue.PollInterval)*time.Second)

	cleanup, err := service.NewCleanupScheduler(log.Named("cleanup"), st, cfg.Queue.CleanupSchedule, cfg.Queue.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("清理计划 %q 不合法: %w", cfg.Queue.CleanupSchedule, err)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log.Named("http")))

	s := &Server{
		Config: cfg,
		Logger: log,
		gin:    router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		db:        db,
		store:     st,
		generator: generator,
		queue:     queue,
		hub:       hub,
		cleanup:   cleanup,
		poster:    service.NewPosterService(log.Named("poster"), cfg.Server.PosterDir, cfg.Server.PosterFont),
	}

	s.setupRoutes()
	s.watchAvatars()

	return s, nil
}

// newStore 按 database.driver 选择存储实现
func newStore(cfg *config.Config, db *gorm.DB) (store.Store, error) {
	switch cfg.Database.Driver {
	case "supabase":
		return store.NewSupabaseStore(cfg.Database.SupabaseURL, cfg.Database.SupabaseKey)
	default:
		return store.NewGormStore(db), nil
	}
}

// Start 启动后台服务和 HTTP 服务器
func (s *Server) Start() error {
	if err := s.queue.Start(context.Background()); err != nil {
		return fmt.Errorf("启动生成队列失败: %w", err)
	}
	s.cleanup.Start()

	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 先停止接收请求，再停止队列和调度
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.queue.Stop()
	s.cleanup.Stop()

	if cerr := s.generator.Close(); cerr != nil {
		s.Logger.Errorf("关闭外部客户端失败: %v", cerr)
	}
	if cerr := s.poster.Close(); cerr != nil {
		s.Logger.Errorf("关闭封面客户端失败: %v", cerr)
	}
	if cerr := database.Close(); cerr != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", cerr)
	}
	return err
}

// watchAvatars 配置文件变化时热更新讲师形象
func (s *Server) watchAvatars() {
	config.WatchAvatars(func(avatars config.AvatarConfig, err error) {
		if err != nil {
			s.Logger.Warn("讲师形象配置无效，保留原配置", zap.Error(err))
			return
		}
		s.generator.Avatars().Set(avatars)
		s.Logger.Info("讲师形象配置已更新",
			zap.String("primary", avatars.Primary),
			zap.Strings("fallbacks", avatars.Fallbacks))
	})
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	jwtService := auth.NewJWTService(s.Config.JWT)

	authHandler := handler.NewAuthHandler(s.db, jwtService, s.Config.JWT.ExpireTime)
	scriptHandler := handler.NewScriptHandler(s.Logger.Named("scripts"), s.store, s.generator, s.queue, s.hub,
		s.generator.Avatars(), s.poster)
	jobHandler := handler.NewJobHandler(s.Logger.Named("jobs"), s.store, s.hub)
	systemHandler := handler.NewSystemHandler(s.Logger, s.generator.Avatars(), s.queue)

	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/refresh", authHandler.RefreshToken)
	}

	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(jwtService))
	{
		protected.GET("/me", authHandler.Me)

		scripts := protected.Group("/scripts")
		{
			scripts.POST("", scriptHandler.CreateScript)
			scripts.GET("", scriptHandler.ListScripts)
			scripts.GET("/:id", scriptHandler.GetScript)
			scripts.DELETE("/:id", scriptHandler.DeleteScript)
			scripts.POST("/:id/generate", scriptHandler.Generate)
			scripts.GET("/:id/jobs", scriptHandler.ListJobs)
			scripts.GET("/:id/poster", scriptHandler.Poster)
		}

		jobs := protected.Group("/jobs")
		{
			jobs.GET("/:id", jobHandler.GetJob)
			jobs.GET("/:id/progress", jobHandler.Progress)
			jobs.GET("/:id/ws", jobHandler.Stream)
		}

		protected.GET("/avatars", systemHandler.Avatars)
		protected.POST("/validate", systemHandler.Validate)
		protected.GET("/queue/status", systemHandler.QueueStatus)
	}
}

// requestLogger 用 zap 记录请求
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
