package mtask

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	auth "kyri56xcaesar/collab-tasks/internal/authmw"
	"kyri56xcaesar/collab-tasks/internal/logger"
)

const (
	apiVersion  = "/api/v1"
	serviceName = "taskd"
)

type Server struct {
	cfg    Config
	engine *gin.Engine
	tasks  *Engine
	auth   *auth.Authenticator
	kc     *auth.Service
	log    zerolog.Logger
}

// NewServer builds the router. kc is nil in local auth mode.
func NewServer(cfg Config, tasks *Engine, authn *auth.Authenticator, kc *auth.Service, log zerolog.Logger) *Server {
	setGinMode(cfg.ApiGinMode)

	s := &Server{
		cfg:    cfg,
		engine: gin.New(),
		tasks:  tasks,
		auth:   authn,
		kc:     kc,
		log:    log,
	}
	s.engine.Use(gin.Recovery(), requestLogger(log))
	s.setCors()
	s.setRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setCors() {
	corsconfig := cors.DefaultConfig()
	corsconfig.AllowOrigins = s.cfg.AllowedOrigins
	if len(s.cfg.AllowedMethods) > 0 {
		corsconfig.AllowMethods = s.cfg.AllowedMethods
	}
	if len(s.cfg.AllowedHeaders) > 0 {
		corsconfig.AllowHeaders = s.cfg.AllowedHeaders
	}
	if len(corsconfig.AllowOrigins) == 0 || (len(corsconfig.AllowOrigins) == 1 && corsconfig.AllowOrigins[0] == "*") {
		corsconfig.AllowOrigins = nil
		corsconfig.AllowAllOrigins = true
	}
	s.engine.Use(cors.New(corsconfig))
}

func (s *Server) setRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group(apiVersion)
	{
		api.POST("/auth/register", s.handleRegister)
		api.POST("/auth/login", s.handleLogin)
	}

	secure := api.Group("/")
	secure.Use(s.auth.RequireRoles(), s.identify())
	{
		secure.GET("/tasks", s.handleListTasks)
		secure.POST("/tasks", s.handleTaskCreate)
		secure.GET("/tasks/:id", s.handleTaskGet)
		secure.PUT("/tasks/:id", s.handleTaskUpdate)
		secure.PATCH("/tasks/:id", s.handleTaskUpdate)
		secure.DELETE("/tasks/:id", s.handleTaskDelete)

		secure.PUT("/tasks/:id/status", s.handleStatusChange)
		secure.PATCH("/tasks/:id/status", s.handleStatusChange)

		secure.POST("/tasks/:id/collaborators", s.handleCollaboratorAdd)
		secure.DELETE("/tasks/:id/collaborators/:userId", s.handleCollaboratorRemove)

		secure.POST("/tasks/:id/comments", s.handleCommentCreate)

		secure.GET("/users/search", s.handleUserSearch)
		secure.GET("/users/profile", s.handleProfileGet)
		secure.PUT("/users/profile", s.handleProfileUpdate)
		secure.GET("/users/notifications", s.handleNotificationList)
		secure.PUT("/users/notifications/:id/read", s.handleNotificationRead)
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}

// OpenStore connects the backend selected by DB_DRIVER.
func OpenStore(ctx context.Context, cfg Config, log zerolog.Logger) (Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		return NewPGStore(ctx, pgDSN(cfg.DBUser, cfg.DBPassword, cfg.DBAddress, cfg.DBName), cfg.InitSQLPath, log)
	case "mongo":
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
	case "memory":
		log.Warn().Msg("using in-memory store, data is lost on exit")
		return NewMemStore(), nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}

func initAuth(cfg Config, log zerolog.Logger) (*auth.Authenticator, *auth.Service, error) {
	if cfg.AuthMode == "local" {
		a, err := auth.NewHMACAuth([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTTTL)
		return a, nil, err
	}
	kc, err := auth.NewService(cfg.AuthAddress, cfg.Realm, cfg.ClientID, cfg.Issuer, cfg.Audience, cfg.ClientSecret, log)
	if err != nil {
		return nil, nil, err
	}
	return kc.Auth, kc, nil
}

// bootstrap loads configuration and opens the store, mailer and engine
// shared by the serve and reconcile commands.
func bootstrap(ctx context.Context, confPath string) (Config, zerolog.Logger, Store, *Engine, error) {
	cfg, err := LoadConfig(confPath)
	log := logger.New(serviceName, cfg.Verbose)
	if errors.Is(err, ErrConfigFile) {
		log.Warn().Err(err).Msg("using environment and defaults")
	} else if err != nil {
		return cfg, log, nil, nil, err
	}
	log.Debug().Msg(cfg.String())

	store, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return cfg, log, nil, nil, err
	}
	mailer := NewMailer(cfg.smtp(), log)
	engine := NewEngine(store, mailer, log, WithFrontendURL(cfg.FrontendURL))
	return cfg, log, store, engine, nil
}

func InitAndServe(confPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, store, tasks, err := bootstrap(ctx, confPath)
	if err != nil {
		return err
	}
	defer store.Close()

	authn, kc, err := initAuth(cfg, log)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}
	srv := NewServer(cfg, tasks, authn, kc, log)

	if cfg.ReconcileEnabled {
		rec := NewReconciler(tasks, cfg.reconciler(), log.With().Str("component", "reconciler").Logger())
		go func() {
			if err := rec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("reconciler exited")
			}
		}()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: time.Second * 5,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("auth", cfg.AuthMode).Str("db", cfg.DBDriver).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server exiting")
	return nil
}

// RunReconcile runs the reconciler standalone, once or until interrupted.
func RunReconcile(confPath string, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, store, tasks, err := bootstrap(ctx, confPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := NewReconciler(tasks, cfg.reconciler(), log.With().Str("component", "reconciler").Logger())
	if once {
		stats, err := rec.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Int("sent", stats.EmailsSent).
			Int("failed", stats.EmailsFailed).
			Int("skipped", stats.EmailsSkipped).
			Int("reminders", stats.RemindersIssued).
			Msg("reconcile done")
		return nil
	}
	if err := rec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func setGinMode(mode string) {
	switch strings.ToLower(mode) {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
}
