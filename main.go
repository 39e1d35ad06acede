package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"microlearn/config"
	"microlearn/controllers"
	"microlearn/database"
	"microlearn/handlers"
	"microlearn/llm"
	"microlearn/middleware"
	"microlearn/routes"
	"microlearn/services"
	"microlearn/utils"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "microlearn/docs"
)

// @title MicroLearn Chat API
// @version 1.0
// @description Chat backend that forwards conversations to an LLM provider and keeps chat history.

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

const (
	shutdownTimeout    = 30 * time.Second
	backgroundTaskTime = 2 * time.Minute
)

var rootCmd = &cobra.Command{
	Use:          "microlearn",
	Short:        "MicroLearn chat backend",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		log, err := utils.NewLogger(cfg.LogMode)
		if err != nil {
			return err
		}
		defer log.Sync()

		db, err := database.Connect(cfg)
		if err != nil {
			return err
		}
		if err := database.Migrate(db); err != nil {
			return err
		}
		log.Info("database migrated", "driver", cfg.DBDriver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg := config.Load()

	log, err := utils.NewLogger(cfg.LogMode)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Error("database connection failed", "error", err)
		return err
	}
	if err := database.Migrate(db); err != nil {
		log.Error("database migration failed", "error", err)
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	if cfg.LLM.APIKey == "" {
		log.Warn("LLM_API_KEY is not set; provider calls will be rejected")
	}

	executor := llm.NewExecutor(llm.ExecutorConfig{
		Timeout:      cfg.LLM.Timeout,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryBase:    cfg.LLM.RetryBase,
		RetryMaxWait: cfg.LLM.RetryMaxWait,
	}, log)
	provider := llm.NewProvider(executor, cfg.LLM.BaseURL, llm.Credentials{
		APIKey:  cfg.LLM.APIKey,
		Referer: cfg.LLM.AppURL,
		Title:   cfg.LLM.AppTitle,
	})
	optimizer := llm.NewOptimizer(llm.OptimizerConfig{
		TokenBudget:   cfg.Context.TokenBudget,
		CharsPerToken: cfg.Context.CharsPerToken,
		SystemPrompt:  cfg.Context.SystemPrompt,
	})

	bus, err := services.NewEventBus(log, cfg.RedisAddr, cfg.RedisChannel)
	if err != nil {
		log.Error("event bus unavailable", "error", err)
		return err
	}
	defer bus.Close()

	hubService := services.NewHubService(log)
	go hubService.Run(ctx)
	if err := bus.StartForwarder(ctx, hubService.Forward); err != nil {
		log.Error("event forwarder failed", "error", err)
		return err
	}

	tasks := services.NewTaskRunner(log, backgroundTaskTime)
	store := services.NewGormChatStore(db)
	userService := services.NewUserService(db, cfg.JWTSecret)
	reconciler := services.NewReconciler(store, services.NewTitleService(provider, cfg.LLM.TitleModel), tasks, bus, log)
	chatService := services.NewChatService(store, provider, optimizer, reconciler, bus, services.CompletionDefaults{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		TopP:        cfg.LLM.TopP,
	}, log)

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.ErrorHandler(log, cfg.IsDevelopment()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	guards := routes.Guards{
		Required: middleware.AuthRequired(cfg.JWTSecret, log),
		Chat:     middleware.AuthRequired(cfg.JWTSecret, log),
	}
	if !cfg.RequireAuth {
		guards.Chat = middleware.OptionalAuth(cfg.JWTSecret, log)
	}

	routes.SetupRoutes(r, guards,
		controllers.NewAuthController(userService, log),
		controllers.NewChatController(chatService, userService, log, cfg.IsDevelopment()),
		handlers.NewWebSocketHandler(hubService, userService, cfg.CORSAllowedOrigins, log),
	)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port, "model", cfg.LLM.Model, "require_auth", cfg.RequireAuth)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	if err := tasks.WaitContext(shutdownCtx); err != nil {
		log.Warn("background tasks still running at shutdown", "error", err)
	}
	return nil
}
