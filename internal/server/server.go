package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/veridoc/veridoc/config"
	"github.com/veridoc/veridoc/internal/assess"
	"github.com/veridoc/veridoc/internal/docstore"
	"github.com/veridoc/veridoc/internal/evaluator"
	"github.com/veridoc/veridoc/internal/extract"
	"github.com/veridoc/veridoc/internal/store"
	"github.com/veridoc/veridoc/internal/telemetry"
)

// Run wires the full pipeline and serves the HTTP API until the listener stops.
func Run(addr string) error {
	cfg := appconfig.AppConfig
	if cfg == nil {
		appconfig.LoadConfig("")
		cfg = appconfig.AppConfig
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()
	if err := store.Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connecting postgres: %w", err)
	}

	documents, err := docstore.NewFSStore(cfg.Documents.Dir)
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}

	var cache extract.Cache
	switch cfg.Pipeline.CacheBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		cache = extract.NewRedisCache(rdb, cfg.Pipeline.CacheTTL)
	default:
		cache = extract.NewMemoryCache()
	}

	if cfg.Reasoning.APIKey == "" {
		return fmt.Errorf("reasoning api key not configured (reasoning.api_key)")
	}
	client := evaluator.NewOpenAIClient(cfg.Reasoning.APIKey, cfg.Reasoning.BaseURL,
		cfg.Reasoning.Model, cfg.Reasoning.Temperature, cfg.Reasoning.MaxTokens, cfg.Reasoning.Timeout)
	eval := evaluator.New(client, evaluator.Backoff{
		Base:       cfg.Reasoning.BackoffBase,
		Cap:        cfg.Reasoning.BackoffCap,
		MaxRetries: cfg.Reasoning.MaxRetries,
	}, log.New(log.Writer(), "[EVAL] ", log.LstdFlags))

	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch := assess.NewOrchestrator(assess.Config{
		Workers:          cfg.Pipeline.Workers,
		TaskBudget:       cfg.Pipeline.TaskBudget,
		MinEvidenceScore: cfg.Pipeline.MinEvidenceScore,
		SnippetMaxChars:  cfg.Pipeline.SnippetMaxChars,
		BatchCriteria:    cfg.Pipeline.BatchCriteria,
	}, orchLogger, metrics, st, st, documents, cache, eval)

	api := e.Group("/api")
	ah := &AssessmentsHandler{Runner: orch, Runs: st}
	ah.Register(api.Group("/assessments"))
	wh := &WorkflowsHandler{Store: st}
	wh.Register(api.Group("/workflows"))

	return e.Start(addr)
}
