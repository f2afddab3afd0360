package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/drift"
	"github.com/mmdatafocus/datapipe_backend/formula"
	"github.com/mmdatafocus/datapipe_backend/ingestion"
	"github.com/mmdatafocus/datapipe_backend/middlewares"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/transform"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Services resolve their connections lazily; DB and Redis come up after listen.
	store := models.NewStoreWith(config.GetDB)
	progress := ingestion.NewRedisProgressStore(config.GetRedisDB)
	leaser := ingestion.NewRedisLeaser(config.GetRedisLock, config.IngestLeaseTTL())
	detector := drift.NewDetectorFromEnv(store)

	ingestEngine := ingestion.NewEngine(
		store,
		ingestion.NewHTTPFetcherFactory(ingestion.EnvCredentialResolver{}),
		leaser,
		progress,
		ingestion.WithObserver(detector),
		ingestion.WithEventPublisher(ingestion.PubSubEventPublisher{}),
	)
	ingestSvc := ingestion.NewService(store, ingestEngine, progress, ingestion.NewDispatcher(ingestEngine))
	transformEngine := transform.NewEngine(store)
	evaluator := formula.NewEvaluator(store)
	authz := middlewares.TenantAuthorizer{}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(func(c *gin.Context) {
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token := strings.TrimSpace(auth[7:])
				if token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	})
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api", middlewares.RequireSession())

	// ingestion
	api.POST("/sources/:id/ingestions", ingestion.StartIngestionHandler(ingestSvc, authz))
	api.GET("/batches", ingestion.ListBatchesHandler(ingestSvc))
	api.GET("/batches/:id", ingestion.GetBatchHandler(ingestSvc, authz))
	api.GET("/batches/:id/progress", ingestion.GetIngestionProgressHandler(ingestSvc, authz))
	api.GET("/batches/:id/raw-records", ingestion.GetRawRecordsHandler(ingestSvc, authz))
	api.POST("/batches/:id/retry", ingestion.RetryBatchHandler(ingestSvc, authz))

	// drift
	api.GET("/sources/:id/drift", drift.DriftHistoryHandler(detector, authz))
	api.GET("/sources/:id/drift/active", drift.ActiveDriftHandler(detector, authz))
	api.GET("/batches/:id/drift", drift.BatchDriftReportHandler(detector, authz))
	api.POST("/batches/:id/drift/acknowledge", drift.AcknowledgeDriftHandler(detector, authz))

	// transformation
	api.POST("/batches/:id/transformations", transform.StartTransformationHandler(transformEngine, authz))
	api.POST("/sources/:id/mapping-preview", transform.PreviewMappingHandler(transformEngine, authz))
	api.GET("/canonical-records/:id/lineage", transform.LineageHandler(store, authz))

	// formulas
	api.POST("/formulas/evaluate", formula.EvaluateFormulaHandler(evaluator))
	api.POST("/formulas/:id/kpi", formula.CalculateKpiHandler(evaluator, authz))
	api.POST("/formula-logs/:id/feedback", formula.FeedbackHandler(evaluator))

	// Pub/Sub push endpoints.
	r.POST("/pubsub/ingestion", ingestion.PubSubPushHandler(ingestEngine))
	r.POST("/pubsub/transformation", transform.PubSubPushHandler(transformEngine))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.SkipMigrations() {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.String())
			return
		}
		entry.Info("request")
	}
}
