package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arwahdevops/schemasync/internal/config"
	"github.com/arwahdevops/schemasync/internal/metadata"
	"github.com/arwahdevops/schemasync/internal/metrics"
	projectSync "github.com/arwahdevops/schemasync/internal/sync"
)

// Database is the part of db.Connector the server needs.
type Database interface {
	Ping(ctx context.Context) error
	Stats() (sql.DBStats, error)
}

// ReloadFunc re-reads the declarations and builds a fresh registry.
type ReloadFunc func(ctx context.Context) (*metadata.Registry, error)

// Dependencies wires the HTTP surface to the rest of the process.
type Dependencies struct {
	Config       *config.Config
	Metrics      *metrics.Store
	DB           Database
	Synchronizer projectSync.SynchronizerInterface
	Reload       ReloadFunc
	Logger       *zap.Logger
}

// NewRouter builds the gin engine serving health, metrics, pprof and, when an
// admin token is configured, the admin endpoints.
func NewRouter(deps Dependencies) *gin.Engine {
	log := deps.Logger.Named("http-server")
	if !deps.Config.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "OK\n")
	})

	router.GET("/readyz", func(c *gin.Context) {
		if deps.DB == nil {
			c.String(http.StatusServiceUnavailable, "Not Ready: database connection not established\n")
			return
		}
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := deps.DB.Ping(pingCtx); err != nil {
			log.Warn("Readiness check failed", zap.Error(err))
			c.String(http.StatusServiceUnavailable, fmt.Sprintf("Not Ready: database=%v\n", err))
			return
		}
		if stats, err := deps.DB.Stats(); err == nil {
			deps.Metrics.ObserveDBStats(stats)
		}
		c.String(http.StatusOK, "Ready\n")
	})

	if deps.Config.EnablePprof {
		log.Info("Enabling pprof endpoints on /debug/pprof/")
		debug := router.Group("/debug/pprof")
		debug.GET("/", gin.WrapF(pprof.Index))
		debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		debug.GET("/profile", gin.WrapF(pprof.Profile))
		debug.GET("/symbol", gin.WrapF(pprof.Symbol))
		debug.GET("/trace", gin.WrapF(pprof.Trace))
		debug.GET("/:profile", func(c *gin.Context) {
			pprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}

	if deps.Config.AdminToken != "" && deps.Synchronizer != nil {
		registerAdminRoutes(router, deps, log)
	} else {
		log.Info("Admin endpoints are disabled (ADMIN_TOKEN not set).")
	}

	return router
}

// RunHTTPServer serves NewRouter until ctx is cancelled, then shuts down gracefully.
func RunHTTPServer(ctx context.Context, deps Dependencies) {
	log := deps.Logger.Named("http-server")
	addr := fmt.Sprintf(":%d", deps.Config.HTTPPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server ListenAndServe error", zap.Error(err))
		}
		log.Info("HTTP server stopped listening")
	}()

	<-ctx.Done()
	log.Info("Shutting down HTTP server due to context cancellation...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		log.Info("HTTP server gracefully stopped")
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
