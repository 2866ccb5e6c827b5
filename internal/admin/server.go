package admin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fenland-imaging/gateway/internal/metrics"
	"github.com/fenland-imaging/gateway/internal/pacs"
	"github.com/fenland-imaging/gateway/internal/relay"
	"github.com/fenland-imaging/gateway/internal/worklist"
)

// unconfirmedWindow is how far back the health check looks for delivered
// messages that never received a confirmation.
const unconfirmedWindow = 15 * time.Minute

// StartOpts holds configuration for the admin HTTP server.
type StartOpts struct {
	Worklist *worklist.Store
	Images   *pacs.Store
	Queue    *relay.Queue
	Port     int
	Out      io.Writer
}

// Start launches the admin API server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Worklist == nil || opts.Images == nil || opts.Queue == nil {
		return fmt.Errorf("admin: worklist, images and queue are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Admin API running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin: %w", err)
	}
	return nil
}

// registerRoutes sets up all admin routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts.Queue))
	router.GET("/api/worklist/stats", handleWorklistStats(opts.Worklist))
	router.GET("/api/pacs/stats", handlePACSStats(opts.Images))
	router.GET("/api/relay/unconfirmed", handleUnconfirmed(opts.Queue))
	router.GET("/metrics", refreshQueueGauges(opts.Queue), gin.WrapH(promhttp.Handler()))
}

// refreshQueueGauges recomputes the relay gauges before a scrape, so
// /metrics stays accurate without anything polling /healthz.
func refreshQueueGauges(queue *relay.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		if stale, err := queue.Unconfirmed(unconfirmedWindow); err == nil {
			metrics.RelayUnconfirmed.Set(float64(len(stale)))
		}
		if n, err := queue.Exhausted(relay.DefaultMaxAttempts); err == nil {
			metrics.RelayExhausted.Set(float64(n))
		}
	}
}

func handleHealth(queue *relay.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		stale, err := queue.Unconfirmed(unconfirmedWindow)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"status": "error",
				"error":  err.Error(),
			})
			return
		}
		exhausted, err := queue.Exhausted(relay.DefaultMaxAttempts)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"status": "error",
				"error":  err.Error(),
			})
			return
		}
		metrics.RelayUnconfirmed.Set(float64(len(stale)))
		metrics.RelayExhausted.Set(float64(exhausted))

		status := "ok"
		code := http.StatusOK
		if len(stale) > 0 || exhausted > 0 {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      status,
			"unconfirmed": len(stale),
			"exhausted":   exhausted,
		})
	}
}

func handleWorklistStats(store *worklist.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := store.Statistics()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func handlePACSStats(store *pacs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := store.GetStatistics()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func handleUnconfirmed(queue *relay.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		stale, err := queue.Unconfirmed(unconfirmedWindow)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"count":    len(stale),
			"messages": stale,
		})
	}
}
