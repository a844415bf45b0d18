// Package devtools serves an HTTP inspector over recorded journal sessions
// and a websocket stream of actions as stores process them.
package devtools

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/journal"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Config wires the inspector's dependencies. Journal, Hub and Metrics are
// each optional; the routes they back answer 503 or 404 when absent.
type Config struct {
	ServiceName string
	Journal     journal.Store
	Hub         *Hub
	Metrics     http.Handler
	Logger      *slog.Logger
}

// NewRouter builds the inspector's gin engine.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "composable-devtools"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	api := router.Group("/api")
	api.GET("/sessions", listSessions(cfg.Journal))
	api.GET("/sessions/:id/entries", listEntries(cfg.Journal))
	if cfg.Hub != nil {
		api.GET("/live", cfg.Hub.Handle)
	}

	router.NoRoute(func(c *gin.Context) {
		writeError(c, errmodel.Validation("not_found", "route not found", map[string]any{"path": c.Request.URL.Path}))
	})
	return router
}

func listSessions(js journal.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if js == nil {
			writeError(c, journalDisabled())
			return
		}
		sessions, err := js.Sessions(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		if sessions == nil {
			sessions = []journal.Session{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

func listEntries(js journal.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if js == nil {
			writeError(c, journalDisabled())
			return
		}
		id := c.Param("id")
		after, err := queryInt(c, "after", 0)
		if err != nil || after < 0 {
			writeError(c, errmodel.Validation("invalid_after", "after must be a non-negative integer", map[string]any{"after": c.Query("after")}))
			return
		}
		limit, err := queryInt(c, "limit", defaultLimit)
		if err != nil || limit <= 0 || limit > maxLimit {
			writeError(c, errmodel.Validation("invalid_limit", "limit must be between 1 and 1000", map[string]any{"limit": c.Query("limit")}))
			return
		}

		entries, err := js.List(c.Request.Context(), id, after, int(limit))
		if err != nil {
			writeError(c, err)
			return
		}
		if len(entries) == 0 && after == 0 {
			writeError(c, errmodel.Validation("not_found", "session not found", map[string]any{"session": id}))
			return
		}
		next := after
		if len(entries) > 0 {
			next = entries[len(entries)-1].Seq
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "next_after": next})
	}
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func journalDisabled() error {
	return errmodel.Storage("unavailable", "journal is not configured", nil, nil)
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		c.Status(499)
		return
	}
	errmodel.WriteHTTP(c.Writer, c.Request, err)
	c.Abort()
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
