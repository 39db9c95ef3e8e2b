package http

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forked/internal/logging"
)

// NewRouter builds the gin engine serving the UI API. All endpoints are JSON
// and rely on loopback binding for access control; CORS only admits local
// origins.
func NewRouter(handler *APIHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOriginFunc = isLocalOrigin
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	engine.Use(cors.New(corsConfig))

	api := engine.Group("/api")
	{
		api.GET("/health", handler.HandleHealth)
		api.GET("/config", handler.HandleConfig)
		api.GET("/openclaw-config", handler.HandleOpenclawConfig)
		api.GET("/sessions", handler.HandleSessions)
		api.GET("/traces/:id", handler.HandleTraces)
		api.GET("/snapshots/:id", handler.HandleSnapshots)
		api.GET("/lineage/:id", handler.HandleLineage)
		api.GET("/rewind/preview/:runId/:seq", handler.HandleRewindPreview)
		api.POST("/rewind", handler.HandleRewind)
		api.POST("/fork", handler.HandleFork)
	}

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}

// isLocalOrigin admits only localhost and 127.0.0.1 origins, any port.
func isLocalOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// NewServer wraps the router in an http.Server bound to loopback.
func NewServer(port int, handler *APIHandler, logger logging.Logger) *http.Server {
	logging.OrNop(logger).Info("API listening on 127.0.0.1:%d", port)
	return &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", port),
		Handler:      NewRouter(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // fork requests may legitimately exceed a minute
		IdleTimeout:  120 * time.Second,
	}
}
