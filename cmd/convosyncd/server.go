package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/convosync/convosync/internal/syncer"
)

// healthServer renders the daemon's status payload. The core components
// have no HTTP awareness; this server only reads the sync engine's stats.
type healthServer struct {
	addr      string
	syncer    *syncer.Syncer
	server    *http.Server
	startTime time.Time
}

// newHealthServer builds the server fully, including the http.Server,
// so Start and Stop never race on its construction.
func newHealthServer(addr string, s *syncer.Syncer) *healthServer {
	hs := &healthServer{
		addr:      addr,
		syncer:    s,
		startTime: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/api/health", hs.handleHealth)

	hs.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	return hs
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *healthServer) Start() error {
	log.Info().Str("addr", s.addr).Msg("Health server listening")
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully. Safe to call even if Start
// never ran.
func (s *healthServer) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Error stopping health server")
	}
}

func (s *healthServer) handleHealth(c *gin.Context) {
	stats, err := s.syncer.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	status := "ok"
	if !stats.RemoteConnected {
		status = "degraded"
	}

	payload := gin.H{
		"status":           status,
		"pending":          stats.Pending,
		"synced":           stats.Synced,
		"remote_connected": stats.RemoteConnected,
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
	}
	if stats.LastSyncAt.IsZero() {
		payload["last_sync_at"] = nil
	} else {
		payload["last_sync_at"] = stats.LastSyncAt.Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, payload)
}
