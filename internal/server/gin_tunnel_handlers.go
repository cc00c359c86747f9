package server

import (
	"net/http"
	"time"

	apidocs "sentry-tunnel/docs/api"
	"sentry-tunnel/internal/events"
	"sentry-tunnel/internal/monitor"
	"sentry-tunnel/internal/tunnel"

	"github.com/gin-gonic/gin"
)

// handleTunnel handles POST /tunnel. The response is always 200 {} so callers
// cannot probe the allowlist.
func (s *GinServer) handleTunnel(c *gin.Context) {
	res := s.forwarder.Forward(c.Request.Context(), tunnel.Request{
		Body:       c.Request.Body,
		RemoteAddr: c.Request.RemoteAddr,
		Header:     c.Request.Header,
	})
	if !res.OK() {
		s.events.Publish(events.Event{
			Topic: events.TopicTunnelFailed,
			Payload: events.TunnelFailed{
				RequestID: res.ID,
				Reason:    res.Reason(),
				Host:      res.Host,
				ProjectID: res.ProjectID,
				ClientIP:  res.ClientIP,
				Err:       res.Err,
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{})
}

// handleHealth handles GET /health and feeds the heartbeat.
func (s *GinServer) handleHealth(c *gin.Context) {
	if s.tracker.Check(c.Request.Context()) {
		s.events.Publish(events.Event{
			Topic:   events.TopicHeartbeatSent,
			Payload: events.HeartbeatSent{At: time.Now().UTC()},
		})
	}
	c.String(http.StatusOK, "OK")
}

// handleRuntimeInfo handles GET /runtime-info.
func (s *GinServer) handleRuntimeInfo(c *gin.Context) {
	snap := s.tracker.Snapshot()
	var lastPing float64
	if !snap.LastHeartbeat.IsZero() {
		lastPing = float64(snap.LastHeartbeat.UnixNano()) / float64(time.Second)
	}
	c.JSON(http.StatusOK, gin.H{
		"sentry_enabled":               s.tracker.HeartbeatEnabled(),
		"sentry_sdk_version":           monitor.SDKVersion(),
		"deployment_environment":       s.cfg.Environment,
		"sentry_cron_last_ping_time":   lastPing,
		"num_tunnel_requests_received": snap.RequestsReceived,
		"num_tunnel_requests_success":  snap.RequestsSucceeded,
	})
}

// handleBuildInfo handles GET /build-info with the build metadata verbatim.
func (s *GinServer) handleBuildInfo(c *gin.Context) {
	c.Data(http.StatusOK, "application/json; charset=utf-8", s.buildInfo.JSON())
}

func (s *GinServer) handleOpenAPISpec(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", apidocs.Spec)
}
