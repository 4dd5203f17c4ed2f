package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"marketplace-calls/internal/auth"
	"marketplace-calls/internal/httpapi"
	"marketplace-calls/internal/rbac"
	"marketplace-calls/internal/realtime"
	"marketplace-calls/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	auth           *auth.Manager
	calls          httpapi.CallService
	presence       httpapi.PresenceService
	hub            *realtime.Hub
	ready          func(ctx context.Context) error
	allowDevTokens bool
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := d.ready(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := httpapi.Handlers{
		Auth:           d.auth,
		Calls:          d.calls,
		Presence:       d.presence,
		AllowDevTokens: d.allowDevTokens,
	}

	// Token issuance for local runs only; 404 in production.
	r.POST("/v1/auth/dev-token", h.IssueDevToken)

	parties := rbac.RequireParty()

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth), parties)
	{
		// Websocket: token may arrive as ?access_token= since browsers cannot set headers.
		v1.GET("/ws", d.hub.ServeWS)

		v1.GET("/me", func(c *gin.Context) {
			id, _ := auth.FromContext(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "role": id.Role})
		})

		// CALLS routes
		calls := v1.Group("/calls")
		{
			calls.POST("", h.InitiateCall)
			calls.GET("/:id", h.GetCall)
			calls.POST("/:id/accept", h.AcceptCall)
			calls.POST("/:id/reject", h.RejectCall)
			calls.POST("/:id/end", h.EndCall)
		}

		v1.GET("/orders/:id/calls", h.ListOrderCalls)

		// PRESENCE routes
		pres := v1.Group("/presence")
		{
			pres.GET("", h.QueryPresence)
			pres.POST("/heartbeat", h.Heartbeat)
			pres.POST("/signoff", h.Signoff)
		}
	}
}

// readiness reports whether both backing stores answer.
func readiness(db *sql.DB, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}
}
