package main

import (
	"github.com/gin-gonic/gin"

	"voice-gateway/internal/auth"
	"voice-gateway/internal/httpapi"
	"voice-gateway/internal/media"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authManager *auth.Manager, h httpapi.Handlers, ingress *media.Ingress) {
	// public: load balancers and the media bridge poll this
	r.GET("/healthz", h.Healthz)

	// caller audio from the media bridge, one stream per engine channel
	mediaGroup := r.Group("/media")
	mediaGroup.Use(auth.RequireServiceToken(authManager, auth.ScopeRead))
	mediaGroup.GET("/:channel_uuid", ingress.Handle)

	v1 := r.Group("/v1")
	{
		calls := v1.Group("/calls")
		calls.Use(auth.RequireServiceToken(authManager, auth.ScopeRead))
		{
			calls.GET("", h.ListCalls)
			calls.GET("/:call_id", h.GetCall)
		}
		callsAdmin := v1.Group("/calls")
		callsAdmin.Use(auth.RequireServiceToken(authManager, auth.ScopeAdmin))
		{
			callsAdmin.DELETE("/:call_id", h.ForceEndCall)
		}

		blocklist := v1.Group("/blocklist")
		blocklist.Use(auth.RequireServiceToken(authManager, auth.ScopeAdmin))
		{
			blocklist.POST("", h.BlockCaller)
			blocklist.DELETE("/:caller_id", h.UnblockCaller)
		}
	}
}
