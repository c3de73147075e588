package main

import (
	"callcore/internal/httpapi"
	"callcore/internal/rbac"
	"callcore/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	API     httpapi.Handlers
	Webhook telephony.TwilioWebhookHandler

	// WebhookAuthToken signs provider webhooks; empty skips validation (local runs).
	WebhookAuthToken string
	PublicBaseURL    string
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.POST("/v1/auth/login", d.API.Login)

	// Provider webhooks (public, signature checked).
	hooks := r.Group("/webhooks/twilio")
	hooks.Use(telephony.RequireTwilioSignature(d.WebhookAuthToken, d.PublicBaseURL))
	{
		hooks.POST("/status", d.Webhook.HandleStatus)
		hooks.POST("/voice", d.Webhook.HandleVoice)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireIdentity())
	{
		v1.GET("/me", d.API.Me)

		calls := v1.Group("/calls")
		{
			calls.POST("/token", d.API.IssueSessionToken)
			calls.POST("", d.API.InitiateCall)
			calls.GET("/:call_id", d.API.GetCall)
			calls.POST("/:call_id/end", d.API.EndCall)

			calls.POST("/:call_id/transcript", d.API.AppendTranscript)
			calls.GET("/:call_id/transcript", d.API.GetTranscript)
			calls.POST("/:call_id/suggestions", d.API.RequestSuggestion)

			calls.PUT("/:call_id/quality", rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor), d.API.SetQuality)
			calls.POST("/:call_id/enrich", rbac.RequireAnyRole(rbac.RoleSupervisor), d.API.RerunEnrichment)
		}

		reports := v1.Group("/reports")
		{
			reports.GET("/calls", d.API.CallsReport)
		}
	}
}

