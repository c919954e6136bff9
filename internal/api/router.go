package api

import "github.com/gin-gonic/gin"

// Register mounts the REST routes. Everything under /api/v1/transactions
// requires a bearer token and only ever touches the token subject's records.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/api/v1/auth/token/:user_id", h.IssueToken)
	r.GET("/token/:token", h.ViewerEntry)

	authed := r.Group("/api/v1/transactions", h.issuer.Middleware())
	authed.GET("", h.ListTransactions)
	authed.POST("", h.CreateTransaction)
	authed.GET("/:id", h.GetTransaction)
	authed.PUT("/:id", h.UpdateTransaction)
	authed.DELETE("/:id", h.DeleteTransaction)
}
