package routes

import (
	"net/http"

	"atlas-payment-service/controllers"
	"atlas-payment-service/middleware"

	"github.com/gin-gonic/gin"
)

// Controllers groups the handlers mounted by Register.
type Controllers struct {
	Payments *controllers.PaymentController
	Plans    *controllers.PlanController
	Webhooks *controllers.WebhookController
	Admin    *controllers.AdminController
}

// Register mounts every route. webhookLimit guards the unauthenticated
// webhook endpoint.
func Register(r *gin.Engine, ctl Controllers, webhookLimit gin.HandlerFunc) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "payment-service"})
	})

	// Gateways call this without user headers; the signature authenticates.
	webhooks := r.Group("/webhooks")
	if webhookLimit != nil {
		webhooks.Use(webhookLimit)
	}
	webhooks.POST("/:provider/:eventId", ctl.Webhooks.Handle)

	payments := r.Group("/payments")
	payments.Use(middleware.AuthMiddleware())
	{
		payments.POST("/checkout", ctl.Payments.CreateCheckout)
		payments.GET("/:id", ctl.Payments.GetPayment)
		payments.GET("/:id/invoice", ctl.Payments.GetInvoice)

		payments.POST("/plans", ctl.Plans.CreatePlan)
		payments.GET("/plans/:id", ctl.Plans.GetPlan)
		payments.POST("/plans/:id/installments/:installmentId/checkout", ctl.Payments.CreateInstallmentCheckout)
	}

	admin := r.Group("/admin")
	admin.Use(middleware.AuthMiddleware(), middleware.RequireAdmin())
	{
		admin.POST("/payments/:id/refund", ctl.Payments.RefundPayment)
		admin.POST("/payments/:id/refresh", refresh(ctl.Payments))
		admin.GET("/events/:eventId/payments", ctl.Payments.ListEventPayments)
		admin.GET("/events/:eventId/payment-config", ctl.Admin.GetEventConfig)
		admin.PUT("/events/:eventId/payment-config", ctl.Admin.UpsertEventConfig)

		admin.POST("/plans/:id/cancel", ctl.Plans.CancelPlan)
		admin.PUT("/plans/:id/schedule", ctl.Plans.ReschedulePlan)

		admin.POST("/reconciliation/run", ctl.Admin.RunReconciliation)
		admin.GET("/reconciliation/reports", ctl.Admin.ListReports)
		admin.GET("/reconciliation/reports/:id", ctl.Admin.GetReport)
	}
}

// refresh reuses GetPayment with the gateway round trip forced on.
func refresh(pc *controllers.PaymentController) gin.HandlerFunc {
	return func(c *gin.Context) {
		q := c.Request.URL.Query()
		q.Set("refresh", "true")
		c.Request.URL.RawQuery = q.Encode()
		pc.GetPayment(c)
	}
}
