package controllers

import (
	"context"
	"net/http"
	"time"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/models"
	"atlas-payment-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InvoiceLinker issues short-lived download links for stored invoices.
type InvoiceLinker interface {
	DownloadURL(ctx context.Context, eventID, paymentID string, expiry time.Duration) (string, error)
}

// PaymentController serves checkout, payment lookups and refunds.
type PaymentController struct {
	payments services.PaymentService
	invoices InvoiceLinker
	logger   *zap.Logger
}

// NewPaymentController creates a PaymentController. invoices may be nil, in
// which case the stored invoice URL is returned as is.
func NewPaymentController(payments services.PaymentService, invoices InvoiceLinker, logger *zap.Logger) *PaymentController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentController{payments: payments, invoices: invoices, logger: logger}
}

// CreateCheckout handles POST /payments/checkout
func (pc *PaymentController) CreateCheckout(c *gin.Context) {
	var req models.CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := pc.payments.CreateCheckout(c.Request.Context(), &req)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// CreateInstallmentCheckout handles
// POST /payments/plans/:id/installments/:installmentId/checkout
func (pc *PaymentController) CreateInstallmentCheckout(c *gin.Context) {
	planID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	installmentID, ok := uuidParam(c, "installmentId")
	if !ok {
		return
	}
	var req models.InstallmentCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sess, err := pc.payments.CreateInstallmentCheckout(c.Request.Context(), planID, installmentID, &req)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// GetPayment handles GET /payments/:id; ?refresh=true asks the gateway first.
func (pc *PaymentController) GetPayment(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var (
		rec *models.PaymentRecord
		err error
	)
	if c.Query("refresh") == "true" {
		rec, err = pc.payments.RefreshStatus(c.Request.Context(), id)
	} else {
		rec, err = pc.payments.GetPayment(c.Request.Context(), id)
	}
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RefundPayment handles POST /payments/:id/refund
func (pc *PaymentController) RefundPayment(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req models.RefundPaymentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	res, err := pc.payments.Refund(c.Request.Context(), id, &req)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListEventPayments handles GET /events/:eventId/payments
func (pc *PaymentController) ListEventPayments(c *gin.Context) {
	eventID, ok := uuidParam(c, "eventId")
	if !ok {
		return
	}
	page, limit := parsePaginationParams(c)
	status := models.PaymentStatus(c.Query("status"))
	records, total, err := pc.payments.ListPayments(c.Request.Context(), eventID, status, page, limit)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, paginated(records, total, page, limit))
}

// GetInvoice handles GET /payments/:id/invoice
func (pc *PaymentController) GetInvoice(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	rec, err := pc.payments.GetPayment(c.Request.Context(), id)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	if rec.InvoiceURL == "" {
		respondError(c, pc.logger, apperrors.NotFound("invoice for payment", id.String()))
		return
	}
	if pc.invoices == nil {
		c.JSON(http.StatusOK, gin.H{"url": rec.InvoiceURL})
		return
	}
	url, err := pc.invoices.DownloadURL(c.Request.Context(), rec.EventID.String(), rec.ID.String(), 15*time.Minute)
	if err != nil {
		respondError(c, pc.logger, apperrors.Internal("failed to sign invoice link", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": 900})
}
