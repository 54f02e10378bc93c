package controllers

import (
	"net/http"
	"time"

	"atlas-payment-service/middleware"
	"atlas-payment-service/models"
	"atlas-payment-service/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdminController exposes reconciliation and gateway configuration to
// organisers.
type AdminController struct {
	recon   services.ReconciliationService
	configs services.EventConfigService
	logger  *zap.Logger
}

func NewAdminController(recon services.ReconciliationService, configs services.EventConfigService, logger *zap.Logger) *AdminController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminController{recon: recon, configs: configs, logger: logger}
}

// RunReconciliation handles POST /admin/reconciliation/run. An empty date
// reconciles yesterday (UTC).
func (ac *AdminController) RunReconciliation(c *gin.Context) {
	var req models.RunReconciliationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	var date *time.Time
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			badRequest(c, err)
			return
		}
		date = &d
	}
	eventIDs := make([]uuid.UUID, 0, len(req.EventIDs))
	for _, raw := range req.EventIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		eventIDs = append(eventIDs, id)
	}

	report, err := ac.recon.Run(c.Request.Context(), date, eventIDs, "admin:"+middleware.GetUserID(c))
	if err != nil {
		respondError(c, ac.logger, err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

// ListReports handles GET /admin/reconciliation/reports?date=YYYY-MM-DD
func (ac *AdminController) ListReports(c *gin.Context) {
	var date *time.Time
	if raw := c.Query("date"); raw != "" {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		date = &d
	}
	page, limit := parsePaginationParams(c)
	reports, total, err := ac.recon.ListReports(c.Request.Context(), date, page, limit)
	if err != nil {
		respondError(c, ac.logger, err)
		return
	}
	c.JSON(http.StatusOK, paginated(reports, total, page, limit))
}

// GetReport handles GET /admin/reconciliation/reports/:id
func (ac *AdminController) GetReport(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	report, err := ac.recon.GetReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, ac.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetEventConfig handles GET /admin/events/:eventId/payment-config
func (ac *AdminController) GetEventConfig(c *gin.Context) {
	eventID, ok := uuidParam(c, "eventId")
	if !ok {
		return
	}
	cfg, err := ac.configs.Get(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, ac.logger, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpsertEventConfig handles PUT /admin/events/:eventId/payment-config
func (ac *AdminController) UpsertEventConfig(c *gin.Context) {
	eventID, ok := uuidParam(c, "eventId")
	if !ok {
		return
	}
	var req models.UpsertEventConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cfg, err := ac.configs.Upsert(c.Request.Context(), eventID, &req)
	if err != nil {
		respondError(c, ac.logger, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}
