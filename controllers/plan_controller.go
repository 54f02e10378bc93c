package controllers

import (
	"net/http"

	"atlas-payment-service/models"
	"atlas-payment-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PlanController manages installment plans.
type PlanController struct {
	plans  services.PlanService
	logger *zap.Logger
}

func NewPlanController(plans services.PlanService, logger *zap.Logger) *PlanController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanController{plans: plans, logger: logger}
}

// CreatePlan handles POST /payments/plans
func (pc *PlanController) CreatePlan(c *gin.Context) {
	var req models.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	summary, err := pc.plans.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

// GetPlan handles GET /payments/plans/:id
func (pc *PlanController) GetPlan(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	summary, err := pc.plans.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// CancelPlan handles POST /payments/plans/:id/cancel
func (pc *PlanController) CancelPlan(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req models.CancelPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	summary, err := pc.plans.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ReschedulePlan handles PUT /payments/plans/:id/schedule
func (pc *PlanController) ReschedulePlan(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req models.ReschedulePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	summary, err := pc.plans.Reschedule(c.Request.Context(), id, req.Changes)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
