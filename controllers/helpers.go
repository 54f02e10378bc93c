package controllers

import (
	"net/http"
	"strconv"

	"atlas-payment-service/apperrors"
	"atlas-payment-service/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// respondError writes err as JSON using the status carried by its kind.
// Server-side failures are logged with their cause; client errors at warn.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	appErr := apperrors.From(err)
	l := logger.ForRequest(c, log)
	if appErr.Code >= http.StatusInternalServerError {
		l.Error(appErr.Message, zap.String("kind", string(appErr.Kind)), zap.Error(err))
	} else {
		l.Warn(appErr.Message, zap.String("kind", string(appErr.Kind)))
	}
	c.JSON(appErr.Code, gin.H{"error": appErr.Message, "kind": appErr.Kind})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
}

// uuidParam parses a path parameter, answering 400 itself on failure.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// parsePaginationParams extracts and validates page/limit query params.
func parsePaginationParams(c *gin.Context) (int, int) {
	const maxLimit = 100
	page, limit := 1, 20
	if p, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil && l > 0 {
		if l > maxLimit {
			l = maxLimit
		}
		limit = l
	}
	return page, limit
}

func paginated(items interface{}, total int64, page, limit int) gin.H {
	return gin.H{"items": items, "total": total, "page": page, "limit": limit}
}
