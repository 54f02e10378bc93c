package apperrors_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"atlas-payment-service/apperrors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestErrorsIs_MatchesByKind(t *testing.T) {
	err := fmt.Errorf("checkout: %w", apperrors.Unsupported("paytm", "partial payments"))

	assert.ErrorIs(t, err, apperrors.ErrUnsupportedFeature)
	assert.NotErrorIs(t, err, apperrors.ErrGateway)
	assert.Equal(t, http.StatusUnprocessableEntity, apperrors.From(err).Code)
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := apperrors.Gateway("razorpay", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "razorpay: gateway request failed: connection reset", err.Error())
}

func TestFrom_WrapsPlainErrorsAsInternal(t *testing.T) {
	appErr := apperrors.From(errors.New("boom"))
	assert.Equal(t, apperrors.KindInternal, appErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, appErr.Code)
}

func TestErrorMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(apperrors.ErrorMiddleware())
	r.GET("/x", func(c *gin.Context) {
		_ = c.Error(apperrors.NotFound("payment", "42"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "payment 42 not found")
}
