package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/erp-approval-api/internal/dto"
	"github.com/noah-isme/erp-approval-api/internal/middleware"
	"github.com/noah-isme/erp-approval-api/internal/models"
)

func newEvaluateContext(t *testing.T, claims *models.JWTClaims, query string, payload interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "/permissions/evaluate"+query, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	if claims != nil {
		c.Set(middleware.ContextUserKey, claims)
	}
	return c, w
}

func TestPermissionHandlerEvaluateRequiresAuth(t *testing.T) {
	handler := NewPermissionHandler(nil, nil)
	c, w := newEvaluateContext(t, nil, "", dto.EvaluateRequest{Module: "inventory", Action: "view"})

	handler.Evaluate(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPermissionHandlerEvaluateMissingFields(t *testing.T) {
	handler := NewPermissionHandler(nil, nil)
	claims := &models.JWTClaims{UserID: "user-1", Role: models.RoleOperator}
	c, w := newEvaluateContext(t, claims, "", dto.EvaluateRequest{Module: "inventory"})

	handler.Evaluate(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPermissionHandlerEvaluateOverrideForbiddenForOperators(t *testing.T) {
	handler := NewPermissionHandler(nil, nil)
	claims := &models.JWTClaims{UserID: "user-1", Role: models.RoleOperator}
	c, w := newEvaluateContext(t, claims, "?actor_id=someone-else", dto.EvaluateRequest{Module: "inventory", Action: "view"})

	handler.Evaluate(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
