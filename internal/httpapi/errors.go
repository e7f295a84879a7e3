package httpapi

import (
	"errors"
	"net/http"
	"storefront-checkout/internal/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorKind struct {
	err    error
	status int
	code   string
}

var errorKinds = []errorKind{
	{domain.ErrValidation, http.StatusBadRequest, "validation_error"},
	{domain.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrConflict, http.StatusConflict, "conflict"},
	{domain.ErrExpired, http.StatusGone, "expired"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{domain.ErrUpstream, http.StatusBadGateway, "upstream_error"},
}

// writeError maps an error kind to its status and aborts the request.
// Upstream and unknown errors are logged and answered with a generic message.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	for _, k := range errorKinds {
		if !errors.Is(err, k.err) {
			continue
		}
		msg := err.Error()
		if k.status == http.StatusBadGateway {
			logger.Error("upstream failure", zap.Error(err), zap.String("path", c.Request.URL.Path))
			msg = "a payment dependency is unavailable, retry later"
		}
		abortJSON(c, k.status, k.code, msg)
		return
	}

	logger.Error("unhandled error", zap.Error(err), zap.String("path", c.Request.URL.Path))
	abortJSON(c, http.StatusInternalServerError, "internal_error", "internal error")
}

func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: msg}})
}
