package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/service"
	"storefront-checkout/internal/webhook"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxWebhookBody    = 1 << 20
)

type CheckoutHandler struct {
	checkout service.CheckoutService
	verifier *webhook.Verifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewCheckoutHandler(checkout service.CheckoutService, verifier *webhook.Verifier, m *metrics.Metrics, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		verifier: verifier,
		metrics:  m,
		logger:   logger,
	}
}

type initiateRequest struct {
	OrderID        string               `json:"orderId"`
	Amount         decimal.Decimal      `json:"amount"`
	PaymentMethod  domain.PaymentMethod `json:"paymentMethod"`
	Currency       string               `json:"currency"`
	IdempotencyKey string               `json:"idempotencyKey"`
}

type paymentRequest struct {
	PaymentID string `json:"paymentId"`
}

type refundRequest struct {
	PaymentID string          `json:"paymentId"`
	Amount    decimal.Decimal `json:"amount"`
}

type blackcatRequest struct {
	PaymentID string `json:"paymentId"`
	CardToken string `json:"cardToken"`
}

type wiseRequest struct {
	PaymentID     string `json:"paymentId"`
	TargetAccount string `json:"targetAccount"`
}

type paymentResponse struct {
	PaymentID     string               `json:"paymentId"`
	OrderID       string               `json:"orderId"`
	Status        domain.PaymentStatus `json:"status"`
	OrderStatus   domain.OrderStatus   `json:"orderStatus"`
	Amount        string               `json:"amount"`
	Currency      string               `json:"currency"`
	PaymentMethod domain.PaymentMethod `json:"paymentMethod"`
	Confirmations int                  `json:"confirmations"`
	Provider      string               `json:"provider,omitempty"`
	ExternalID    string               `json:"externalId,omitempty"`
	Instructions  string               `json:"instructions,omitempty"`
	ExpiresAt     time.Time            `json:"expiresAt"`
	Legacy        bool                 `json:"legacy,omitempty"`
	Idempotent    bool                 `json:"idempotent"`
}

func toResponse(res *service.Result) paymentResponse {
	p := res.Intent
	return paymentResponse{
		PaymentID:     p.PaymentID,
		OrderID:       p.OrderID,
		Status:        p.Status,
		OrderStatus:   res.OrderStatus,
		Amount:        p.Amount.StringFixed(2),
		Currency:      p.Currency,
		PaymentMethod: p.PaymentMethod,
		Confirmations: p.Confirmations,
		Provider:      p.Provider,
		ExternalID:    p.ExternalID,
		Instructions:  res.Instructions,
		ExpiresAt:     p.ExpiresAt,
		Legacy:        p.Legacy,
		Idempotent:    res.Idempotent,
	}
}

func (h *CheckoutHandler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, h.logger, fmt.Errorf("%w: malformed request body", domain.ErrValidation))
		return false
	}
	return true
}

// Initiate handles POST /payment/checkout/initiate
func (h *CheckoutHandler) Initiate(c *gin.Context) {
	var req initiateRequest
	if !h.bind(c, &req) {
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = c.GetHeader(idempotencyHeader)
	}

	res, err := h.checkout.Initiate(c.Request.Context(), currentUser(c), service.InitiateRequest{
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	c.JSON(status, toResponse(res))
}

// Confirm handles POST /payment/checkout/confirm
func (h *CheckoutHandler) Confirm(c *gin.Context) {
	var req paymentRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.checkout.Confirm(c.Request.Context(), currentUser(c), req.PaymentID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

// Status handles GET /payment/checkout/:paymentId/status
func (h *CheckoutHandler) Status(c *gin.Context) {
	res, err := h.checkout.Status(c.Request.Context(), currentUser(c), c.Param("paymentId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

// Refund handles POST /payment/checkout/refund
func (h *CheckoutHandler) Refund(c *gin.Context) {
	var req refundRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.checkout.Refund(c.Request.Context(), currentUser(c), req.PaymentID, req.Amount)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}

// Webhook handles POST /payment/webhook. The signature is checked over the
// raw body before anything is decoded.
func (h *CheckoutHandler) Webhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	raw, err := c.GetRawData()
	if err != nil {
		writeError(c, h.logger, fmt.Errorf("%w: unreadable webhook body", domain.ErrValidation))
		return
	}

	if err := h.verifier.Verify(raw, c.GetHeader(webhook.SignatureHeader)); err != nil {
		h.metrics.Rejected(rejectReason(err))
		h.logger.Warn("webhook rejected",
			zap.String("reason", err.Error()),
			zap.String("client_ip", c.ClientIP()),
		)
		abortJSON(c, http.StatusUnauthorized, "invalid_signature", "webhook signature rejected")
		return
	}

	ev, err := webhook.Decode(raw)
	if err != nil {
		h.metrics.Rejected("payload")
		writeError(c, h.logger, err)
		return
	}

	applied, err := h.checkout.HandleWebhook(c.Request.Context(), ev)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "applied": applied})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, webhook.ErrMissingSignature):
		return "missing"
	case errors.Is(err, webhook.ErrMalformedSignature):
		return "malformed"
	case errors.Is(err, webhook.ErrSignatureMismatch):
		return "mismatch"
	}
	return "misconfigured"
}

// BlackcatCharge handles POST /payment/blackcat/charge
func (h *CheckoutHandler) BlackcatCharge(c *gin.Context) {
	var req blackcatRequest
	if !h.bind(c, &req) {
		return
	}
	h.process(c, payment.BlackcatName, service.GatewayRequest{PaymentID: req.PaymentID, CardToken: req.CardToken})
}

// WiseTransfer handles POST /payment/wise/transfer
func (h *CheckoutHandler) WiseTransfer(c *gin.Context) {
	var req wiseRequest
	if !h.bind(c, &req) {
		return
	}
	h.process(c, payment.WiseName, service.GatewayRequest{PaymentID: req.PaymentID, TargetAccount: req.TargetAccount})
}

func (h *CheckoutHandler) process(c *gin.Context, provider string, req service.GatewayRequest) {
	res, err := h.checkout.ProcessWithGateway(c.Request.Context(), currentUser(c), provider, req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(res))
}
