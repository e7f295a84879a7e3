package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"storefront-checkout/internal/domain"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const WiseName = "wise"

// wise pays out through a quote followed by a transfer.
type wise struct {
	api       apiClient
	profileID string
}

func NewWise(baseURL, token, profileID string, timeout time.Duration) Gateway {
	return &wise{
		api: newAPIClient(strings.TrimRight(baseURL, "/"), timeout, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+token)
		}),
		profileID: profileID,
	}
}

func (w *wise) Name() string { return WiseName }

type wiseQuoteRequest struct {
	SourceCurrency string  `json:"sourceCurrency"`
	TargetCurrency string  `json:"targetCurrency"`
	SourceAmount   float64 `json:"sourceAmount"`
}

type wiseQuote struct {
	ID string `json:"id"`
}

type wiseTransferRequest struct {
	TargetAccount         int64               `json:"targetAccount"`
	QuoteUUID             string              `json:"quoteUuid"`
	CustomerTransactionID string              `json:"customerTransactionId"`
	Details               wiseTransferDetails `json:"details"`
}

type wiseTransferDetails struct {
	Reference string `json:"reference"`
}

type wiseTransfer struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func (w *wise) Process(ctx context.Context, req Request) (*Result, error) {
	target, err := strconv.ParseInt(req.TargetAccount, 10, 64)
	if err != nil || target <= 0 {
		return nil, fmt.Errorf("%w: invalid wise target account %q", domain.ErrValidation, req.TargetAccount)
	}

	var quote wiseQuote
	err = w.api.do(ctx, http.MethodPost, "/v3/profiles/"+url.PathEscape(w.profileID)+"/quotes", wiseQuoteRequest{
		SourceCurrency: req.Currency,
		TargetCurrency: req.Currency,
		SourceAmount:   req.Amount.InexactFloat64(),
	}, &quote)
	if err != nil {
		return nil, fmt.Errorf("wise quote: %w", err)
	}

	var transfer wiseTransfer
	err = w.api.do(ctx, http.MethodPost, "/v1/transfers", wiseTransferRequest{
		TargetAccount:         target,
		QuoteUUID:             quote.ID,
		CustomerTransactionID: transactionID(req.PaymentID),
		Details:               wiseTransferDetails{Reference: reference(req.OrderID)},
	}, &transfer)
	if err != nil {
		return nil, fmt.Errorf("wise transfer: %w", err)
	}

	return &Result{
		ExternalID: strconv.FormatInt(transfer.ID, 10),
		Status:     normalizeWiseStatus(transfer.Status),
	}, nil
}

func (w *wise) Status(ctx context.Context, externalID string) (*Result, error) {
	var transfer wiseTransfer
	if err := w.api.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(externalID), nil, &transfer); err != nil {
		return nil, fmt.Errorf("wise status: %w", err)
	}
	return &Result{
		ExternalID: strconv.FormatInt(transfer.ID, 10),
		Status:     normalizeWiseStatus(transfer.Status),
	}, nil
}

// transactionID derives the Wise idempotency uuid from the payment id so a
// retried transfer is deduplicated on their side.
func transactionID(paymentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("storefront-checkout:"+paymentID)).String()
}

// reference fits the order id into the short free-text field of a transfer.
func reference(orderID string) string {
	if len(orderID) > 8 {
		return orderID[:8]
	}
	return orderID
}

func normalizeWiseStatus(s string) string {
	switch s {
	case "incoming_payment_waiting":
		return "waiting"
	case "incoming_payment_initiated", "processing", "funds_converted":
		return "processing"
	case "outgoing_payment_sent":
		return "paid"
	case "cancelled":
		return "cancelled"
	case "funds_refunded", "charged_back":
		return "refunded"
	case "bounced_back":
		return "failed"
	}
	return "processing"
}
