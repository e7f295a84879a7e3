package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const BlackcatName = "blackcat"

// blackcat is the synchronous card/pix/boleto processor.
type blackcat struct {
	api apiClient
}

func NewBlackcat(baseURL, apiKey string, timeout time.Duration) Gateway {
	return &blackcat{
		api: newAPIClient(strings.TrimRight(baseURL, "/"), timeout, func(r *http.Request) {
			r.SetBasicAuth(apiKey, "x")
		}),
	}
}

func (b *blackcat) Name() string { return BlackcatName }

type blackcatTransaction struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"paymentMethod"`
	Card          *blackcatCard     `json:"card,omitempty"`
	Customer      blackcatCustomer  `json:"customer"`
	ExternalRef   string            `json:"externalRef"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type blackcatCard struct {
	Token string `json:"token"`
}

type blackcatCustomer struct {
	ID    string `json:"externalId"`
	Email string `json:"email"`
}

type blackcatResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Pix    *struct {
		QRCode string `json:"qrcode"`
	} `json:"pix,omitempty"`
	Boleto *struct {
		URL string `json:"url"`
	} `json:"boleto,omitempty"`
}

func (b *blackcat) Process(ctx context.Context, req Request) (*Result, error) {
	tx := blackcatTransaction{
		Amount:        req.Amount.Shift(2).IntPart(),
		Currency:      req.Currency,
		PaymentMethod: string(req.Method),
		Customer:      blackcatCustomer{ID: req.Customer.ID, Email: req.Customer.Email},
		ExternalRef:   req.PaymentID,
		Metadata:      map[string]string{"orderId": req.OrderID},
	}
	if req.CardToken != "" {
		tx.Card = &blackcatCard{Token: req.CardToken}
	}

	var resp blackcatResponse
	if err := b.api.do(ctx, http.MethodPost, "/v1/transactions", tx, &resp); err != nil {
		return nil, fmt.Errorf("blackcat charge: %w", err)
	}
	return resp.result(), nil
}

func (b *blackcat) Status(ctx context.Context, externalID string) (*Result, error) {
	var resp blackcatResponse
	if err := b.api.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(externalID), nil, &resp); err != nil {
		return nil, fmt.Errorf("blackcat status: %w", err)
	}
	return resp.result(), nil
}

func (r blackcatResponse) result() *Result {
	res := &Result{ExternalID: r.ID, Status: normalizeBlackcatStatus(r.Status)}
	switch {
	case r.Pix != nil:
		res.Instructions = r.Pix.QRCode
	case r.Boleto != nil:
		res.Instructions = r.Boleto.URL
	}
	return res
}

func normalizeBlackcatStatus(s string) string {
	switch strings.ToLower(s) {
	case "waiting_payment":
		return "waiting"
	case "refused":
		return "rejected"
	case "chargedback":
		return "refunded"
	}
	return strings.ToLower(s)
}
