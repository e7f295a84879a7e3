package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"storefront-checkout/internal/domain"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is a third-party processor. Results carry the provider's status
// already translated to the shared external vocabulary understood by
// domain.MapExternalStatus.
type Gateway interface {
	Name() string
	Process(ctx context.Context, req Request) (*Result, error)
	Status(ctx context.Context, externalID string) (*Result, error)
}

// Finder is implemented by gateways that can find a charge by our payment
// id, which is all the caller has when Process timed out.
type Finder interface {
	FindByPaymentID(ctx context.Context, paymentID string) (*Result, error)
}

type Request struct {
	PaymentID     string
	OrderID       string
	Amount        decimal.Decimal
	Currency      string
	Method        domain.PaymentMethod
	Customer      domain.User
	CardToken     string
	TargetAccount string
}

type Result struct {
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
	// Instructions holds what the buyer needs to pay asynchronously
	// (pix copy-paste code, boleto url).
	Instructions string `json:"instructions,omitempty"`
}

// Registry resolves gateways by name.
type Registry map[string]Gateway

func NewRegistry(gateways ...Gateway) Registry {
	r := make(Registry, len(gateways))
	for _, g := range gateways {
		r[g.Name()] = g
	}
	return r
}

func (r Registry) Get(name string) (Gateway, bool) {
	g, ok := r[name]
	return g, ok
}

type apiClient struct {
	baseURL   string
	http      *http.Client
	timeout   time.Duration
	authorize func(*http.Request)
}

func newAPIClient(baseURL string, timeout time.Duration, authorize func(*http.Request)) apiClient {
	return apiClient{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: timeout},
		timeout:   timeout,
		authorize: authorize,
	}
}

// do sends a JSON request under the client deadline and decodes a 2xx body into out.
func (c apiClient) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authorize != nil {
		c.authorize(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s timed out", domain.ErrUpstream, method, path)
		}
		return fmt.Errorf("%w: %s %s: %w", domain.ErrUpstream, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %d", domain.ErrUpstream, method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrUpstream, err)
	}
	return nil
}
