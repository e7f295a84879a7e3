// Package auth resolves bearer tokens to storefront users.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"storefront-checkout/internal/domain"
	"strings"
	"time"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// Supabase validates access tokens against the GoTrue user endpoint.
type Supabase struct {
	baseURL string
	anonKey string
	client  *http.Client
	timeout time.Duration
}

func NewSupabase(baseURL, anonKey string, timeout time.Duration) *Supabase {
	return &Supabase{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (s *Supabase) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", s.anonKey)

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: auth provider timed out", domain.ErrUpstream)
		}
		return nil, fmt.Errorf("%w: auth provider: %w", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: auth provider returned %d", domain.ErrUpstream, resp.StatusCode)
	}

	var user domain.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("%w: decode user: %w", domain.ErrUpstream, err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}
	return &user, nil
}

// Static maps fixed tokens to users. Used by tests and the simulator.
type Static map[string]domain.User

func (s Static) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	u, ok := s[token]
	if !ok {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	}
	return &u, nil
}
