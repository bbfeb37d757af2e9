package capital

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Balances are raw account holdings in base and quote asset units.
type Balances struct {
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

// AccountSource is the external ledger the capital figures are synced against.
type AccountSource interface {
	Balances(ctx context.Context, accountID string) (Balances, error)
}

// StaticSource returns fixed balances; it backs paper runs.
type StaticSource struct {
	Fixed Balances
}

func (s StaticSource) Balances(context.Context, string) (Balances, error) {
	return s.Fixed, nil
}

// HTTPSource reads balances from GET {base}/accounts/{id}/balances.
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource creates an HTTPSource with a bounded client timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{base: baseURL, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSource) Balances(ctx context.Context, accountID string) (Balances, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", s.base, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Balances{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Balances{}, fmt.Errorf("balance request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Balances{}, fmt.Errorf("balance request: unexpected status %d", resp.StatusCode)
	}
	var b Balances
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return Balances{}, fmt.Errorf("failed to decode balances: %w", err)
	}
	return b, nil
}
