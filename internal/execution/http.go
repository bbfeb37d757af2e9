package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSubmitter posts operations to the settlement endpoint.
//
//	POST {base}/bundles  {"operations": [...]}  -> Receipt
//	POST {base}/legs     Operation              -> Receipt
type HTTPSubmitter struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPSubmitter(baseURL, token string, timeout time.Duration) *HTTPSubmitter {
	return &HTTPSubmitter{base: baseURL, token: token, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSubmitter) SubmitAtomic(ctx context.Context, ops []Operation) (Receipt, error) {
	return s.post(ctx, "/bundles", struct {
		Operations []Operation `json:"operations"`
	}{ops})
}

func (s *HTTPSubmitter) SubmitLeg(ctx context.Context, op Operation) (Receipt, error) {
	return s.post(ctx, "/legs", op)
}

type rejection struct {
	Error string `json:"error"`
}

func (s *HTTPSubmitter) post(ctx context.Context, path string, body any) (Receipt, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var rej rejection
		_ = json.NewDecoder(resp.Body).Decode(&rej)
		if rej.Error != "" {
			return Receipt{}, fmt.Errorf("settlement rejected (status %d): %s", resp.StatusCode, rej.Error)
		}
		return Receipt{}, fmt.Errorf("settlement rejected: unexpected status %d", resp.StatusCode)
	}
	var r Receipt
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Receipt{}, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return r, nil
}
