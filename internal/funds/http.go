package funds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HTTPProvider talks to a remote payments service:
//
//	POST {base}/holds               {"bidder_id","amount"} -> {"ref"}
//	POST {base}/holds/{ref}/release
//	POST {base}/holds/{ref}/refund
//
// 402 Payment Required maps to ErrInsufficientFunds, 404 to ErrUnknownHold.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type holdRequest struct {
	BidderID uuid.UUID       `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
}

type holdResponse struct {
	Ref string `json:"ref"`
}

func (p *HTTPProvider) Hold(ctx context.Context, bidderID uuid.UUID, amount decimal.Decimal) (string, error) {
	body, err := json.Marshal(holdRequest{BidderID: bidderID, Amount: amount})
	if err != nil {
		return "", fmt.Errorf("encode hold: %w", err)
	}
	resp, err := p.post(ctx, p.baseURL+"/holds", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return "", err
	}
	var out holdResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode hold response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("hold response missing ref")
	}
	return out.Ref, nil
}

func (p *HTTPProvider) Release(ctx context.Context, ref string) error {
	return p.action(ctx, ref, "release")
}

func (p *HTTPProvider) Refund(ctx context.Context, ref string) error {
	return p.action(ctx, ref, "refund")
}

func (p *HTTPProvider) action(ctx context.Context, ref, verb string) error {
	resp, err := p.post(ctx, fmt.Sprintf("%s/holds/%s/%s", p.baseURL, url.PathEscape(ref), verb), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusError(resp)
}

func (p *HTTPProvider) post(ctx context.Context, target string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments request %s: %w", target, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownHold
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("payments service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}
