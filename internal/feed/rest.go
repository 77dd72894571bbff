package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

// securityPayload is the wire format of one instrument definition.
type securityPayload struct {
	Code             string  `json:"code"`
	Name             string  `json:"name"`
	Exchange         string  `json:"exchange"`
	VolumeMultiple   int     `json:"volume_multiple"`
	PriceTick        float64 `json:"price_tick"`
	MarginRatio      float64 `json:"margin_ratio"`
	CommissionRatio  float64 `json:"commission_ratio"`
	CommissionPerLot float64 `json:"commission_per_lot"`
	MinCommission    float64 `json:"min_commission"`
	ExpireDate       string  `json:"expire_date,omitempty"` // YYYY-MM-DD
}

// ReferenceClient fetches instrument definitions and fee schedules over REST:
//   - GetSecurities:  GET /securities        — every known instrument
//   - GetSecurity:    GET /securities/{code} — one instrument
//
// Requests are retried on 5xx with backoff.
type ReferenceClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewReferenceClient creates a REST client for the given base URL.
func NewReferenceClient(baseURL string, logger *slog.Logger) *ReferenceClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &ReferenceClient{
		http:   httpClient,
		logger: logger.With("component", "reference_client"),
	}
}

// GetSecurities fetches every instrument definition.
func (c *ReferenceClient) GetSecurities(ctx context.Context) ([]*types.Security, error) {
	var payload []securityPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		Get("/securities")
	if err != nil {
		return nil, fmt.Errorf("get securities: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get securities: status %d", resp.StatusCode())
	}
	out := make([]*types.Security, 0, len(payload))
	for i := range payload {
		out = append(out, decodeSecurity(&payload[i]))
	}
	return out, nil
}

// GetSecurity fetches one instrument definition; nil when unknown.
func (c *ReferenceClient) GetSecurity(ctx context.Context, code string) (*types.Security, error) {
	var payload securityPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&payload).
		SetPathParam("code", code).
		Get("/securities/{code}")
	if err != nil {
		return nil, fmt.Errorf("get security %s: %w", code, err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get security %s: status %d", code, resp.StatusCode())
	}
	return decodeSecurity(&payload), nil
}

func decodeSecurity(p *securityPayload) *types.Security {
	sec := &types.Security{
		Code:             p.Code,
		Name:             p.Name,
		Exchange:         p.Exchange,
		VolumeMultiple:   p.VolumeMultiple,
		PriceTick:        p.PriceTick,
		MarginRatio:      p.MarginRatio,
		CommissionRatio:  p.CommissionRatio,
		CommissionPerLot: p.CommissionPerLot,
		MinCommission:    p.MinCommission,
	}
	if p.ExpireDate != "" {
		if d, err := time.Parse("2006-01-02", p.ExpireDate); err == nil {
			sec.ExpireDate = d
		}
	}
	return sec
}
