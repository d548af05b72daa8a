package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/callhive/dialer/internal/domain"
	"github.com/go-resty/resty/v2"
)

type HTTPBalanceReaderConfig struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	MaxRetries int
}

// HTTPBalanceReader queries the account/billing service synchronously
// before every dial.
type HTTPBalanceReader struct {
	client *resty.Client
}

func NewHTTPBalanceReader(cfg HTTPBalanceReaderConfig) *HTTPBalanceReader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetHeader("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.AuthToken)
	}
	return &HTTPBalanceReader{client: client}
}

type balanceResponse struct {
	AccountID string  `json:"account_id"`
	Mode      string  `json:"mode"`
	Remaining float64 `json:"remaining"`
}

func (r *HTTPBalanceReader) GetBalance(ctx context.Context, accountID string) (domain.Account, error) {
	var body balanceResponse
	response, err := r.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/v1/accounts/" + accountID + "/balance")
	if err != nil {
		return domain.Account{}, fmt.Errorf("query balance: %w", err)
	}
	if response.IsError() {
		return domain.Account{}, fmt.Errorf("balance service returned %s", response.Status())
	}
	return domain.Account{
		ID:        accountID,
		Mode:      domain.BillingMode(body.Mode),
		Remaining: body.Remaining,
	}, nil
}

// StaticBalanceReader serves a fixed answer for every account; the local
// development fallback when no billing service is configured.
type StaticBalanceReader struct {
	Mode      domain.BillingMode
	Remaining float64
}

func NewUnlimitedBalanceReader() *StaticBalanceReader {
	return &StaticBalanceReader{Mode: domain.BillingModeUnlimited}
}

func (r *StaticBalanceReader) GetBalance(_ context.Context, accountID string) (domain.Account, error) {
	return domain.Account{ID: accountID, Mode: r.Mode, Remaining: r.Remaining}, nil
}
