package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type HTTPClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// HTTPClient talks to the voice provider's REST API.
type HTTPClient struct {
	client *resty.Client
	apiKey string
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &HTTPClient{client: client, apiKey: strings.TrimSpace(cfg.APIKey)}
}

func (c *HTTPClient) Available() bool {
	return c.apiKey != ""
}

type createCallBody struct {
	PhoneNumber        string         `json:"phone_number"`
	AgentID            string         `json:"agent_id"`
	RingTimeoutSeconds int            `json:"ring_timeout_seconds,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
}

type createCallResponse struct {
	CallID string `json:"call_id"`
}

func (c *HTTPClient) CreateCall(ctx context.Context, request CreateCallRequest) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}
	if strings.TrimSpace(request.Phone) == "" {
		return "", errors.New("phone is required")
	}

	body := createCallBody{
		PhoneNumber: request.Phone,
		AgentID:     request.AgentID,
		Context:     request.Context,
	}
	if request.RingTimeout > 0 {
		body.RingTimeoutSeconds = int(request.RingTimeout / time.Second)
	}

	var result createCallResponse
	response, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v1/calls")
	if err != nil {
		return "", fmt.Errorf("%w: create call: %v", ErrUnavailable, err)
	}
	if response.IsError() {
		return "", fmt.Errorf("create call: provider returned %s: %s",
			response.Status(), truncateBody(response.String()))
	}
	if result.CallID == "" {
		return "", errors.New("create call: provider returned no call_id")
	}
	return result.CallID, nil
}

type callStatusResponse struct {
	CallID              string         `json:"call_id"`
	Status              string         `json:"status"`
	DurationSeconds     int            `json:"duration_seconds"`
	Cost                float64        `json:"cost"`
	Transcript          string         `json:"transcript"`
	RecordingURL        string         `json:"recording_url"`
	DisconnectionReason string         `json:"disconnection_reason"`
	Variables           map[string]any `json:"variables"`
}

func (c *HTTPClient) GetCallStatus(ctx context.Context, callID string) (CallStatus, error) {
	if !c.Available() {
		return CallStatus{}, ErrUnavailable
	}

	var result callStatusResponse
	response, err := c.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v1/calls/" + callID)
	if err != nil {
		return CallStatus{}, fmt.Errorf("%w: get call status: %v", ErrUnavailable, err)
	}
	if response.IsError() {
		return CallStatus{}, fmt.Errorf("get call status: provider returned %s: %s",
			response.Status(), truncateBody(response.String()))
	}

	return CallStatus{
		CallID:              result.CallID,
		Status:              result.Status,
		DurationSeconds:     result.DurationSeconds,
		Cost:                result.Cost,
		Transcript:          result.Transcript,
		RecordingURL:        result.RecordingURL,
		DisconnectionReason: result.DisconnectionReason,
		Variables:           result.Variables,
	}, nil
}

func truncateBody(body string) string {
	const limit = 256
	if len(body) > limit {
		return body[:limit] + "..."
	}
	return body
}
