package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Billing reads the remaining prepaid credit of an OpenAI account.
type Billing struct {
	apiKey  string
	baseURL string

	client *http.Client
}

// CreditBalance is the credit grant summary of an account, in USD.
type CreditBalance struct {
	TotalGranted   float64 `json:"totalGranted"`
	TotalUsed      float64 `json:"totalUsed"`
	TotalAvailable float64 `json:"totalAvailable"`
}

type creditGrantsResponse struct {
	TotalGranted   *float64 `json:"total_granted"`
	TotalUsed      *float64 `json:"total_used"`
	TotalAvailable *float64 `json:"total_available"`
}

const openAIAPIEndpoint = "https://api.openai.com/v1"

// NewBilling creates a Billing client. An empty baseURL targets the public OpenAI endpoint.
func NewBilling(apiKey, baseURL string) Billing {
	if baseURL == "" {
		baseURL = openAIAPIEndpoint
	}
	return Billing{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

// CreditBalance fetches the account's credit grants. It returns nil without error when the account has no
// credit grants or the endpoint is not available to it.
func (b Billing) CreditBalance(ctx context.Context) (*CreditBalance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/dashboard/billing/credit_grants", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("balance API returned %d: %s", resp.StatusCode, body)
	}

	var res creditGrantsResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	if res.TotalAvailable == nil {
		return nil, nil
	}

	balance := &CreditBalance{TotalAvailable: *res.TotalAvailable}
	if res.TotalGranted != nil {
		balance.TotalGranted = *res.TotalGranted
	}
	if res.TotalUsed != nil {
		balance.TotalUsed = *res.TotalUsed
	}
	return balance, nil
}
