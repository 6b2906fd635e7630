// Package commerce предоставляет клиент платёжного провайдера и проверку
// подписи его вебхуков.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const apiVersion = "2018-03-22"

// Client инкапсулирует HTTP-взаимодействие с платёжным провайдером.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Charge описывает платёж, созданный у провайдера.
type Charge struct {
	ID        string
	Code      string
	HostedURL string
}

// ChargeRequest описывает параметры создаваемого платежа.
type ChargeRequest struct {
	Name        string
	Description string
	AmountCents int64
	Currency    string
	Metadata    map[string]string
}

// NewClient создаёт HTTP-клиент провайдера. Запросы ограничены таймаутом
// и не повторяются автоматически: создание платежа не идемпотентно.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type createChargeBody struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PricingType string            `json:"pricing_type"`
	LocalPrice  localPrice        `json:"local_price"`
	Metadata    map[string]string `json:"metadata"`
}

type localPrice struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type createChargeResponse struct {
	Data struct {
		ID        string `json:"id"`
		Code      string `json:"code"`
		HostedURL string `json:"hosted_url"`
	} `json:"data"`
}

// CreateCharge создаёт платёж у провайдера и возвращает адрес
// hosted-страницы оплаты вместе с идентификаторами платежа.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if c == nil || c.apiKey == "" {
		return nil, fmt.Errorf("commerce client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	body := createChargeBody{
		Name:        req.Name,
		Description: req.Description,
		PricingType: "fixed_price",
		LocalPrice: localPrice{
			Amount:   formatAmount(req.AmountCents),
			Currency: req.Currency,
		},
		Metadata: req.Metadata,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal charge: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/charges", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-CC-Api-Key", c.apiKey)
	httpReq.Header.Set("X-CC-Version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		// Тело не интересно, но вычитываем для переиспользования соединения.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result createChargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Charge{
		ID:        result.Data.ID,
		Code:      result.Data.Code,
		HostedURL: result.Data.HostedURL,
	}, nil
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
