// Package identity предоставляет клиент внешнего провайдера идентификации.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnauthorized возвращается, если провайдер не подтвердил токен.
// Детали отказа наружу не раскрываются.
var ErrUnauthorized = errors.New("identity: token rejected")

// Client инкапсулирует HTTP-взаимодействие с провайдером идентификации.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент провайдера идентификации. Запрос поиска
// пользователя идемпотентен, поэтому повторяется при сетевых сбоях.
func NewClient(baseURL, serviceKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: rc,
	}
}

type userResponse struct {
	ID string `json:"id"`
}

// LookupUser проверяет bearer-токен пользователя через провайдера и
// возвращает идентификатор пользователя. Любой отказ провайдера
// схлопывается в ErrUnauthorized.
func (c *Client) LookupUser(ctx context.Context, bearer string) (string, error) {
	if c == nil || c.baseURL == "" || bearer == "" {
		return "", ErrUnauthorized
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/user", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Service-Key", c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrUnauthorized
	}

	var user userResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if user.ID == "" {
		return "", ErrUnauthorized
	}

	return user.ID, nil
}
