package commerce

import (
	"encoding/json"
	"fmt"
)

// WebhookEvent — конверт события вебхука провайдера. Metadata заполняется
// на стороне плательщика и потому не заслуживает доверия: для начислений
// используется только поиск локального заказа.
type WebhookEvent struct {
	Event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			ID       string            `json:"id"`
			Code     string            `json:"code"`
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	} `json:"event"`
}

// OrderRef возвращает встроенный идентификатор заказа, если он есть.
func (e *WebhookEvent) OrderRef() string {
	return e.Event.Data.Metadata["order_id"]
}

// ParseWebhook разбирает проверенное тело вебхука.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal webhook: %w", err)
	}
	if ev.Event.Type == "" {
		return nil, fmt.Errorf("webhook event has no type")
	}
	return &ev, nil
}
