// Package supplier предоставляет клиент для внешней системы поставщика книг.
package supplier

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/mmeshcher/library-circulation/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Статусы заказа на стороне поставщика.
const (
	StatusAccepted   = "ACCEPTED"
	StatusProcessing = "PROCESSING"
	StatusDelivered  = "DELIVERED"
	StatusRejected   = "REJECTED"
	StatusCancelled  = "CANCELLED"
)

// Client инкапсулирует HTTP-взаимодействие с системой поставщика.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// OrderState описывает ответ поставщика по одному заказу.
type OrderState struct {
	Order  string `json:"order"`
	Status string `json:"status"`
}

// NewClient создаёт HTTP-клиент для обращения к системе поставщика по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetOrderState запрашивает состояние заказа у поставщика.
// Для 429 возвращается пауза из заголовка Retry-After, для 204 пустой ответ без ошибки.
func (c *Client) GetOrderState(ctx context.Context, orderID int64) (*OrderState, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("supplier client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/orders/%d", base, orderID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result OrderState
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}

// LocalStatus переводит статус поставщика в статус заказа библиотеки.
func LocalStatus(remote string) (model.PurchaseOrderStatus, bool) {
	switch strings.ToUpper(remote) {
	case StatusAccepted, StatusProcessing:
		return model.OrderInProgress, true
	case StatusDelivered:
		return model.OrderCompleted, true
	case StatusRejected, StatusCancelled:
		return model.OrderCancelled, true
	}
	return "", false
}
