// Package cryptopay предоставляет клиент для внешнего платёжного шлюза Crypto Pay.
package cryptopay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const tokenHeader = "Crypto-Pay-API-Token"

// InvoiceStatus описывает состояние счёта на стороне шлюза.
type InvoiceStatus string

const (
	StatusPending   InvoiceStatus = "pending"
	StatusPaid      InvoiceStatus = "paid"
	StatusExpired   InvoiceStatus = "expired"
	StatusCancelled InvoiceStatus = "cancelled"
)

// Invoice описывает созданный на шлюзе счёт.
type Invoice struct {
	ID     int64  `json:"invoice_id"`
	Status string `json:"status"`
	PayURL string `json:"pay_url"`
}

type createInvoiceResponse struct {
	OK     bool     `json:"ok"`
	Result *Invoice `json:"result"`
}

type getInvoicesResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		Items []Invoice `json:"items"`
	} `json:"result"`
}

// Client инкапсулирует HTTP-взаимодействие со шлюзом Crypto Pay.
// Любая транспортная ошибка и любой ответ с ok=false считаются одним
// и тем же видом сбоя: вызывающая сторона просто повторит попытку позже.
type Client struct {
	http *resty.Client
}

// NewClient создаёт клиент шлюза по указанному адресу с API-токеном.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader(tokenHeader, token)

	return &Client{http: httpClient}
}

// CreateInvoice создаёт счёт на оплату и возвращает его идентификатор и ссылку.
func (c *Client) CreateInvoice(ctx context.Context, asset, amount, description, payload string, expiresIn time.Duration) (*Invoice, error) {
	if c == nil || c.http.BaseURL == "" {
		return nil, fmt.Errorf("cryptopay client not configured")
	}

	var result createInvoiceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"asset":       asset,
			"amount":      amount,
			"description": description,
			"payload":     payload,
			"expires_in":  int(expiresIn.Seconds()),
		}).
		SetResult(&result).
		Post("/api/createInvoice")
	if err != nil {
		return nil, fmt.Errorf("create invoice request: %w", err)
	}

	if resp.IsError() || !result.OK || result.Result == nil {
		return nil, fmt.Errorf("create invoice: gateway returned status %d", resp.StatusCode())
	}

	return result.Result, nil
}

// GetInvoiceStatus запрашивает текущее состояние счёта по идентификатору.
func (c *Client) GetInvoiceStatus(ctx context.Context, invoiceID int64) (InvoiceStatus, error) {
	if c == nil || c.http.BaseURL == "" {
		return "", fmt.Errorf("cryptopay client not configured")
	}

	var result getInvoicesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("invoice_ids", strconv.FormatInt(invoiceID, 10)).
		SetResult(&result).
		Get("/api/getInvoices")
	if err != nil {
		return "", fmt.Errorf("get invoices request: %w", err)
	}

	if resp.IsError() || !result.OK {
		return "", fmt.Errorf("get invoices: gateway returned status %d", resp.StatusCode())
	}

	if len(result.Result.Items) == 0 {
		return "", fmt.Errorf("get invoices: invoice %d not found", invoiceID)
	}

	return mapStatus(result.Result.Items[0].Status)
}

// mapStatus переводит статус шлюза во внутренний. Счёт со статусом active
// ещё не оплачен, для нас это pending.
func mapStatus(raw string) (InvoiceStatus, error) {
	switch raw {
	case "active":
		return StatusPending, nil
	case "paid":
		return StatusPaid, nil
	case "expired":
		return StatusExpired, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown invoice status %q", raw)
	}
}
