package cryptopay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateInvoice_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/createInvoice" {
			t.Fatalf("path = %s, want /api/createInvoice", r.URL.Path)
		}
		if got := r.Header.Get("Crypto-Pay-API-Token"); got != "test-token" {
			t.Fatalf("token header = %q, want test-token", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["asset"] != "USDT" {
			t.Fatalf("asset = %v, want USDT", body["asset"])
		}
		if body["amount"] != "0.03750000" {
			t.Fatalf("amount = %v, want 0.03750000", body["amount"])
		}
		if body["expires_in"] != float64(1800) {
			t.Fatalf("expires_in = %v, want 1800", body["expires_in"])
		}

		w.Header().Set("Content-Type", "application/json")
		resp := createInvoiceResponse{
			OK: true,
			Result: &Invoice{
				ID:     42,
				Status: "active",
				PayURL: "https://t.me/CryptoBot?start=IVxyz",
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-token", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	inv, err := client.CreateInvoice(ctx, "USDT", "0.03750000", "proxy", "nonce-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("CreateInvoice error: %v", err)
	}
	if inv.ID != 42 {
		t.Fatalf("invoice id = %d, want 42", inv.ID)
	}
	if inv.PayURL == "" {
		t.Fatalf("expected non-empty pay url")
	}
}

func TestCreateInvoice_NotOKEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":{"code":401,"name":"UNAUTHORIZED"}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "bad-token", time.Second)

	_, err := client.CreateInvoice(context.Background(), "USDT", "1", "x", "n", time.Minute)
	if err == nil {
		t.Fatalf("expected error for ok=false envelope")
	}
}

func TestCreateInvoice_TransportError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "token", 100*time.Millisecond)

	_, err := client.CreateInvoice(context.Background(), "USDT", "1", "x", "n", time.Minute)
	if err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestGetInvoiceStatus(t *testing.T) {
	tests := []struct {
		name       string
		gatewayRaw string
		want       InvoiceStatus
		wantErr    bool
	}{
		{name: "active maps to pending", gatewayRaw: "active", want: StatusPending},
		{name: "paid", gatewayRaw: "paid", want: StatusPaid},
		{name: "expired", gatewayRaw: "expired", want: StatusExpired},
		{name: "cancelled", gatewayRaw: "cancelled", want: StatusCancelled},
		{name: "unknown is an error", gatewayRaw: "frozen", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/getInvoices" {
					t.Fatalf("path = %s, want /api/getInvoices", r.URL.Path)
				}
				if got := r.URL.Query().Get("invoice_ids"); got != "42" {
					t.Fatalf("invoice_ids = %q, want 42", got)
				}

				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"ok":true,"result":{"items":[{"invoice_id":42,"status":"` + tt.gatewayRaw + `"}]}}`))
			}))
			defer ts.Close()

			client := NewClient(ts.URL, "test-token", time.Second)

			status, err := client.GetInvoiceStatus(context.Background(), 42)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for status %q", tt.gatewayRaw)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetInvoiceStatus error: %v", err)
			}
			if status != tt.want {
				t.Fatalf("status = %s, want %s", status, tt.want)
			}
		})
	}
}

func TestGetInvoiceStatus_MissingInvoice(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"items":[]}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-token", time.Second)

	_, err := client.GetInvoiceStatus(context.Background(), 7)
	if err == nil {
		t.Fatalf("expected error for missing invoice")
	}
}
