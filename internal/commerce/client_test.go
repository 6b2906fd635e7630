package commerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateCharge_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/charges" {
			t.Fatalf("path = %s, want /charges", r.URL.Path)
		}
		if got := r.Header.Get("X-CC-Api-Key"); got != "test-key" {
			t.Fatalf("api key header = %q, want test-key", got)
		}

		var body createChargeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.PricingType != "fixed_price" {
			t.Fatalf("pricing_type = %q, want fixed_price", body.PricingType)
		}
		if body.LocalPrice.Amount != "5.00" || body.LocalPrice.Currency != "USD" {
			t.Fatalf("unexpected local_price: %+v", body.LocalPrice)
		}
		if body.Metadata["order_id"] != "order-1" {
			t.Fatalf("metadata order_id = %q, want order-1", body.Metadata["order_id"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		resp := createChargeResponse{}
		resp.Data.ID = "charge-1"
		resp.Data.Code = "ABCDEFGH"
		resp.Data.HostedURL = "https://pay.example/ABCDEFGH"
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-key")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch, err := client.CreateCharge(ctx, ChargeRequest{
		Name:        "10 credits",
		Description: "arcade credits",
		AmountCents: 500,
		Currency:    "USD",
		Metadata:    map[string]string{"order_id": "order-1"},
	})
	if err != nil {
		t.Fatalf("CreateCharge error: %v", err)
	}
	if ch.ID != "charge-1" || ch.Code != "ABCDEFGH" {
		t.Fatalf("unexpected charge: %+v", ch)
	}
	if ch.HostedURL != "https://pay.example/ABCDEFGH" {
		t.Fatalf("unexpected hosted url: %q", ch.HostedURL)
	}
}

func TestCreateCharge_ProviderError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-key")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.CreateCharge(ctx, ChargeRequest{Name: "x", AmountCents: 100, Currency: "USD"})
	if err == nil {
		t.Fatalf("expected error for provider 500")
	}
}

func TestCreateCharge_NotConfigured(t *testing.T) {
	client := NewClient("https://api.example", "")

	_, err := client.CreateCharge(context.Background(), ChargeRequest{Name: "x", AmountCents: 100, Currency: "USD"})
	if err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{500, "5.00"},
		{2000, "20.00"},
		{705, "7.05"},
		{99, "0.99"},
	}

	for _, tt := range tests {
		if got := formatAmount(tt.cents); got != tt.want {
			t.Fatalf("formatAmount(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
}
