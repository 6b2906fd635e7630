package commerce

import (
	"encoding/hex"
	"testing"
)

func TestValidSignature_RoundTrip(t *testing.T) {
	body := []byte(`{"event":{"type":"charge:confirmed"}}`)
	sig := Sign("secret", body)

	if !ValidSignature("secret", body, sig) {
		t.Fatalf("signature of own body must validate")
	}
}

func TestValidSignature_SingleBitFlip(t *testing.T) {
	body := []byte(`{"event":{"type":"charge:confirmed"}}`)
	sig := Sign("secret", body)

	raw, err := hex.DecodeString(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	raw[0] ^= 0x01
	flipped := hex.EncodeToString(raw)

	if ValidSignature("secret", body, flipped) {
		t.Fatalf("signature differing by one bit must be rejected")
	}
}

func TestValidSignature_BodyMutation(t *testing.T) {
	body := []byte(`{"event":{"type":"charge:confirmed"}}`)
	sig := Sign("secret", body)

	mutated := append([]byte{}, body...)
	mutated[len(mutated)-2] = 'x'

	if ValidSignature("secret", mutated, sig) {
		t.Fatalf("mutated body must not validate against old signature")
	}
}

func TestValidSignature_WrongSecret(t *testing.T) {
	body := []byte(`{}`)
	sig := Sign("secret", body)

	if ValidSignature("other-secret", body, sig) {
		t.Fatalf("signature with wrong secret must be rejected")
	}
}

func TestValidSignature_NotHex(t *testing.T) {
	if ValidSignature("secret", []byte(`{}`), "zzzz") {
		t.Fatalf("non-hex signature must be rejected")
	}
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{"event":{"id":"ev-1","type":"charge:confirmed","data":{"id":"ch-1","code":"CODE1","metadata":{"order_id":"order-1"}}}}`)

	ev, err := ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook error: %v", err)
	}
	if ev.Event.Type != "charge:confirmed" {
		t.Fatalf("type = %q, want charge:confirmed", ev.Event.Type)
	}
	if ev.OrderRef() != "order-1" {
		t.Fatalf("order ref = %q, want order-1", ev.OrderRef())
	}
	if ev.Event.Data.ID != "ch-1" || ev.Event.Data.Code != "CODE1" {
		t.Fatalf("unexpected data: %+v", ev.Event.Data)
	}
}

func TestParseWebhook_Malformed(t *testing.T) {
	if _, err := ParseWebhook([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
	if _, err := ParseWebhook([]byte(`{"event":{}}`)); err == nil {
		t.Fatalf("expected error for event without type")
	}
}
