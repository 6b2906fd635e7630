package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arcadepay/arcade-ledger/internal/middleware"
	"github.com/arcadepay/arcade-ledger/internal/model"
	"github.com/arcadepay/arcade-ledger/internal/repository"
	"github.com/arcadepay/arcade-ledger/internal/service"
)

type stubService struct {
	pingErr error

	order     *model.Order
	chargeErr error

	wallet    *model.Wallet
	walletErr error

	webhookErr error

	session  *model.PlaySession
	startErr error

	verifySession *model.PlaySession
	verifyErr     error

	endErr error
}

func (s *stubService) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubService) CreateCharge(ctx context.Context, userID, sku string) (*model.Order, error) {
	return s.order, s.chargeErr
}

func (s *stubService) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.wallet, s.walletErr
}

func (s *stubService) ProcessWebhook(ctx context.Context, body []byte, signature string) error {
	return s.webhookErr
}

func (s *stubService) StartSession(ctx context.Context, userID, gameID string) (*model.PlaySession, error) {
	return s.session, s.startErr
}

func (s *stubService) VerifySession(ctx context.Context, token string) (*model.PlaySession, error) {
	return s.verifySession, s.verifyErr
}

func (s *stubService) EndSession(ctx context.Context, userID, token string) error {
	return s.endErr
}

type stubVerifier struct {
	userID string
}

func (s *stubVerifier) LookupUser(ctx context.Context, bearer string) (string, error) {
	return s.userID, nil
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware(&stubVerifier{userID: "user-1"})

	return NewHandler(svc, logger, auth)
}

func doAuthed(t *testing.T, h *Handler, fn http.HandlerFunc, req *http.Request) *http.Response {
	t.Helper()

	req.Header.Set("Authorization", "Bearer test-token")

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(fn).ServeHTTP(rec, req)

	return rec.Result()
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "bad signature",
			serviceErr: service.ErrBadSignature,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "BAD_SIGNATURE",
		},
		{
			name:       "missing signature",
			serviceErr: service.ErrMissingSignature,
			wantStatus: http.StatusBadRequest,
			wantCode:   "MISSING_SIGNATURE",
		},
		{
			name:       "malformed event",
			serviceErr: service.ErrMalformedEvent,
			wantStatus: http.StatusBadRequest,
			wantCode:   "MALFORMED_EVENT",
		},
		{
			name:       "not configured",
			serviceErr: service.ErrWebhookNotConfigured,
			wantStatus: http.StatusNotImplemented,
			wantCode:   "PROVIDER_NOT_CONFIGURED",
		},
		{
			name:       "accepted",
			serviceErr: nil,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{webhookErr: tt.serviceErr})

			req := httptest.NewRequest(http.MethodPost, "/commerce/webhook", bytes.NewReader([]byte(`{}`)))
			rec := httptest.NewRecorder()

			h.Webhook(rec, req)

			res := rec.Result()
			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			if tt.wantCode != "" {
				body := decodeBody(t, res)
				if body["error"] != tt.wantCode {
					t.Fatalf("error code = %v, want %s", body["error"], tt.wantCode)
				}
			}
		})
	}
}

func TestCreateCharge_BadSKU(t *testing.T) {
	h := newTestHandler(t, &stubService{chargeErr: service.ErrBadSKU})

	body, _ := json.Marshal(createChargeRequest{SKU: "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/commerce/create-charge", bytes.NewReader(body))

	res := doAuthed(t, h, h.CreateCharge, req)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCreateCharge_ProviderDown(t *testing.T) {
	h := newTestHandler(t, &stubService{chargeErr: service.ErrProviderUnavailable})

	body, _ := json.Marshal(createChargeRequest{SKU: "credits10"})
	req := httptest.NewRequest(http.MethodPost, "/commerce/create-charge", bytes.NewReader(body))

	res := doAuthed(t, h, h.CreateCharge, req)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
}

func TestCreateCharge_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{order: &model.Order{
		ID:        "order-1",
		HostedURL: "https://pay.example/CODE1",
	}})

	body, _ := json.Marshal(createChargeRequest{SKU: "credits10"})
	req := httptest.NewRequest(http.MethodPost, "/commerce/create-charge", bytes.NewReader(body))

	res := doAuthed(t, h, h.CreateCharge, req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	resp := decodeBody(t, res)
	if resp["hostedUrl"] != "https://pay.example/CODE1" || resp["orderId"] != "order-1" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestStartSession_Conflicts(t *testing.T) {
	tests := []struct {
		name       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "active session exists",
			serviceErr: repository.ErrActiveSessionExists,
			wantStatus: http.StatusConflict,
			wantCode:   "ACTIVE_SESSION_EXISTS",
		},
		{
			name:       "insufficient credits",
			serviceErr: repository.ErrInsufficientCredits,
			wantStatus: http.StatusForbidden,
			wantCode:   "INSUFFICIENT_CREDITS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{startErr: tt.serviceErr})

			body, _ := json.Marshal(startSessionRequest{GameID: "game-1"})
			req := httptest.NewRequest(http.MethodPost, "/play/start", bytes.NewReader(body))

			res := doAuthed(t, h, h.StartSession, req)
			if res.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.wantStatus)
			}

			resp := decodeBody(t, res)
			if resp["error"] != tt.wantCode {
				t.Fatalf("error code = %v, want %s", resp["error"], tt.wantCode)
			}
		})
	}
}

func TestStartSession_MissingGameID(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/play/start", bytes.NewReader([]byte(`{}`)))

	res := doAuthed(t, h, h.StartSession, req)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestStartSession_Success(t *testing.T) {
	expires := time.Now().Add(5 * time.Minute).UTC()
	h := newTestHandler(t, &stubService{session: &model.PlaySession{
		Token:     "tok-1",
		GameID:    "game-1",
		Mode:      model.SessionModeCredit,
		ExpiresAt: expires,
	}})

	body, _ := json.Marshal(startSessionRequest{GameID: "game-1"})
	req := httptest.NewRequest(http.MethodPost, "/play/start", bytes.NewReader(body))

	res := doAuthed(t, h, h.StartSession, req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	resp := decodeBody(t, res)
	if resp["playToken"] != "tok-1" || resp["mode"] != "credit" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestVerifySession_ExpectedAbsence(t *testing.T) {
	tests := []struct {
		name       string
		serviceErr error
		wantCode   string
	}{
		{
			name:       "invalid token",
			serviceErr: service.ErrInvalidToken,
			wantCode:   "INVALID_TOKEN",
		},
		{
			name:       "expired token",
			serviceErr: service.ErrTokenExpired,
			wantCode:   "TOKEN_EXPIRED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{verifyErr: tt.serviceErr})

			req := httptest.NewRequest(http.MethodGet, "/play/verify?token=whatever", nil)
			rec := httptest.NewRecorder()

			h.VerifySession(rec, req)

			res := rec.Result()
			// Ожидаемое отсутствие — не ошибка: транспортный статус 200.
			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
			}

			resp := decodeBody(t, res)
			if resp["ok"] != false || resp["error"] != tt.wantCode {
				t.Fatalf("unexpected response: %v", resp)
			}
		})
	}
}

func TestVerifySession_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{verifySession: &model.PlaySession{
		Token:     "tok-1",
		GameID:    "game-1",
		Mode:      model.SessionModePass,
		ExpiresAt: time.Now().Add(time.Minute),
	}})

	req := httptest.NewRequest(http.MethodGet, "/play/verify?token=tok-1", nil)
	rec := httptest.NewRecorder()

	h.VerifySession(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	resp := decodeBody(t, res)
	if resp["ok"] != true || resp["gameId"] != "game-1" || resp["mode"] != "pass" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestGetWallet_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{wallet: &model.Wallet{
		UserID:  "user-1",
		Credits: 9,
	}})

	req := httptest.NewRequest(http.MethodGet, "/wallet/me", nil)

	res := doAuthed(t, h, h.GetWallet, req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	resp := decodeBody(t, res)
	wallet, ok := resp["wallet"].(map[string]any)
	if !ok {
		t.Fatalf("wallet missing from response: %v", resp)
	}
	if wallet["credits"] != float64(9) {
		t.Fatalf("credits = %v, want 9", wallet["credits"])
	}
	if wallet["passExpiresAt"] != nil {
		t.Fatalf("passExpiresAt = %v, want null", wallet["passExpiresAt"])
	}
}

func TestEndSession_AlwaysOK(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(endSessionRequest{PlayToken: "tok-1"})
	req := httptest.NewRequest(http.MethodPost, "/play/end", bytes.NewReader(body))

	res := doAuthed(t, h, h.EndSession, req)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	resp := decodeBody(t, res)
	if resp["ok"] != true {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/wallet/me", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}
