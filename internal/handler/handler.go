// Package handler содержит HTTP-обработчики API платёжного ядра аркады.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arcadepay/arcade-ledger/internal/commerce"
	"github.com/arcadepay/arcade-ledger/internal/middleware"
	"github.com/arcadepay/arcade-ledger/internal/model"
	"github.com/arcadepay/arcade-ledger/internal/repository"
	"github.com/arcadepay/arcade-ledger/internal/service"
)

// Машиночитаемые коды ошибок API.
const (
	codeUnauthorized          = "UNAUTHORIZED"
	codeInvalidRequest        = "INVALID_REQUEST"
	codeBadSKU                = "BAD_SKU"
	codeMissingGameID         = "MISSING_GAME_ID"
	codeMissingSignature      = "MISSING_SIGNATURE"
	codeBadSignature          = "BAD_SIGNATURE"
	codeMalformedEvent        = "MALFORMED_EVENT"
	codeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	codeProviderError         = "PROVIDER_ERROR"
	codeActiveSessionExists   = "ACTIVE_SESSION_EXISTS"
	codeInsufficientCredits   = "INSUFFICIENT_CREDITS"
	codeInvalidToken          = "INVALID_TOKEN"
	codeTokenExpired          = "TOKEN_EXPIRED"
	codeNotFound              = "NOT_FOUND"
	codeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	codeInternalError         = "INTERNAL_ERROR"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	CreateCharge(ctx context.Context, userID, sku string) (*model.Order, error)
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	ProcessWebhook(ctx context.Context, body []byte, signature string) error
	StartSession(ctx context.Context, userID, gameID string) (*model.PlaySession, error)
	VerifySession(ctx context.Context, token string) (*model.PlaySession, error)
	EndSession(ctx context.Context, userID, token string) error
}

// Handler реализует HTTP-обработчики API платёжного ядра.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{OK: false, Error: code})
}

type createChargeRequest struct {
	SKU string `json:"sku"`
}

type createChargeResponse struct {
	OK        bool   `json:"ok"`
	HostedURL string `json:"hostedUrl"`
	OrderID   string `json:"orderId"`
}

// CreateCharge создаёт заказ и возвращает адрес hosted-страницы оплаты.
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized)
		return
	}

	var req createChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	order, err := h.service.CreateCharge(r.Context(), userID, req.SKU)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBadSKU):
			writeError(w, http.StatusBadRequest, codeBadSKU)
		case errors.Is(err, service.ErrProviderNotConfigured):
			writeError(w, http.StatusNotImplemented, codeProviderNotConfigured)
		case errors.Is(err, service.ErrProviderUnavailable):
			writeError(w, http.StatusBadGateway, codeProviderError)
		default:
			h.logger.Error("create charge error", zap.Error(err), zap.String("userID", userID))
			writeError(w, http.StatusInternalServerError, codeInternalError)
		}
		return
	}

	writeJSON(w, http.StatusOK, createChargeResponse{
		OK:        true,
		HostedURL: order.HostedURL,
		OrderID:   order.ID,
	})
}

// Webhook принимает события платёжного провайдера. Тело читается до
// разбора JSON: подпись считается по сырым байтам запроса.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	err = h.service.ProcessWebhook(r.Context(), body, r.Header.Get(commerce.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWebhookNotConfigured):
			writeError(w, http.StatusNotImplemented, codeProviderNotConfigured)
		case errors.Is(err, service.ErrMissingSignature):
			writeError(w, http.StatusBadRequest, codeMissingSignature)
		case errors.Is(err, service.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, codeBadSignature)
		case errors.Is(err, service.ErrMalformedEvent):
			writeError(w, http.StatusBadRequest, codeMalformedEvent)
		default:
			// Прочие сбои подтверждаются: повторная доставка их не вылечит.
			h.logger.Error("webhook processing error", zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type walletBody struct {
	Credits       int64   `json:"credits"`
	PassExpiresAt *string `json:"passExpiresAt"`
}

type walletResponse struct {
	OK     bool       `json:"ok"`
	Wallet walletBody `json:"wallet"`
}

// GetWallet возвращает кошелёк текущего пользователя.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized)
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), userID)
	if err != nil {
		h.logger.Error("get wallet error", zap.Error(err), zap.String("userID", userID))
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	body := walletBody{Credits: wallet.Credits}
	if wallet.PassExpiresAt != nil {
		v := wallet.PassExpiresAt.Format(time.RFC3339)
		body.PassExpiresAt = &v
	}

	writeJSON(w, http.StatusOK, walletResponse{OK: true, Wallet: body})
}

type startSessionRequest struct {
	GameID string `json:"gameId"`
}

type startSessionResponse struct {
	OK        bool   `json:"ok"`
	PlayToken string `json:"playToken"`
	Mode      string `json:"mode"`
	ExpiresAt string `json:"expiresAt"`
}

// StartSession авторизует запуск игры и выдаёт игровой токен.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized)
		return
	}

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	if req.GameID == "" {
		writeError(w, http.StatusBadRequest, codeMissingGameID)
		return
	}

	session, err := h.service.StartSession(r.Context(), userID, req.GameID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrActiveSessionExists):
			writeError(w, http.StatusConflict, codeActiveSessionExists)
		case errors.Is(err, repository.ErrInsufficientCredits):
			writeError(w, http.StatusForbidden, codeInsufficientCredits)
		default:
			h.logger.Error("start session error", zap.Error(err), zap.String("userID", userID))
			writeError(w, http.StatusInternalServerError, codeInternalError)
		}
		return
	}

	writeJSON(w, http.StatusOK, startSessionResponse{
		OK:        true,
		PlayToken: session.Token,
		Mode:      string(session.Mode),
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
	})
}

type verifySessionResponse struct {
	OK        bool   `json:"ok"`
	GameID    string `json:"gameId"`
	Mode      string `json:"mode"`
	ExpiresAt string `json:"expiresAt"`
}

// VerifySession проверяет игровой токен для загрузчика игры. Отсутствие
// и истечение токена — ожидаемые исходы, а не ошибки: статус всегда 200.
func (h *Handler) VerifySession(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	session, err := h.service.VerifySession(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidToken):
			writeError(w, http.StatusOK, codeInvalidToken)
		case errors.Is(err, service.ErrTokenExpired):
			writeError(w, http.StatusOK, codeTokenExpired)
		default:
			h.logger.Error("verify session error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, codeInternalError)
		}
		return
	}

	writeJSON(w, http.StatusOK, verifySessionResponse{
		OK:        true,
		GameID:    session.GameID,
		Mode:      string(session.Mode),
		ExpiresAt: session.ExpiresAt.Format(time.RFC3339),
	})
}

type endSessionRequest struct {
	PlayToken string `json:"playToken"`
}

// EndSession принимает информационный сигнал клиента о завершении
// сессии. Ответ вызывающей стороной игнорируется; доступ завершает TTL.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized)
		return
	}

	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	if err := h.service.EndSession(r.Context(), userID, req.PlayToken); err != nil {
		h.logger.Error("end session error", zap.Error(err), zap.String("userID", userID))
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Health проверяет живость сервиса и доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
