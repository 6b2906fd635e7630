// Package service реализует бизнес-логику платёжного ядра аркады.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arcadepay/arcade-ledger/internal/commerce"
	"github.com/arcadepay/arcade-ledger/internal/model"
	"github.com/arcadepay/arcade-ledger/internal/repository"
	"github.com/arcadepay/arcade-ledger/internal/validation"
)

// sessionTTL — фиксированная длительность игровой сессии. Истечение TTL —
// единственный авторитетный механизм завершения доступа.
const sessionTTL = 5 * time.Minute

// ErrBadSKU возвращается при запросе платежа за неизвестный артикул.
var (
	ErrBadSKU = errors.New("unknown sku")
	// ErrProviderNotConfigured возвращается, если ключ провайдера не задан.
	ErrProviderNotConfigured = errors.New("payment provider not configured")
	// ErrProviderUnavailable возвращается при сбое вызова провайдера.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrWebhookNotConfigured возвращается, если секрет вебхука не задан.
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")
	// ErrMissingSignature возвращается, если вебхук пришёл без подписи.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrBadSignature возвращается при несовпадении подписи вебхука.
	ErrBadSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent возвращается, если тело вебхука не разбирается.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrInvalidToken возвращается для несуществующего игрового токена.
	ErrInvalidToken = errors.New("invalid play token")
	// ErrTokenExpired возвращается для истёкшего игрового токена.
	ErrTokenExpired = errors.New("play token expired")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetOrCreateWallet(ctx context.Context, userID string) (*model.Wallet, error)
	CreateOrder(ctx context.Context, o *model.Order) error
	FindOrderByReference(ctx context.Context, orderID, chargeID, code string) (*model.Order, error)
	StampOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error
	FulfillOrder(ctx context.Context, orderID string, credits int64, passMinutes int, metadata map[string]string) error
	ActiveSession(ctx context.Context, userID string) (*model.PlaySession, error)
	StartSession(ctx context.Context, userID, gameID, token string, ttl time.Duration) (*model.PlaySession, error)
	GetSessionByToken(ctx context.Context, token string) (*model.PlaySession, error)
	RecordSessionEnd(ctx context.Context, userID, token string) error
}

// ChargeCreator описывает контракт клиента платёжного провайдера.
type ChargeCreator interface {
	CreateCharge(ctx context.Context, req commerce.ChargeRequest) (*commerce.Charge, error)
}

// Service содержит бизнес-логику платёжного ядра аркады.
type Service struct {
	repo          Repository
	charges       ChargeCreator
	webhookSecret string
	fulfillEvents map[string]struct{}
	logger        *zap.Logger
}

// NewService создаёт сервис. fulfillEvents — типы событий провайдера,
// запускающие исполнение заказа; остальные события только стампуются
// в статус заказа.
func NewService(repo Repository, charges ChargeCreator, webhookSecret string, fulfillEvents []string, logger *zap.Logger) *Service {
	events := make(map[string]struct{}, len(fulfillEvents))
	for _, e := range fulfillEvents {
		events[e] = struct{}{}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:          repo,
		charges:       charges,
		webhookSecret: webhookSecret,
		fulfillEvents: events,
		logger:        logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// CreateCharge создаёт заказ и запрашивает у провайдера hosted-страницу
// оплаты. Строка заказа записывается только после успешного ответа
// провайдера: сбой вызова не оставляет осиротевших заказов.
func (s *Service) CreateCharge(ctx context.Context, userID, sku string) (*model.Order, error) {
	product, ok := model.ProductBySKU(sku)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBadSKU, sku)
	}

	if s.charges == nil {
		return nil, ErrProviderNotConfigured
	}

	if _, err := s.repo.GetOrCreateWallet(ctx, userID); err != nil {
		return nil, err
	}

	orderID := uuid.NewString()

	charge, err := s.charges.CreateCharge(ctx, commerce.ChargeRequest{
		Name:        product.Name,
		Description: fmt.Sprintf("arcade purchase %s", product.SKU),
		AmountCents: product.AmountCents,
		Currency:    "USD",
		Metadata: map[string]string{
			"order_id": orderID,
			"user_id":  userID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, err)
	}

	order := &model.Order{
		ID:          orderID,
		UserID:      userID,
		SKU:         product.SKU,
		AmountCents: product.AmountCents,
		Currency:    "USD",
		ChargeID:    charge.ID,
		ChargeCode:  charge.Code,
		HostedURL:   charge.HostedURL,
		Status:      model.OrderStatusCreated,
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	return order, nil
}

// GetWallet возвращает кошелёк пользователя, создавая пустой при отсутствии.
func (s *Service) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.repo.GetOrCreateWallet(ctx, userID)
}

// ProcessWebhook обрабатывает событие платёжного провайдера по протоколу:
// подпись сырого тела, разбор JSON, поиск заказа по трём ключам, стамп
// статуса, фильтр по списку исполняющих событий, идемпотентное
// атомарное исполнение. Возвращаются только ошибки аутентификации,
// формата и конфигурации; прочие сбои логируются и подтверждаются,
// чтобы провайдер не раздувал повторные доставки.
func (s *Service) ProcessWebhook(ctx context.Context, body []byte, signature string) error {
	if s.webhookSecret == "" {
		return ErrWebhookNotConfigured
	}
	if signature == "" {
		return ErrMissingSignature
	}
	if !commerce.ValidSignature(s.webhookSecret, body, signature) {
		return ErrBadSignature
	}

	ev, err := commerce.ParseWebhook(body)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}

	order, err := s.repo.FindOrderByReference(ctx, ev.OrderRef(), ev.Event.Data.ID, ev.Event.Data.Code)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			s.logger.Info("webhook event matches no order",
				zap.String("eventID", ev.Event.ID),
				zap.String("eventType", ev.Event.Type))
			return nil
		}
		s.logger.Error("webhook order lookup failed", zap.Error(err), zap.String("eventID", ev.Event.ID))
		return nil
	}

	if err := s.repo.StampOrderStatus(ctx, order.ID, model.OrderStatus(ev.Event.Type)); err != nil {
		s.logger.Error("stamp order status failed", zap.Error(err), zap.String("orderID", order.ID))
	}

	if _, ok := s.fulfillEvents[ev.Event.Type]; !ok {
		return nil
	}

	if order.FulfilledAt != nil {
		return nil
	}

	// Артикул и получатель берутся только из локального заказа:
	// metadata события доступна плательщику.
	product, ok := model.ProductBySKU(order.SKU)
	if !ok {
		s.logger.Error("order sku missing from catalog",
			zap.String("orderID", order.ID),
			zap.String("sku", order.SKU))
		return nil
	}

	meta := map[string]string{
		"order_id":   order.ID,
		"event_id":   ev.Event.ID,
		"event_type": ev.Event.Type,
		"charge_id":  order.ChargeID,
	}

	err = s.repo.FulfillOrder(ctx, order.ID, product.Credits, product.PassMinutes, meta)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyFulfilled) {
			return nil
		}
		s.logger.Error("fulfillment failed, awaiting redelivery",
			zap.Error(err),
			zap.String("orderID", order.ID),
			zap.String("eventID", ev.Event.ID))
		return nil
	}

	s.logger.Info("order fulfilled",
		zap.String("orderID", order.ID),
		zap.String("userID", order.UserID),
		zap.String("sku", order.SKU))

	return nil
}

// StartSession авторизует запуск игры и выдаёт одноразовый токен.
// Предварительная проверка эксклюзивности отвечает быстрым отказом;
// строгая проверка повторяется в транзакции репозитория.
func (s *Service) StartSession(ctx context.Context, userID, gameID string) (*model.PlaySession, error) {
	_, err := s.repo.ActiveSession(ctx, userID)
	if err == nil {
		return nil, repository.ErrActiveSessionExists
	}
	if !errors.Is(err, repository.ErrSessionNotFound) {
		return nil, err
	}

	token, err := newPlayToken()
	if err != nil {
		return nil, err
	}

	return s.repo.StartSession(ctx, userID, gameID, token, sessionTTL)
}

// VerifySession проверяет игровой токен. Проверка только читает состояние
// и никогда не продлевает сессию.
func (s *Service) VerifySession(ctx context.Context, token string) (*model.PlaySession, error) {
	if !validation.IsValidPlayToken(token) {
		return nil, ErrInvalidToken
	}

	session, err := s.repo.GetSessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	if !session.ExpiresAt.After(time.Now()) {
		return nil, ErrTokenExpired
	}

	return session, nil
}

// EndSession фиксирует сигнал клиента о завершении сессии. Сигнал
// информационный: он записывается в журнал, но не завершает доступ.
func (s *Service) EndSession(ctx context.Context, userID, token string) error {
	err := s.repo.RecordSessionEnd(ctx, userID, token)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil
		}
		s.logger.Error("record session end failed", zap.Error(err), zap.String("userID", userID))
	}
	return nil
}

// newPlayToken генерирует криптослучайный URL-safe токен фиксированной длины.
func newPlayToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
