// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/arcadepay/arcade-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден ни по одному ключу.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists возвращается при конфликте уникальности charge_id/charge_code.
	ErrOrderExists = errors.New("order with this charge reference already exists")
	// ErrAlreadyFulfilled возвращается, если заказ уже был исполнен ранее.
	ErrAlreadyFulfilled = errors.New("order already fulfilled")
	// ErrInsufficientCredits возвращается при попытке списать кредит с пустого кошелька.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrActiveSessionExists возвращается, если у пользователя уже есть неистёкшая сессия.
	ErrActiveSessionExists = errors.New("active play session exists")
	// ErrSessionNotFound возвращается, если игровая сессия не найдена.
	ErrSessionNotFound = errors.New("play session not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withSerialRetry повторяет fn при сбоях сериализации и дедлоках.
// Остальные ошибки возвращаются сразу.
func (r *PostgresRepository) withSerialRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность хранилища.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetOrCreateWallet возвращает кошелёк пользователя, создавая пустой при отсутствии.
func (r *PostgresRepository) GetOrCreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}

	row := r.pool.QueryRow(ctx,
		`SELECT user_id, credits, pass_expires_at FROM wallets WHERE user_id = $1`,
		userID,
	)

	var w model.Wallet
	if err := row.Scan(&w.UserID, &w.Credits, &w.PassExpiresAt); err != nil {
		return nil, fmt.Errorf("select wallet: %w", err)
	}

	return &w, nil
}

// CreateOrder сохраняет новый заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, sku, amount_cents, currency, charge_id, charge_code, hosted_url, status)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)`,
		o.ID, o.UserID, o.SKU, o.AmountCents, o.Currency, o.ChargeID, o.ChargeCode, o.HostedURL, string(o.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrOrderExists, o.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const orderColumns = `id, user_id, sku, amount_cents, currency,
	COALESCE(charge_id, ''), COALESCE(charge_code, ''), hosted_url, status,
	created_at, updated_at, fulfilled_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &o.SKU, &o.AmountCents, &o.Currency,
		&o.ChargeID, &o.ChargeCode, &o.HostedURL, &status,
		&o.CreatedAt, &o.UpdatedAt, &o.FulfilledAt)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// FindOrderByReference ищет заказ последовательно по трём ключам события:
// внутренний идентификатор заказа, идентификатор платежа провайдера,
// короткий код провайдера. Первое совпадение выигрывает.
func (r *PostgresRepository) FindOrderByReference(ctx context.Context, orderID, chargeID, code string) (*model.Order, error) {
	lookups := []struct {
		query string
		key   string
	}{
		{`SELECT ` + orderColumns + ` FROM orders WHERE id = $1`, orderID},
		{`SELECT ` + orderColumns + ` FROM orders WHERE charge_id = $1`, chargeID},
		{`SELECT ` + orderColumns + ` FROM orders WHERE charge_code = $1`, code},
	}

	for _, l := range lookups {
		if l.key == "" {
			continue
		}

		o, err := scanOrder(r.pool.QueryRow(ctx, l.query, l.key))
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("select order: %w", err)
		}
	}

	return nil, ErrOrderNotFound
}

// StampOrderStatus записывает тип события провайдера в статус заказа.
// Последняя запись выигрывает; исполнение заказа от статуса не зависит.
func (r *PostgresRepository) StampOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
		orderID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// FulfillOrder атомарно отмечает заказ исполненным и начисляет кредиты
// и/или абонемент на кошелёк получателя. Условное обновление fulfilled_at
// служит затвором идемпотентности: повторное исполнение возвращает
// ErrAlreadyFulfilled без каких-либо изменений. Получатель и артикул
// берутся из строки заказа, а не из события провайдера.
func (r *PostgresRepository) FulfillOrder(ctx context.Context, orderID string, credits int64, passMinutes int, metadata map[string]string) error {
	return r.withSerialRetry(ctx, func() error {
		return r.fulfillOrderOnce(ctx, orderID, credits, passMinutes, metadata)
	})
}

func (r *PostgresRepository) fulfillOrderOnce(ctx context.Context, orderID string, credits int64, passMinutes int, metadata map[string]string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE orders SET fulfilled_at = now(), updated_at = now()
		 WHERE id = $1 AND fulfilled_at IS NULL`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("mark fulfilled: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAlreadyFulfilled
	}

	var userID, sku string
	err = tx.QueryRow(ctx, `SELECT user_id, sku FROM orders WHERE id = $1`, orderID).Scan(&userID, &sku)
	if err != nil {
		return fmt.Errorf("select order recipient: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}

	var currentPass *time.Time
	err = tx.QueryRow(ctx,
		`SELECT pass_expires_at FROM wallets WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&currentPass)
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}

	newPass := currentPass
	if passMinutes > 0 {
		v := stackPassExpiry(time.Now(), currentPass, passMinutes)
		newPass = &v
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallets SET credits = credits + $2, pass_expires_at = $3, updated_at = now()
		 WHERE user_id = $1`,
		userID, credits, newPass,
	)
	if err != nil {
		return fmt.Errorf("grant wallet: %w", err)
	}

	if err := appendTransaction(ctx, tx, userID, model.TransactionPurchase, sku, credits, metadata); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// stackPassExpiry вычисляет новый срок действия абонемента: минуты
// добавляются к максимуму из текущего момента и прежнего срока,
// поэтому неиспользованное время не сгорает.
func stackPassExpiry(now time.Time, current *time.Time, minutes int) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(time.Duration(minutes) * time.Minute)
}

func appendTransaction(ctx context.Context, tx pgx.Tx, userID string, kind model.TransactionKind, sku string, delta int64, metadata map[string]string) error {
	if metadata == nil {
		metadata = map[string]string{}
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (user_id, kind, sku, delta_credits, metadata)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		userID, string(kind), sku, delta, meta,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ConsumeCredit списывает один кредит одним условным обновлением.
// Баланс не может стать отрицательным: при нехватке кредитов обновление
// не затрагивает строк и возвращается false.
func (r *PostgresRepository) ConsumeCredit(ctx context.Context, userID string) (bool, error) {
	return consumeCredit(ctx, r.pool, userID)
}

func consumeCredit(ctx context.Context, q execer, userID string) (bool, error) {
	cmdTag, err := q.Exec(ctx,
		`UPDATE wallets SET credits = credits - 1, updated_at = now()
		 WHERE user_id = $1 AND credits >= 1`,
		userID,
	)
	if err != nil {
		return false, fmt.Errorf("consume credit: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

const sessionColumns = `token, user_id, game_id, mode, expires_at, created_at`

func scanSession(row pgx.Row) (*model.PlaySession, error) {
	var s model.PlaySession
	var mode string
	err := row.Scan(&s.Token, &s.UserID, &s.GameID, &mode, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Mode = model.SessionMode(mode)
	return &s, nil
}

// ActiveSession возвращает неистёкшую игровую сессию пользователя, если она есть.
func (r *PostgresRepository) ActiveSession(ctx context.Context, userID string) (*model.PlaySession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM play_sessions
		 WHERE user_id = $1 AND expires_at > now()
		 ORDER BY expires_at DESC LIMIT 1`,
		userID,
	)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("select active session: %w", err)
	}

	return s, nil
}

// StartSession открывает игровую сессию в одной транзакции: блокирует
// строку кошелька, повторно проверяет эксклюзивность, выбирает способ
// оплаты (действующий абонемент или списание кредита), создаёт запись
// сессии и строку журнала. Блокировка кошелька сериализует параллельные
// запуски одного пользователя, поэтому два из них не могут пройти вместе.
func (r *PostgresRepository) StartSession(ctx context.Context, userID, gameID, token string, ttl time.Duration) (*model.PlaySession, error) {
	var session *model.PlaySession

	err := r.withSerialRetry(ctx, func() error {
		s, err := r.startSessionOnce(ctx, userID, gameID, token, ttl)
		if err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

func (r *PostgresRepository) startSessionOnce(ctx context.Context, userID, gameID, token string, ttl time.Duration) (*model.PlaySession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	var passExpiresAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT pass_expires_at FROM wallets WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&passExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM play_sessions WHERE user_id = $1 AND expires_at > now())`,
		userID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check active session: %w", err)
	}
	if exists {
		return nil, ErrActiveSessionExists
	}

	now := time.Now()
	mode := model.SessionModePass
	var delta int64

	wallet := model.Wallet{UserID: userID, PassExpiresAt: passExpiresAt}
	if !wallet.HasActivePass(now) {
		consumed, err := consumeCredit(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if !consumed {
			return nil, ErrInsufficientCredits
		}
		mode = model.SessionModeCredit
		delta = -1
	}

	expiresAt := now.Add(ttl)

	_, err = tx.Exec(ctx,
		`INSERT INTO play_sessions (token, user_id, game_id, mode, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token, userID, gameID, string(mode), expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	meta := map[string]string{"game_id": gameID, "token": token}
	if err := appendTransaction(ctx, tx, userID, model.TransactionPlay, "", delta, meta); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &model.PlaySession{
		Token:     token,
		UserID:    userID,
		GameID:    gameID,
		Mode:      mode,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

// GetSessionByToken возвращает игровую сессию по токену.
func (r *PostgresRepository) GetSessionByToken(ctx context.Context, token string) (*model.PlaySession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM play_sessions WHERE token = $1`,
		token,
	)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}

	return s, nil
}

// RecordSessionEnd фиксирует сигнал клиента о завершении сессии в журнале
// операций. Сигнал сугубо информационный: доступ заканчивается по TTL.
func (r *PostgresRepository) RecordSessionEnd(ctx context.Context, userID, token string) error {
	var owner string
	err := r.pool.QueryRow(ctx,
		`SELECT user_id FROM play_sessions WHERE token = $1`,
		token,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("select session owner: %w", err)
	}

	if owner != userID {
		return ErrSessionNotFound
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	meta := map[string]string{"event": "client_end", "token": token}
	if err := appendTransaction(ctx, tx, userID, model.TransactionPlay, "", 0, meta); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
