// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/yearbook-checkout/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountExists возвращается при попытке создать учётную запись с уже существующим логином.
var (
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound возвращается, если учётная запись не найдена.
	ErrAccountNotFound = errors.New("account not found")
	// ErrYearbookNotFound возвращается, если для школы и года не задана цена альбома.
	ErrYearbookNotFound = errors.New("yearbook not found")
	// ErrCartItemExists возвращается при повторном добавлении того же года в корзину.
	ErrCartItemExists = errors.New("cart item already exists")
	// ErrCartItemNotFound возвращается, если позиция корзины не найдена у владельца.
	ErrCartItemNotFound = errors.New("cart item not found")
	// ErrReferenceExists возвращается при повторном создании сессии с той же ссылкой.
	ErrReferenceExists = errors.New("payment reference already exists")
	// ErrSessionNotFound возвращается, если платёжная сессия не найдена.
	ErrSessionNotFound = errors.New("payment session not found")
	// ErrSessionFailed возвращается при попытке выдать доступ по сессии, закрытой как неуспешная.
	ErrSessionFailed = errors.New("payment session already failed")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

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

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second},
	}

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

// withRetry повторяет fn при конфликтах сериализации, взаимоблокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateAccount создаёт учётную запись вместе с профилем.
func (r *PostgresRepository) CreateAccount(ctx context.Context, acc model.Account) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO accounts (login, password_hash, kind, school_name, admin_email, admin_phone, first_name, last_name, email, phone)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		acc.Login, acc.PasswordHash, string(acc.Kind),
		acc.SchoolName, acc.AdminEmail, acc.AdminPhone,
		acc.FirstName, acc.LastName, acc.Email, acc.Phone,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrAccountExists, acc.Login)
		}
		return 0, fmt.Errorf("create account: %w", err)
	}
	return id, nil
}

const accountColumns = `id, login, password_hash, kind, school_name, admin_email, admin_phone, first_name, last_name, email, phone, created_at`

// GetAccountByLogin возвращает учётную запись по логину.
func (r *PostgresRepository) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE login = $1`, login)
	return scanAccount(row)
}

// GetAccount возвращает учётную запись по идентификатору.
func (r *PostgresRepository) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a    model.Account
		kind string
	)
	err := row.Scan(&a.ID, &a.Login, &a.PasswordHash, &kind,
		&a.SchoolName, &a.AdminEmail, &a.AdminPhone,
		&a.FirstName, &a.LastName, &a.Email, &a.Phone, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.Kind = model.AccountKind(kind)
	return &a, nil
}

// SetYearbookPrice задаёт цену альбома школы за год. Уже добавленные в корзины позиции не меняются.
func (r *PostgresRepository) SetYearbookPrice(ctx context.Context, schoolID int64, year int, price decimal.Decimal) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO yearbooks (school_id, year, price_base) VALUES ($1, $2, $3)
		 ON CONFLICT (school_id, year) DO UPDATE SET price_base = EXCLUDED.price_base, updated_at = now()`,
		schoolID, year, price.String(),
	)
	if err != nil {
		return fmt.Errorf("set yearbook price: %w", err)
	}
	return nil
}

// GetYearbookPrice возвращает текущую цену альбома в базовой валюте.
func (r *PostgresRepository) GetYearbookPrice(ctx context.Context, schoolID int64, year int) (decimal.Decimal, error) {
	var raw string
	err := r.pool.QueryRow(ctx,
		`SELECT price_base::text FROM yearbooks WHERE school_id = $1 AND year = $2`,
		schoolID, year,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrYearbookNotFound
		}
		return decimal.Zero, fmt.Errorf("get yearbook price: %w", err)
	}
	return parseDecimal(raw)
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", raw, err)
	}
	return d, nil
}
