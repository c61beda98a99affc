package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	crdbpgxv5 "github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgxv5"
	"github.com/jackc/pgx/v5"

	"github.com/garmaxai/backend/internal/db"
	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/models"
)

// PostgresLedger keeps credit balances and reservations in the database.
// Each reserve and refund locks the account row, so concurrent calls on one
// account serialise and the balance never goes negative.
type PostgresLedger struct {
	pool db.Pool
}

// NewPostgresLedger constructs a ledger backed by PostgreSQL.
func NewPostgresLedger(pool db.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Reserve implements ledger.Ledger.
func (l *PostgresLedger) Reserve(ctx context.Context, req ledger.ReserveRequest) (models.Reservation, error) {
	if req.Credits < 0 {
		return models.Reservation{}, ledger.ErrInvalidAmount
	}
	if strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.Key) == "" {
		return models.Reservation{}, ledger.ErrAccountNotFound
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return models.Reservation{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var res models.Reservation
	err = crdbpgxv5.ExecuteTx(ctx, conn, pgx.TxOptions{}, func(tx pgx.Tx) error {
		account, err := lockAccount(ctx, tx, req.AccountID)
		switch {
		case errors.Is(err, ledger.ErrAccountNotFound):
			if req.Credits > 0 {
				return ledger.ErrInsufficientCredits
			}
			if _, err := tx.Exec(ctx, `INSERT INTO credit_accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, req.AccountID); err != nil {
				return fmt.Errorf("create account: %w", err)
			}
			account = models.CreditAccount{ID: req.AccountID}
		case err != nil:
			return err
		}

		existing, err := findReservation(ctx, tx, req.AccountID, req.Key)
		if err == nil {
			res = existing
			return nil
		}
		if !errors.Is(err, ledger.ErrReservationNotFound) {
			return err
		}

		res = models.Reservation{AccountID: req.AccountID, Key: req.Key, Tier: req.Tier}
		switch {
		case req.AllowQuota && account.QuotaCovers(req.Tier):
			res.QuotaUnits = 1
		case account.Balance >= req.Credits:
			res.Credits = req.Credits
		default:
			return ledger.ErrInsufficientCredits
		}

		if _, err := tx.Exec(ctx, `
            UPDATE credit_accounts
            SET balance = balance - $2, quota_used = quota_used + $3, updated_at = NOW()
            WHERE id = $1
        `, req.AccountID, res.Credits, res.QuotaUnits); err != nil {
			if isCheckViolation(err) {
				return ledger.ErrInsufficientCredits
			}
			return fmt.Errorf("debit account: %w", err)
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO credit_reservations (account_id, reservation_key, tier, credits, quota_units)
            VALUES ($1, $2, $3, $4, $5)
        `, res.AccountID, res.Key, string(res.Tier), res.Credits, res.QuotaUnits); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}
	return res, nil
}

// Refund implements ledger.Ledger.
func (l *PostgresLedger) Refund(ctx context.Context, accountID, key string) (models.Reservation, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return models.Reservation{}, false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var (
		res      models.Reservation
		refunded bool
	)
	err = crdbpgxv5.ExecuteTx(ctx, conn, pgx.TxOptions{}, func(tx pgx.Tx) error {
		refunded = false
		if _, err := lockAccount(ctx, tx, accountID); err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return ledger.ErrReservationNotFound
			}
			return err
		}

		var (
			tier       string
			refundedAt *time.Time
		)
		err := tx.QueryRow(ctx, `
            SELECT tier, credits, quota_units, refunded_at
            FROM credit_reservations
            WHERE account_id = $1 AND reservation_key = $2
        `, accountID, key).Scan(&tier, &res.Credits, &res.QuotaUnits, &refundedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ledger.ErrReservationNotFound
			}
			return fmt.Errorf("select reservation: %w", err)
		}
		res.AccountID = accountID
		res.Key = key
		res.Tier = models.Quality(tier)
		if refundedAt != nil {
			return nil
		}

		if _, err := tx.Exec(ctx, `
            UPDATE credit_accounts
            SET balance = balance + $2, quota_used = GREATEST(quota_used - $3, 0), updated_at = NOW()
            WHERE id = $1
        `, accountID, res.Credits, res.QuotaUnits); err != nil {
			return fmt.Errorf("credit account: %w", err)
		}
		if _, err := tx.Exec(ctx, `
            UPDATE credit_reservations SET refunded_at = NOW()
            WHERE account_id = $1 AND reservation_key = $2
        `, accountID, key); err != nil {
			return fmt.Errorf("mark reservation refunded: %w", err)
		}
		refunded = true
		return nil
	})
	if err != nil {
		return models.Reservation{}, false, err
	}
	return res, refunded, nil
}

// AddCredits implements ledger.Ledger.
func (l *PostgresLedger) AddCredits(ctx context.Context, accountID string, amount int64) error {
	if amount < 0 {
		return ledger.ErrInvalidAmount
	}
	if strings.TrimSpace(accountID) == "" {
		return ledger.ErrAccountNotFound
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO credit_accounts (id, balance) VALUES ($1, $2)
        ON CONFLICT (id) DO UPDATE SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = NOW()
    `, accountID, amount)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// SetQuota configures the subscription allotment for an account.
func (l *PostgresLedger) SetQuota(ctx context.Context, accountID string, limit int, tier models.Quality) error {
	if limit < 0 {
		return ledger.ErrInvalidAmount
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO credit_accounts (id, quota_limit, quota_tier) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET quota_limit = EXCLUDED.quota_limit, quota_tier = EXCLUDED.quota_tier, updated_at = NOW()
    `, accountID, limit, string(tier))
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	return nil
}

// Account implements ledger.Ledger.
func (l *PostgresLedger) Account(ctx context.Context, accountID string) (models.CreditAccount, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	return scanAccount(conn.QueryRow(ctx, `
        SELECT id, balance, quota_used, quota_limit, quota_tier, updated_at
        FROM credit_accounts WHERE id = $1
    `, accountID))
}

func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (models.CreditAccount, error) {
	return scanAccount(tx.QueryRow(ctx, `
        SELECT id, balance, quota_used, quota_limit, quota_tier, updated_at
        FROM credit_accounts WHERE id = $1 FOR UPDATE
    `, accountID))
}

func scanAccount(row pgx.Row) (models.CreditAccount, error) {
	var (
		a    models.CreditAccount
		tier string
	)
	if err := row.Scan(&a.ID, &a.Balance, &a.QuotaUsed, &a.QuotaLimit, &tier, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CreditAccount{}, ledger.ErrAccountNotFound
		}
		return models.CreditAccount{}, fmt.Errorf("select account: %w", err)
	}
	a.QuotaTier = models.Quality(tier)
	return a, nil
}

func findReservation(ctx context.Context, tx pgx.Tx, accountID, key string) (models.Reservation, error) {
	var (
		res  = models.Reservation{AccountID: accountID, Key: key}
		tier string
	)
	err := tx.QueryRow(ctx, `
        SELECT tier, credits, quota_units
        FROM credit_reservations
        WHERE account_id = $1 AND reservation_key = $2
    `, accountID, key).Scan(&tier, &res.Credits, &res.QuotaUnits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Reservation{}, ledger.ErrReservationNotFound
		}
		return models.Reservation{}, fmt.Errorf("select reservation: %w", err)
	}
	res.Tier = models.Quality(tier)
	return res, nil
}

var _ ledger.Ledger = (*PostgresLedger)(nil)
