package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoAccount is returned when no usable Bilibili account matches a lookup.
var ErrNoAccount = errors.New("no usable bilibili account")

// Account is a stored Bilibili credential.
type Account struct {
	ID        string
	UID       string
	Nickname  string
	Cookie    string
	Status    string // valid | expired
	IsDefault bool
}

// AccountStore resolves Bilibili credentials for collection requests.
type AccountStore interface {
	// CookieFor resolves the cookie for a task: the bound account when
	// set and still valid, otherwise the global default account.
	// Returns ErrNoAccount when neither exists.
	CookieFor(ctx context.Context, boundAccountID string) (string, error)
	// MarkExpired flags an account whose credential was rejected upstream.
	MarkExpired(ctx context.Context, accountID string) error
}

type accountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore wraps a pgxpool with the AccountStore interface.
func NewAccountStore(pool *pgxpool.Pool) AccountStore {
	return &accountStore{pool: pool}
}

func (s *accountStore) CookieFor(ctx context.Context, boundAccountID string) (string, error) {
	if boundAccountID != "" {
		cookie, err := s.cookieByID(ctx, boundAccountID)
		if err == nil {
			return cookie, nil
		}
		if !errors.Is(err, ErrNoAccount) {
			return "", err
		}
		// Bound account gone or expired: fall through to the default.
	}

	var cookie string
	err := s.pool.QueryRow(ctx, `
		SELECT cookie FROM bili_accounts
		WHERE is_default = TRUE AND status = 'valid'
		ORDER BY updated_at DESC
		LIMIT 1
	`).Scan(&cookie)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoAccount
		}
		return "", fmt.Errorf("lookup default account: %w", err)
	}
	return cookie, nil
}

func (s *accountStore) cookieByID(ctx context.Context, id string) (string, error) {
	var cookie string
	err := s.pool.QueryRow(ctx, `
		SELECT cookie FROM bili_accounts
		WHERE id = $1 AND status = 'valid'
	`, id).Scan(&cookie)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoAccount
		}
		return "", fmt.Errorf("lookup account %s: %w", id, err)
	}
	return cookie, nil
}

func (s *accountStore) MarkExpired(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bili_accounts SET status = 'expired', updated_at = $2
		WHERE id = $1
	`, accountID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark account %s expired: %w", accountID, err)
	}
	return nil
}
