package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"relay-farm/pkg/models"

	"github.com/uptrace/bun"
)

// AssignProxy records proxy in the account's assignment history and marks the
// proxy as owned by the account. Assigning an already recorded proxy is a
// no-op.
func (db *DB) AssignProxy(ctx context.Context, email, proxy string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var account models.Account
		err := tx.NewSelect().
			Model(&account).
			Where("email = ?", email).
			Scan(ctx)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			account = models.Account{Email: email, Proxies: proxy}
			if _, err := tx.NewInsert().Model(&account).Exec(ctx); err != nil {
				return err
			}
		case err != nil:
			return err
		case account.HasProxy(proxy):
			return nil
		default:
			account.Proxies = strings.Join(append(account.ProxyList(), proxy), ",")
			_, err := tx.NewUpdate().
				Model(&account).
				Set("proxies = ?", account.Proxies).
				Set("updated_at = CURRENT_TIMESTAMP").
				Where("email = ?", email).
				Exec(ctx)
			if err != nil {
				return err
			}
		}

		return setProxyStatus(ctx, tx, proxy, models.ProxyAssigned, email)
	})
	if err != nil {
		return storeErr("assign proxy", err)
	}

	return nil
}

// IsProxyAssigned returns the email of the first account whose assignment
// history contains proxy, or "" when no account has it.
func (db *DB) IsProxyAssigned(ctx context.Context, proxy string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var accounts []models.Account
	err := db.NewSelect().
		Model(&accounts).
		Order("id").
		Scan(ctx)
	if err != nil {
		return "", storeErr("list accounts", err)
	}

	for i := range accounts {
		if accounts[i].HasProxy(proxy) {
			return accounts[i].Email, nil
		}
	}

	return "", nil
}

// proxiesForAccount returns the assignment history of an account, oldest
// first. The caller holds db.mu.
func (db *DB) proxiesForAccount(ctx context.Context, email string) ([]string, error) {
	var account models.Account
	err := db.NewSelect().
		Model(&account).
		Where("email = ?", email).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("get account", err)
	}

	return account.ProxyList(), nil
}

// ActiveProxy returns the most recently assigned proxy that the account
// still owns, or "" if every proxy it had was quarantined or released.
func (db *DB) ActiveProxy(ctx context.Context, email string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	history, err := db.proxiesForAccount(ctx, email)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", nil
	}

	var owned []models.Proxy
	err = db.NewSelect().
		Model(&owned).
		Where("url IN (?)", bun.In(history)).
		Where("status = ?", models.ProxyAssigned).
		Where("owner = ?", email).
		Scan(ctx)
	if err != nil {
		return "", storeErr("get owned proxies", err)
	}

	ownedSet := make(map[string]struct{}, len(owned))
	for _, p := range owned {
		ownedSet[p.URL] = struct{}{}
	}
	for i := len(history) - 1; i >= 0; i-- {
		if _, ok := ownedSet[history[i]]; ok {
			return history[i], nil
		}
	}

	return "", nil
}

// ResetForRun empties the account, proxy and points tables so a run starts
// from the current input files only.
func (db *DB) ResetForRun(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range []interface{}{
			(*models.Account)(nil),
			(*models.Proxy)(nil),
			(*models.PointStat)(nil),
		} {
			if _, err := tx.NewDelete().Model(model).Where("1 = 1").Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr("reset store", err)
	}

	return nil
}
