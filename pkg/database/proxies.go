package database

import (
	"context"
	"database/sql"
	"errors"

	"relay-farm/pkg/models"
	"relay-farm/pkg/proxy"

	"github.com/uptrace/bun"
)

// Validator reports whether a proxy is usable.
type Validator interface {
	Validate(ctx context.Context, proxy string) bool
}

// DrawProxy draws a random spare proxy for the account, validating each
// candidate. Candidates are reserved for email before validation so that
// concurrent draws never hand out the same proxy; a candidate that fails
// validation is quarantined and the draw moves on. It returns "" once the
// spare pool is exhausted.
func (db *DB) DrawProxy(ctx context.Context, email string, validator Validator) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		candidate, err := db.reserveSpare(ctx, email)
		if err != nil {
			return "", err
		}
		if candidate == "" {
			return "", nil
		}

		db.logger.Info("Checking proxy", "proxy", proxy.Redact(candidate), "account", email)

		if validator.Validate(ctx, candidate) {
			if err := db.AssignProxy(ctx, email, candidate); err != nil {
				return "", err
			}
			return candidate, nil
		}

		if ctx.Err() != nil {
			// the check was cut short, not failed
			if err := db.ReleaseProxy(context.WithoutCancel(ctx), candidate); err != nil {
				return "", err
			}
			return "", ctx.Err()
		}

		if err := db.QuarantineProxy(ctx, candidate); err != nil {
			return "", err
		}
		db.logger.Warn("Proxy failed validation, quarantined", "proxy", proxy.Redact(candidate))
	}
}

func (db *DB) reserveSpare(ctx context.Context, email string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var proxy models.Proxy
	err := db.NewSelect().
		Model(&proxy).
		Where("status = ?", models.ProxySpare).
		OrderExpr("RANDOM()").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", storeErr("select spare proxy", err)
	}

	if err := setProxyStatus(ctx, db.DB, proxy.URL, models.ProxyAssigned, email); err != nil {
		return "", storeErr("reserve proxy", err)
	}

	return proxy.URL, nil
}

// QuarantineProxy withholds proxy from future draws until the quarantine is
// cleared. Quarantining an unknown or already quarantined proxy is safe.
func (db *DB) QuarantineProxy(ctx context.Context, proxy string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := setProxyStatus(ctx, db.DB, proxy, models.ProxyQuarantined, ""); err != nil {
		return storeErr("quarantine proxy", err)
	}
	return nil
}

// ReleaseProxy puts proxy back into the spare pool.
func (db *DB) ReleaseProxy(ctx context.Context, proxy string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := setProxyStatus(ctx, db.DB, proxy, models.ProxySpare, ""); err != nil {
		return storeErr("release proxy", err)
	}
	return nil
}

// ProxyStatus returns the current status of proxy, or "" if the store has
// never seen it.
func (db *DB) ProxyStatus(ctx context.Context, proxy string) (models.ProxyStatus, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var p models.Proxy
	err := db.NewSelect().
		Model(&p).
		Where("url = ?", proxy).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", storeErr("get proxy", err)
	}

	return p.Status, nil
}

// SpareProxies lists the spare pool.
func (db *DB) SpareProxies(ctx context.Context) ([]string, error) {
	return db.proxiesWithStatus(ctx, models.ProxySpare)
}

// QuarantinedProxies lists the quarantine.
func (db *DB) QuarantinedProxies(ctx context.Context) ([]string, error) {
	return db.proxiesWithStatus(ctx, models.ProxyQuarantined)
}

func (db *DB) proxiesWithStatus(ctx context.Context, status models.ProxyStatus) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var urls []string
	err := db.NewSelect().
		Model((*models.Proxy)(nil)).
		Column("url").
		Where("status = ?", status).
		Order("url").
		Scan(ctx, &urls)
	if err != nil {
		return nil, storeErr("list proxies", err)
	}

	return urls, nil
}

// ReplaceSparePool atomically replaces the spare pool with proxies. Entries
// that are currently assigned or quarantined keep their status.
func (db *DB) ReplaceSparePool(ctx context.Context, proxies []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows := make([]models.Proxy, 0, len(proxies))
	seen := make(map[string]struct{}, len(proxies))
	for _, p := range proxies {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		rows = append(rows, models.Proxy{URL: p, Status: models.ProxySpare})
	}

	err := db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*models.Proxy)(nil)).
			Where("status = ?", models.ProxySpare).
			Exec(ctx)
		if err != nil {
			return err
		}

		if len(rows) == 0 {
			return nil
		}

		_, err = tx.NewInsert().
			Model(&rows).
			Ignore().
			Exec(ctx)
		return err
	})
	if err != nil {
		return storeErr("replace spare pool", err)
	}

	return nil
}

// ClearQuarantine returns every quarantined proxy to the spare pool.
func (db *DB) ClearQuarantine(ctx context.Context) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.clearQuarantine(ctx)
}

// ResetQuarantineOnStartup clears the quarantine the first time it is called
// on this store and does nothing afterwards.
func (db *DB) ResetQuarantineOnStartup(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.quarantineReset {
		return nil
	}

	n, err := db.clearQuarantine(ctx)
	if err != nil {
		return err
	}
	db.quarantineReset = true
	db.logger.Info("Quarantine cleared on startup", "released", n)

	return nil
}

func (db *DB) clearQuarantine(ctx context.Context) (int64, error) {
	res, err := db.NewUpdate().
		Model((*models.Proxy)(nil)).
		Set("status = ?", models.ProxySpare).
		Set("owner = NULL").
		Set("updated_at = CURRENT_TIMESTAMP").
		Where("status = ?", models.ProxyQuarantined).
		Exec(ctx)
	if err != nil {
		return 0, storeErr("clear quarantine", err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

func setProxyStatus(ctx context.Context, idb bun.IDB, proxy string, status models.ProxyStatus, owner string) error {
	row := &models.Proxy{URL: proxy, Status: status, Owner: owner}
	_, err := idb.NewInsert().
		Model(row).
		On("CONFLICT (url) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("owner = EXCLUDED.owner").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)
	return err
}
