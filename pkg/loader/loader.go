// Package loader reads the account and proxy lists and seeds the store
// from them at startup.
package loader

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"relay-farm/pkg/fetch"
	"relay-farm/pkg/proxy"
	"relay-farm/pkg/supervisor"
)

const configFetchTimeout = 15 * time.Second

// readLines returns the non-blank, non-comment lines of filename.
func readLines(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return lines, nil
}

// ReadAccounts reads email:password lines. Anything after a second colon
// is ignored; lines without a password are skipped.
func ReadAccounts(filename string) ([]supervisor.Account, error) {
	lines, err := readLines(filename)
	if err != nil {
		return nil, err
	}

	accounts := make([]supervisor.Account, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			slog.Error("Invalid account format, expected email:password", "line", line)
			continue
		}
		accounts = append(accounts, supervisor.Account{Email: parts[0], Password: parts[1]})
	}

	return accounts, nil
}

// ReadProxies reads one proxy per line and normalises each to a URL,
// fetching ssconfig:// lines. Lines that do not resolve are skipped.
func ReadProxies(ctx context.Context, filename string) ([]string, error) {
	lines, err := readLines(filename)
	if err != nil {
		return nil, err
	}

	client, err := fetch.NewClient(fetch.Options{Timeout: configFetchTimeout})
	if err != nil {
		return nil, err
	}
	defer client.CloseIdleConnections()

	proxies := make([]string, 0, len(lines))
	for _, line := range lines {
		p, err := proxy.Resolve(ctx, client, line)
		if err != nil {
			slog.Error("Error parsing proxy", "line", proxy.Redact(line), "error", err)
			continue
		}
		proxies = append(proxies, p)
	}

	return proxies, nil
}

// Store is what seeding needs from the account/proxy store.
type Store interface {
	ResetForRun(ctx context.Context) error
	IsProxyAssigned(ctx context.Context, proxy string) (string, error)
	AssignProxy(ctx context.Context, email, proxy string) error
	ReplaceSparePool(ctx context.Context, proxies []string) error
	ResetQuarantineOnStartup(ctx context.Context) error
	StartQuarantineJanitor(interval time.Duration)
}

type SeedResult struct {
	Assigned int
	Skipped  int
	Spare    int
}

// Seed empties the store, pairs accounts with proxies by position, puts the
// remaining proxies in the spare pool and resets the quarantine. A proxy
// listed twice is only handed to the first account; the other will draw
// from the pool. A positive quarantineInterval starts the periodic
// quarantine clear.
func Seed(ctx context.Context, store Store, accounts []supervisor.Account, proxies []string, quarantineInterval time.Duration) (SeedResult, error) {
	var res SeedResult

	if err := store.ResetForRun(ctx); err != nil {
		return res, err
	}

	for i, account := range accounts {
		if i >= len(proxies) {
			break
		}
		p := proxies[i]

		owner, err := store.IsProxyAssigned(ctx, p)
		if err != nil {
			return res, err
		}
		if owner != "" {
			slog.Debug("Proxy already assigned", "proxy", proxy.Redact(p), "owner", owner, "account", account.Email)
			res.Skipped++
			continue
		}

		if err := store.AssignProxy(ctx, account.Email, p); err != nil {
			return res, err
		}
		res.Assigned++
	}

	var extra []string
	if len(proxies) > len(accounts) {
		extra = proxies[len(accounts):]
	}
	if err := store.ReplaceSparePool(ctx, extra); err != nil {
		return res, err
	}
	res.Spare = len(extra)

	if err := store.ResetQuarantineOnStartup(ctx); err != nil {
		return res, err
	}
	store.StartQuarantineJanitor(quarantineInterval)

	slog.Info("Store seeded", "assigned", res.Assigned, "skipped", res.Skipped, "spare", res.Spare)
	return res, nil
}
