package models

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Account is one login loaded from the accounts file. Proxies holds the
// comma-joined history of every proxy ever assigned to the account.
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:a"`

	ID        int64     `bun:",pk,autoincrement"`
	Email     string    `bun:",unique,notnull"`
	Proxies   string    `bun:",notnull"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

// ProxyList splits the assignment history.
func (a *Account) ProxyList() []string {
	return SplitProxies(a.Proxies)
}

// HasProxy reports whether proxy is already in the assignment history.
func (a *Account) HasProxy(proxy string) bool {
	for _, p := range a.ProxyList() {
		if p == proxy {
			return true
		}
	}
	return false
}

// SplitProxies splits a comma-joined proxy list, dropping empty entries.
func SplitProxies(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
