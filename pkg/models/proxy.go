package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ProxyStatus string

const (
	ProxySpare       ProxyStatus = "spare"
	ProxyAssigned    ProxyStatus = "assigned"
	ProxyQuarantined ProxyStatus = "quarantined"
)

// Proxy is the single authoritative record of a proxy endpoint's pool
// membership. A proxy has exactly one status at a time; Owner is only set
// while the status is ProxyAssigned.
type Proxy struct {
	bun.BaseModel `bun:"table:proxies,alias:p"`

	URL       string      `bun:"url,pk"`
	Status    ProxyStatus `bun:",notnull"`
	Owner     string      `bun:",nullzero"`
	UpdatedAt time.Time   `bun:",nullzero,notnull,default:current_timestamp"`
}
