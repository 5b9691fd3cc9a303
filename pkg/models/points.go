package models

import (
	"time"

	"github.com/uptrace/bun"
)

// PointStat stores the last points value reported for an account. Points is
// kept as reported and parsed when totals are computed.
type PointStat struct {
	bun.BaseModel `bun:"table:point_stats,alias:ps"`

	AccountID string    `bun:",pk"`
	Email     string    `bun:",notnull"`
	Points    string    `bun:",notnull"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
