package database

import (
	"context"
	"math"
	"strconv"
	"strings"

	"relay-farm/pkg/models"
)

// RecordPoints upserts the points value reported for an account.
func (db *DB) RecordPoints(ctx context.Context, accountID, email, points string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	stat := &models.PointStat{AccountID: accountID, Email: email, Points: points}
	_, err := db.NewInsert().
		Model(stat).
		On("CONFLICT (account_id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("points = EXCLUDED.points").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)
	if err != nil {
		return storeErr("record points", err)
	}

	return nil
}

// TotalPoints sums, per email, the largest numeric points value on record.
// Values that do not parse as a number are left out of the sum.
func (db *DB) TotalPoints(ctx context.Context) (float64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var stats []models.PointStat
	if err := db.NewSelect().Model(&stats).Scan(ctx); err != nil {
		return 0, storeErr("list points", err)
	}

	best := make(map[string]float64, len(stats))
	for _, s := range stats {
		v, ok := parsePoints(s.Points)
		if !ok {
			continue
		}
		if cur, seen := best[s.Email]; !seen || v > cur {
			best[s.Email] = v
		}
	}

	var total float64
	for _, v := range best {
		total += v
	}

	return total, nil
}

func parsePoints(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
