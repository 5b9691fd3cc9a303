package supervisor

import (
	"context"
	"errors"
	"time"

	"relay-farm/pkg/database"
)

// pollPoints records every logged-in account's points on each tick and
// logs the store's total.
func (s *Supervisor) pollPoints(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PointsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.collectPoints(ctx); err != nil {
			if ctx.Err() == nil {
				s.logger.Error("Points collection failed", "error", err)
			}
			if errors.Is(err, database.ErrStoreUnavailable) {
				return
			}
		}
	}
}

type pointsTarget struct {
	email  string
	userID string
	client API
}

func (s *Supervisor) collectPoints(ctx context.Context) error {
	s.mu.Lock()
	var targets []pointsTarget
	for email, st := range s.accounts {
		if st.client != nil && st.userID != "" && !st.Stopped {
			targets = append(targets, pointsTarget{email: email, userID: st.userID, client: st.client})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		points, err := t.client.EpochPoints(ctx)
		if err != nil {
			s.logger.Debug("Points unavailable", "account", t.email, "error", err)
			continue
		}
		if err := s.store.RecordPoints(ctx, t.userID, t.email, points); err != nil {
			return err
		}
		s.update(t.email, func(st *accountState) { st.Points = points })
	}

	total, err := s.store.TotalPoints(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("Total points", "accounts", len(targets), "points", total)

	return nil
}
