package supervisor

import (
	"context"
	"errors"

	"relay-farm/pkg/api"
	"relay-farm/pkg/database"
	"relay-farm/pkg/node"
	"relay-farm/pkg/proxy"

	"golang.org/x/sync/errgroup"
)

// Claim logs every account in and claims its referral rewards, running at
// most Threads accounts at once. No relay session is opened.
func (s *Supervisor) Claim(ctx context.Context, accounts []Account) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Threads)

	for _, account := range accounts {
		s.track(account.Email)
		g.Go(func() error {
			return s.claimAccount(gctx, account)
		})
	}

	return g.Wait()
}

func (s *Supervisor) claimAccount(ctx context.Context, account Account) error {
	logger := s.logger.With("account", account.Email)
	userAgent := s.cfg.Node.UserAgent
	if userAgent == "" {
		userAgent = node.RandomUserAgent()
	}

	for ctx.Err() == nil {
		proxyURL, err := s.acquireProxy(ctx, account.Email)
		if err != nil {
			if errors.Is(err, database.ErrStoreUnavailable) {
				return err
			}
			return nil
		}
		if proxyURL == "" {
			logger.Warn("No usable proxy left, skipping claim")
			s.stop(account.Email, "no usable proxy")
			return nil
		}
		logger := logger.With("proxy", proxy.Redact(proxyURL))
		s.update(account.Email, func(st *accountState) {
			st.Proxy = proxyURL
			st.State = stateLogin
		})

		client, err := s.newAPI(account, proxyURL, userAgent)
		if err != nil {
			if err := s.reject(ctx, account.Email, proxyURL, err); errors.Is(err, database.ErrStoreUnavailable) {
				return err
			}
			continue
		}

		err = s.claimWith(ctx, client)
		client.CloseIdleConnections()
		switch {
		case err == nil:
			logger.Info("Rewards claimed")
			s.update(account.Email, func(st *accountState) { st.State = stateClaimed })
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, api.ErrProxyBlocked):
			logger.Warn("Proxy blocked at login", "error", err)
			if err := s.reject(ctx, account.Email, proxyURL, err); errors.Is(err, database.ErrStoreUnavailable) {
				return err
			}
		default:
			logger.Warn("Claim failed", "error", err)
			s.stop(account.Email, err.Error())
			return nil
		}
	}

	return nil
}

func (s *Supervisor) claimWith(ctx context.Context, client API) error {
	if _, err := client.Login(ctx); err != nil {
		return err
	}
	return client.ClaimRewards(ctx)
}
