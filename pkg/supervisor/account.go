package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay-farm/pkg/api"
	"relay-farm/pkg/database"
	"relay-farm/pkg/node"
	"relay-farm/pkg/proxy"

	"github.com/cenkalti/backoff/v4"
)

// errRedraw ends a proxy cycle when the proxy must be replaced.
var errRedraw = errors.New("proxy rejected")

// errStopAccount ends the account for this run.
var errStopAccount = errors.New("account stopped")

// errRetryLater ends a proxy cycle that should be retried after a backoff.
var errRetryLater = errors.New("retry later")

func (s *Supervisor) runAccount(ctx context.Context, account Account) error {
	logger := s.logger.With("account", account.Email)
	userAgent := s.cfg.Node.UserAgent
	if userAgent == "" {
		userAgent = node.RandomUserAgent()
	}

	bo := s.newBackOff()
	for ctx.Err() == nil {
		proxyURL, err := s.acquireProxy(ctx, account.Email)
		if err != nil {
			if errors.Is(err, database.ErrStoreUnavailable) {
				return err
			}
			return nil
		}
		if proxyURL == "" {
			logger.Warn("No usable proxy left, stopping account")
			s.stop(account.Email, "no usable proxy")
			return nil
		}

		s.update(account.Email, func(st *accountState) { st.Proxy = proxyURL })
		err = s.runProxy(ctx, account, proxyURL, userAgent, logger.With("proxy", proxy.Redact(proxyURL)))
		switch {
		case err == nil || ctx.Err() != nil:
			return nil
		case errors.Is(err, database.ErrStoreUnavailable):
			return err
		case errors.Is(err, errStopAccount):
			return nil
		case errors.Is(err, errRetryLater):
			wait := bo.NextBackOff()
			logger.Info("Retrying account", "error", err, "wait", wait.Round(time.Millisecond))
			s.update(account.Email, func(st *accountState) {
				st.State = stateBackoff
				st.LastError = err.Error()
			})
			if sleep(ctx, wait) != nil {
				return nil
			}
		case errors.Is(err, errRedraw):
			if s.cfg.StopOnForbidden {
				logger.Info("Cooling down before a fresh proxy", "cooldown", s.cfg.ForbiddenCooldown)
				s.update(account.Email, func(st *accountState) { st.State = stateCooldown })
				if sleep(ctx, s.cfg.ForbiddenCooldown) != nil {
					return nil
				}
			}
		default:
			return err
		}
	}

	return nil
}

// acquireProxy returns the account's current proxy, drawing a fresh one
// from the spare pool if it has none. "" means the pool is exhausted.
func (s *Supervisor) acquireProxy(ctx context.Context, email string) (string, error) {
	proxyURL, err := s.store.ActiveProxy(ctx, email)
	if err != nil || proxyURL != "" {
		return proxyURL, err
	}
	return s.store.DrawProxy(ctx, email, s.validator)
}

// runProxy logs in through proxyURL and keeps a session running on it. It
// returns errRedraw once the proxy has been quarantined, errRetryLater when
// login failed for a transient reason and errStopAccount when the account
// cannot continue.
func (s *Supervisor) runProxy(ctx context.Context, account Account, proxyURL, userAgent string, logger *slog.Logger) error {
	client, err := s.newAPI(account, proxyURL, userAgent)
	if err != nil {
		logger.Error("Invalid proxy", "error", err)
		return s.reject(ctx, account.Email, proxyURL, err)
	}
	defer client.CloseIdleConnections()

	s.update(account.Email, func(st *accountState) {
		st.State = stateLogin
		st.client = client
		st.session = nil
	})

	login, err := client.Login(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, api.ErrAuthentication):
		logger.Warn("Login rejected, stopping account", "error", err)
		s.stop(account.Email, err.Error())
		return errStopAccount
	case errors.Is(err, api.ErrProxyBlocked):
		logger.Warn("Proxy blocked at login", "error", err)
		return s.reject(ctx, account.Email, proxyURL, err)
	default:
		logger.Warn("Login failed", "error", err)
		return fmt.Errorf("%w: login: %v", errRetryLater, err)
	}
	s.update(account.Email, func(st *accountState) { st.userID = login.UserID })

	if s.cfg.MinProxyScore > 0 {
		score, err := client.ProxyScore(ctx)
		if err != nil {
			logger.Debug("Proxy score unavailable", "error", err)
		} else if score >= 0 && score < s.cfg.MinProxyScore {
			logger.Warn("Proxy score too low", "score", score, "min", s.cfg.MinProxyScore)
			return s.reject(ctx, account.Email, proxyURL, fmt.Errorf("score %v", score))
		}
	}

	identity := node.Identity{
		Email:     account.Email,
		UserID:    login.UserID,
		BrowserID: BrowserID(account.Email, proxyURL),
	}

	bo := s.newBackOff()
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		session, err := s.newSession(identity, proxyURL, userAgent)
		if err != nil {
			logger.Error("Invalid proxy", "error", err)
			return s.reject(ctx, account.Email, proxyURL, err)
		}
		s.update(account.Email, func(st *accountState) {
			st.session = session
			st.State = node.StateHandshaking.String()
		})

		err = session.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !session.Status().LastLive.IsZero() {
			bo.Reset()
		}

		s.update(account.Email, func(st *accountState) {
			st.Restarts++
			if err != nil {
				st.LastError = err.Error()
			}
		})

		if errors.Is(err, node.ErrForbiddenProxy) {
			logger.Warn("Proxy refused by relay", "error", err)
			return s.reject(ctx, account.Email, proxyURL, err)
		}

		wait := bo.NextBackOff()
		logger.Info("Session ended, restarting", "error", err, "wait", wait.Round(time.Millisecond))
		s.update(account.Email, func(st *accountState) { st.State = stateBackoff })
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reject quarantines proxyURL so the next acquire draws a fresh one.
func (s *Supervisor) reject(ctx context.Context, email, proxyURL string, cause error) error {
	if err := s.store.QuarantineProxy(ctx, proxyURL); err != nil {
		return err
	}
	s.update(email, func(st *accountState) {
		st.LastError = cause.Error()
		st.session = nil
	})
	return fmt.Errorf("%w: %v", errRedraw, cause)
}

func (s *Supervisor) stop(email, reason string) {
	s.update(email, func(st *accountState) {
		st.Stopped = true
		st.State = stateStopped
		st.LastError = reason
		st.session = nil
	})
}

func (s *Supervisor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
