package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"relay-farm/pkg/fetch"
	"relay-farm/pkg/proxy"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBaseURL = "https://api.getgrass.io"
	DefaultTimeout = 30 * time.Second

	appOrigin = "https://app.getgrass.io"
)

// policy is a retry schedule: up to attempts calls, waiting wait ± jitter
// between them.
type policy struct {
	attempts uint64
	wait     time.Duration
	jitter   float64
}

var (
	loginPolicy  = policy{attempts: 12, wait: 10 * time.Second, jitter: 0.2}
	userPolicy   = policy{attempts: 3}
	claimPolicy  = policy{attempts: 3, wait: 6 * time.Second, jitter: 1.0 / 6}
	pointsPolicy = policy{attempts: 3, wait: 6 * time.Second, jitter: 1.0 / 6}
	scorePolicy  = policy{attempts: 3}

	claimTiers = 8
)

type Config struct {
	BaseURL   string
	Email     string
	Password  string
	UserAgent string
	Proxy     string
	Timeout   time.Duration
}

// Client talks to the account REST API through one proxy. Login must
// succeed before the other calls, which carry the access token.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	token string

	newBackOff func(p policy) backoff.BackOff
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := fetch.NewClient(fetch.Options{Proxy: cfg.Proxy, Timeout: cfg.Timeout})
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:        cfg,
		client:     client,
		logger:     logger.With("account", cfg.Email, "proxy", proxy.Redact(cfg.Proxy)),
		newBackOff: jitteredBackOff,
		sleep:      sleepContext,
	}, nil
}

func jitteredBackOff(p policy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.wait
	b.RandomizationFactor = p.jitter
	b.Multiplier = 1
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs op under p. Errors wrapped with backoff.Permanent stop the
// loop and are returned unwrapped.
func (c *Client) retry(ctx context.Context, name string, p policy, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(p), p.attempts-1), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		c.logger.Info("Retrying", "call", name, "wait", wait.Round(time.Millisecond), "error", err)
	})
}

func (c *Client) headers() http.Header {
	h := http.Header{
		"Accept":          {"application/json, text/plain, */*"},
		"Accept-Language": {"en-US,en;q=0.9"},
		"Content-Type":    {"application/json"},
		"Origin":          {appOrigin},
		"Referer":         {appOrigin + "/"},
	}
	if c.cfg.UserAgent != "" {
		h.Set("User-Agent", c.cfg.UserAgent)
	}
	if token := c.accessToken(); token != "" {
		h.Set("Authorization", token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*fetch.Result, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	return fetch.Do(ctx, c.client, c.cfg.BaseURL+path, fetch.Options{
		Method:  method,
		Headers: c.headers(),
		Body:    payload,
	})
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

type LoginResult struct {
	UserID      string
	AccessToken string
}

type apiError struct {
	Message string `json:"message"`
}

type loginResponse struct {
	Result struct {
		Data struct {
			AccessToken string `json:"accessToken"`
			UserID      string `json:"userId"`
		} `json:"data"`
	} `json:"result"`
	Error *apiError `json:"error"`
}

// Login exchanges the account credentials for an access token.
func (c *Client) Login(ctx context.Context) (LoginResult, error) {
	var result LoginResult
	err := c.retry(ctx, "login", loginPolicy, func() error {
		res, err := c.do(ctx, http.MethodPost, "/login", map[string]string{
			"password": c.cfg.Password,
			"username": c.cfg.Email,
		})
		if err != nil {
			return err
		}

		var resp loginResponse
		jsonErr := json.Unmarshal(res.Body, &resp)
		if jsonErr == nil && resp.Error != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrAuthentication, resp.Error.Message))
		}
		if bytes.Contains(bytes.ToLower(res.Body), []byte("doctype html")) {
			return fmt.Errorf("%w: login status %d", ErrEdgeBlocked, res.Response.StatusCode)
		}
		if res.Response.StatusCode == http.StatusForbidden {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrProxyBlocked, truncate(res.Body, 200)))
		}
		if res.Response.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: login status %d: %s", ErrUnexpectedResponse, res.Response.StatusCode, truncate(res.Body, 200))
		}
		if jsonErr != nil {
			return fmt.Errorf("%w: login body: %v", ErrUnexpectedResponse, jsonErr)
		}
		if resp.Result.Data.AccessToken == "" {
			return fmt.Errorf("%w: login without access token", ErrUnexpectedResponse)
		}

		result = LoginResult{UserID: resp.Result.Data.UserID, AccessToken: resp.Result.Data.AccessToken}
		return nil
	})
	if err != nil {
		return LoginResult{}, err
	}

	c.mu.Lock()
	c.token = result.AccessToken
	c.mu.Unlock()
	return result, nil
}

// RetrieveUser returns the raw account document.
func (c *Client) RetrieveUser(ctx context.Context) (map[string]any, error) {
	var user map[string]any
	err := c.retry(ctx, "retrieve user", userPolicy, func() error {
		return c.getJSON(ctx, "/retrieveUser", &user)
	})
	return user, err
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	res, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res.Body, v); err != nil {
		return fmt.Errorf("%w: %s status %d: %s", ErrUnexpectedResponse, path, res.Response.StatusCode, truncate(res.Body, 200))
	}
	return nil
}

// ClaimRewards claims every referral tier in turn, pausing between tiers.
func (c *Client) ClaimRewards(ctx context.Context) error {
	for tier := 1; tier <= claimTiers; tier++ {
		err := c.retry(ctx, "claim reward", claimPolicy, func() error {
			res, err := c.do(ctx, http.MethodPost, "/claimReward", nil)
			if err != nil {
				return err
			}
			var resp struct {
				Result json.RawMessage `json:"result"`
			}
			if err := json.Unmarshal(res.Body, &resp); err != nil || !isEmptyObject(resp.Result) {
				return fmt.Errorf("%w: claim status %d: %s", ErrUnexpectedResponse, res.Response.StatusCode, truncate(res.Body, 200))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("claim tier %d: %w", tier, err)
		}
		c.logger.Debug("Claimed reward tier", "tier", tier)

		if err := c.sleep(ctx, randomBetween(time.Second, 3*time.Second)); err != nil {
			return err
		}
	}
	return nil
}

func isEmptyObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil && m != nil && len(m) == 0
}

func randomBetween(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

const noEpochEarnings = "User epoch earning not found."

// EpochPoints returns the cumulative points as the API reports them. An
// account without earnings reports "0"; other API error messages are
// returned as the value.
func (c *Client) EpochPoints(ctx context.Context) (string, error) {
	var points string
	err := c.retry(ctx, "points", pointsPolicy, func() error {
		var resp struct {
			Data struct {
				EpochEarnings []struct {
					TotalCumulativePoints json.RawMessage `json:"totalCumulativePoints"`
				} `json:"epochEarnings"`
			} `json:"data"`
			Error *apiError `json:"error"`
		}
		if err := c.getJSON(ctx, "/users/earnings/epochs", &resp); err != nil {
			return err
		}

		if e := resp.Data.EpochEarnings; len(e) > 0 && len(e[0].TotalCumulativePoints) > 0 && string(e[0].TotalCumulativePoints) != "null" {
			points = rawScalar(e[0].TotalCumulativePoints)
			return nil
		}
		if resp.Error != nil && resp.Error.Message != "" {
			if resp.Error.Message == noEpochEarnings {
				points = "0"
			} else {
				points = resp.Error.Message
			}
			return nil
		}
		return fmt.Errorf("%w: no points in response", ErrUnexpectedResponse)
	})
	return points, err
}

// rawScalar renders a JSON string or number as text.
func rawScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ProxyScore returns the reputation score the API holds for the proxy's
// current exit IP, or -1 when no active device matches it.
func (c *Client) ProxyScore(ctx context.Context) (float64, error) {
	score := -1.0
	err := c.retry(ctx, "proxy score", scorePolicy, func() error {
		var devices struct {
			Result struct {
				Data []struct {
					IPAddress string  `json:"ipAddress"`
					IPScore   float64 `json:"ipScore"`
				} `json:"data"`
			} `json:"result"`
		}
		if err := c.getJSON(ctx, "/activeIps", &devices); err != nil {
			return err
		}
		if len(devices.Result.Data) == 0 {
			return nil
		}

		ip, err := c.IP(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices.Result.Data {
			if d.IPAddress == ip {
				score = d.IPScore
				return nil
			}
		}
		return nil
	})
	return score, err
}

// IP returns the exit IP the API sees for this client.
func (c *Client) IP(ctx context.Context) (string, error) {
	var resp struct {
		IP     string `json:"ip"`
		Result struct {
			Data struct {
				IP string `json:"ip"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, "/ip", &resp); err != nil {
		return "", err
	}
	if resp.IP != "" {
		return resp.IP, nil
	}
	if resp.Result.Data.IP != "" {
		return resp.Result.Data.IP, nil
	}
	return "", fmt.Errorf("%w: no ip in response", ErrUnexpectedResponse)
}

// CloseIdleConnections releases pooled proxy connections.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
