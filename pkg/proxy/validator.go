package proxy

import (
	"context"
	"log/slog"
	"time"

	"relay-farm/pkg/fetch"
	"relay-farm/pkg/ipinfo"
)

const defaultValidateTimeout = 5 * time.Second

// Validator checks that a proxy can reach a known IP lookup endpoint.
type Validator struct {
	URL     string
	Timeout time.Duration
	logger  *slog.Logger
}

func NewValidator(url string, timeout time.Duration, logger *slog.Logger) *Validator {
	if url == "" {
		url = ipinfo.DefaultURL
	}
	if timeout <= 0 {
		timeout = defaultValidateTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Validator{
		URL:     url,
		Timeout: timeout,
		logger:  logger,
	}
}

// Validate performs one GET through proxyURL and reports whether it answered
// with a 200 JSON body carrying an ip field. Failures are logged, never
// returned.
func (v *Validator) Validate(ctx context.Context, proxyURL string) bool {
	client, err := fetch.NewClient(fetch.Options{Proxy: proxyURL, Timeout: v.Timeout})
	if err != nil {
		v.logger.Warn("Proxy validation failed", "proxy", Redact(proxyURL), "error", err)
		return false
	}
	defer client.CloseIdleConnections()

	info, err := ipinfo.Lookup(ctx, client, v.URL)
	if err != nil {
		v.logger.Warn("Proxy validation failed", "proxy", Redact(proxyURL), "error", err)
		return false
	}

	v.logger.Debug("Proxy validated", "proxy", Redact(proxyURL), "ip", info.IP)
	return true
}
