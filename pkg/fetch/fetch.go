// Package fetch provides functionality to make HTTP requests through a proxy
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 5 * time.Second

// ErrBodyTooLarge is returned by Do when the response body exceeds
// Options.MaxBodySize.
var ErrBodyTooLarge = errors.New("response body too large")

// Options contains all the configuration options for making a fetch request
type Options struct {
	// Proxy URL to route the request through. Empty means a direct connection
	Proxy string
	// HTTP method to use (default: "GET")
	Method string
	// Headers to send. A Host entry overrides the request host
	Headers http.Header
	// Request body
	Body []byte
	// Timeout for the whole exchange, body included (default: 5s)
	Timeout time.Duration
	// Skip TLS certificate verification of the target
	InsecureSkipVerify bool
	// Return the first response instead of following redirects
	NoRedirects bool
	// Largest response body Do will buffer. Zero means no limit
	MaxBodySize int64
}

// Result contains the response from a fetch request
type Result struct {
	// HTTP response. Its body has already been consumed into Body
	Response *http.Response
	// Response body as bytes
	Body []byte
}

// NewClient builds an http.Client whose connections go through opts.Proxy.
func NewClient(opts Options) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}

	transport, err := NewTransport(opts.Proxy, opts.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}
	if opts.NoRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return client, nil
}

// NewTransport builds an http.Transport that dials through proxyURL.
func NewTransport(proxyURL string, insecureSkipVerify bool) (*http.Transport, error) {
	dialer, err := NewDialer(proxyURL)
	if err != nil {
		return nil, err
	}

	return &http.Transport{
		Proxy:               dialer.Proxy,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: insecureSkipVerify},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}, nil
}

// Do makes an HTTP request on an existing client. Proxy, Timeout and TLS
// options are taken from the client, not from opts.
func Do(ctx context.Context, client *http.Client, url string, opts Options) (*Result, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for name, values := range opts.Headers {
		if http.CanonicalHeaderKey(name) == "Host" {
			if len(values) > 0 {
				req.Host = values[0]
			}
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if opts.MaxBodySize > 0 {
		reader = io.LimitReader(resp.Body, opts.MaxBodySize+1)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}
	if opts.MaxBodySize > 0 && int64(len(data)) > opts.MaxBodySize {
		return nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, opts.MaxBodySize)
	}

	return &Result{
		Response: resp,
		Body:     data,
	}, nil
}
