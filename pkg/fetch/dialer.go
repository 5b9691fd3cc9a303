package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer describes how to reach the network through one proxy. HTTP(S)
// proxies are spoken by the caller via Proxy (CONNECT / absolute-form
// requests); every other scheme is tunnelled by DialContext.
type Dialer struct {
	Proxy       func(*http.Request) (*url.URL, error)
	DialContext DialFunc
}

var directDialer = &net.Dialer{
	Timeout:   15 * time.Second,
	KeepAlive: 30 * time.Second,
}

// NewDialer creates a Dialer for proxyURL. An empty proxyURL connects directly.
func NewDialer(proxyURL string) (*Dialer, error) {
	if proxyURL == "" {
		return &Dialer{DialContext: directDialer.DialContext}, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return &Dialer{
			Proxy:       http.ProxyURL(u),
			DialContext: directDialer.DialContext,
		}, nil
	default:
		streamDialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("could not create dialer: %w", err)
		}
		return &Dialer{DialContext: streamDial(streamDialer)}, nil
	}
}

func streamDial(dialer transport.StreamDialer) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}
}
