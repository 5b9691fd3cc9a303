package node

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// ChannelURL builds the persistent channel address for a destination. The
// token is passed through as issued.
func ChannelURL(destination, token string, secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/?token=%s", scheme, destination, token)
}

// connect opens the channel through the session proxy. The relay only
// accepts upgrades that look like the browser extension's, so the header
// set below is fixed. Sec-WebSocket-Key, Sec-WebSocket-Version: 13 and the
// permessage-deflate offer are produced by the dialer itself.
func (s *Session) connect(ctx context.Context, destination, token string) (*websocket.Conn, error) {
	headers := http.Header{
		"Host":            {destination},
		"Pragma":          {"no-cache"},
		"Cache-Control":   {"no-cache"},
		"User-Agent":      {s.cfg.UserAgent},
		"Origin":          {s.origin()},
		"Accept-Encoding": {"gzip, deflate"},
		"Accept-Language": {"en-US,en;q=0.9"},
		"Accept":          {""},
	}

	dialer := websocket.Dialer{
		Proxy:             s.dialer.Proxy,
		NetDialContext:    s.dialer.DialContext,
		HandshakeTimeout:  s.cfg.HandshakeTimeout,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, ChannelURL(destination, token, s.cfg.UseWSS), headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: low proxy score, upgrade refused: %v", ErrForbiddenProxy, err)
		}
		return nil, fmt.Errorf("channel dial %s: %w", destination, err)
	}

	return conn, nil
}
