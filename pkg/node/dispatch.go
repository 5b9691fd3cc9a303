package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relay-farm/pkg/fetch"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// dispatchLoop reads frames until the channel fails. Replies are written
// in the order their requests were read.
func (s *Session) dispatchLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		s.touch()

		reply, err := s.handleFrame(ctx, data)
		if err != nil {
			s.logger.Warn("Dropping inbound frame", "error", err)
			continue
		}
		if reply == nil {
			continue
		}

		if err := s.write(reply); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: write reply: %v", ErrChannelClosed, err)
		}
	}
}

// handleFrame turns one inbound frame into the reply to send, if any.
func (s *Session) handleFrame(ctx context.Context, data []byte) ([]byte, error) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch frame.Action {
	case ActionHTTPRequest:
		req, err := decodeHTTPRequest(frame.Data)
		if err != nil {
			return nil, err
		}
		result := s.performHTTPRequest(ctx, req)
		return encode(Reply{ID: frame.ID, OriginAction: ActionHTTPRequest, Result: result})

	case ActionPong:
		return encode(Reply{ID: frame.ID, OriginAction: ActionPong})

	default:
		s.logger.Debug("Ignoring inbound action", "action", frame.Action)
		return nil, nil
	}
}

// performHTTPRequest fetches req through the session proxy. It always
// returns a result; failures become a synthetic 400.
func (s *Session) performHTTPRequest(ctx context.Context, req HTTPRequestData) *HTTPResult {
	headers := make(http.Header, len(req.Headers))
	for name, raw := range req.Headers {
		headers.Set(name, headerValue(raw))
	}

	res, err := fetch.Do(ctx, s.requestClient, req.URL, fetch.Options{
		Method:      req.Method,
		Headers:     headers,
		Body:        bodyBytes(req.Body),
		MaxBodySize: s.cfg.MaxResponseSize,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug("Relayed request failed", "url", req.URL, "error", err)
		}
		return failedResult(req.URL)
	}

	respHeaders := make(map[string]string, len(res.Response.Header))
	for name, values := range res.Response.Header {
		respHeaders[name] = strings.Join(values, ", ")
	}

	finalURL := req.URL
	if res.Response.Request != nil && res.Response.Request.URL != nil {
		finalURL = res.Response.Request.URL.String()
	}

	return &HTTPResult{
		URL:        finalURL,
		Status:     res.Response.StatusCode,
		StatusText: reasonPhrase(res.Response),
		Headers:    respHeaders,
		Body:       base64.StdEncoding.EncodeToString(res.Body),
	}
}

// reasonPhrase extracts the reason from a status line like "200 OK".
func reasonPhrase(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if reason, ok := strings.CutPrefix(resp.Status, prefix); ok {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		if err := s.sendPing(); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("Ping failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) sendPing() error {
	data, err := encode(PingFrame{
		ID:      uuid.NewString(),
		Version: pingVersion,
		Action:  ActionPing,
	})
	if err != nil {
		return err
	}
	return s.write(data)
}
