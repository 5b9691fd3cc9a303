package node

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	ActionHTTPRequest = "HTTP_REQUEST"
	ActionPong        = "PONG"
	ActionPing        = "PING"

	pingVersion = "1.0.0"
)

// InboundFrame is a message received over the channel. ID is kept verbatim
// so that replies echo it byte for byte.
type InboundFrame struct {
	ID     json.RawMessage `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// HTTPRequestData is the payload of an HTTP_REQUEST frame.
type HTTPRequestData struct {
	Method  string                     `json:"method"`
	URL     string                     `json:"url"`
	Headers map[string]json.RawMessage `json:"headers"`
	Body    json.RawMessage            `json:"body"`
}

// HTTPResult is the outcome of a relayed request. Body is base64.
type HTTPResult struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

type Reply struct {
	ID           json.RawMessage `json:"id"`
	OriginAction string          `json:"origin_action"`
	Result       *HTTPResult     `json:"result,omitempty"`
}

type PingFrame struct {
	ID      string   `json:"id"`
	Version string   `json:"version"`
	Action  string   `json:"action"`
	Data    struct{} `json:"data"`
}

func failedResult(url string) *HTTPResult {
	return &HTTPResult{
		URL:        url,
		Status:     400,
		StatusText: "Bad Request",
		Headers:    map[string]string{},
		Body:       "",
	}
}

func decodeHTTPRequest(raw json.RawMessage) (HTTPRequestData, error) {
	var req HTTPRequestData
	if len(raw) == 0 {
		return req, fmt.Errorf("%w: HTTP_REQUEST without data", ErrMalformedMessage)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: HTTP_REQUEST data: %v", ErrMalformedMessage, err)
	}
	if req.URL == "" {
		return req, fmt.Errorf("%w: HTTP_REQUEST without url", ErrMalformedMessage)
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	return req, nil
}

// headerValue flattens a JSON header value into its string form.
func headerValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// bodyBytes returns the request body to send: strings are sent as their
// text, null or absent means no body, anything else is sent as raw JSON.
func bodyBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}

// encode marshals v compactly without HTML escaping.
func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
