package ipinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"relay-farm/pkg/fetch"
)

// DefaultURL answers with the caller's public address as {"ip": "..."}.
const DefaultURL = "https://api.ipify.org?format=json"

var (
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrNotJSON          = errors.New("response is not JSON")
	ErrMissingIP        = errors.New("response has no ip field")
)

type IPResponse struct {
	IP string `json:"ip"`
}

// Lookup asks url for the public address seen through client. Anything but a
// 200 JSON answer carrying an ip field is an error.
func Lookup(ctx context.Context, client *http.Client, url string) (IPResponse, error) {
	res, err := fetch.Do(ctx, client, url, fetch.Options{})
	if err != nil {
		return IPResponse{}, err
	}

	return Decode(res.Response, res.Body)
}

// Decode validates and parses an IP lookup response.
func Decode(resp *http.Response, body []byte) (IPResponse, error) {
	if resp.StatusCode != http.StatusOK {
		return IPResponse{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return IPResponse{}, fmt.Errorf("%w: content type %q", ErrNotJSON, contentType)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return IPResponse{}, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}

	raw, ok := fields["ip"]
	if !ok {
		return IPResponse{}, ErrMissingIP
	}

	var ipInfo IPResponse
	if err := json.Unmarshal(raw, &ipInfo.IP); err != nil {
		// a non-string ip still counts as present
		ipInfo.IP = string(raw)
	}

	return ipInfo, nil
}
