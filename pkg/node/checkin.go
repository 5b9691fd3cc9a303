package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"relay-farm/pkg/fetch"
)

type CheckinRequest struct {
	BrowserID   string `json:"browserId"`
	UserID      string `json:"userId"`
	Version     string `json:"version"`
	ExtensionID string `json:"extensionId"`
	UserAgent   string `json:"userAgent"`
	DeviceType  string `json:"deviceType"`
}

type CheckinResponse struct {
	Destinations []string `json:"destinations"`
	Token        string   `json:"token"`
}

// checkin exchanges the session identity for a relay destination and token.
func (s *Session) checkin(ctx context.Context) (string, string, error) {
	payload, err := json.Marshal(CheckinRequest{
		BrowserID:   s.identity.BrowserID,
		UserID:      s.identity.UserID,
		Version:     s.cfg.Version,
		ExtensionID: s.cfg.ExtensionID,
		UserAgent:   s.cfg.UserAgent,
		DeviceType:  "extension",
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: encode checkin: %v", ErrHandshakeFailure, err)
	}

	headers := http.Header{
		"Connection":               {"keep-alive"},
		"User-Agent":               {s.cfg.UserAgent},
		"Content-Type":             {"application/json"},
		"Accept":                   {"*/*"},
		"Origin":                   {s.origin()},
		"Sec-Fetch-Site":           {"none"},
		"Sec-Fetch-Mode":           {"cors"},
		"Sec-Fetch-Dest":           {"empty"},
		"Sec-Fetch-Storage-Access": {"active"},
		"Accept-Language":          {"en-US;q=0.8,en;q=0.7"},
	}

	res, err := fetch.Do(ctx, s.checkinClient, s.cfg.CheckinURL, fetch.Options{
		Method:  http.MethodPost,
		Headers: headers,
		Body:    payload,
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}

	if res.Response.StatusCode != http.StatusCreated {
		return "", "", fmt.Errorf("%w: checkin status %d: %s", ErrHandshakeFailure, res.Response.StatusCode, truncate(res.Body, 200))
	}

	var resp CheckinResponse
	if err := json.Unmarshal(res.Body, &resp); err != nil {
		return "", "", fmt.Errorf("%w: non-JSON checkin response: %s", ErrHandshakeFailure, truncate(res.Body, 200))
	}
	if len(resp.Destinations) == 0 || resp.Destinations[0] == "" {
		return "", "", fmt.Errorf("%w: no destination received", ErrHandshakeFailure)
	}
	if resp.Token == "" {
		return "", "", fmt.Errorf("%w: no token received", ErrHandshakeFailure)
	}

	return resp.Destinations[0], resp.Token, nil
}

func (s *Session) origin() string {
	return "chrome-extension://" + s.cfg.ExtensionID
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
