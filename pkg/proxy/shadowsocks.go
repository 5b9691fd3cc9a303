package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"relay-farm/pkg/fetch"
)

// ShadowsocksConfig is the JSON form of a shadowsocks server.
type ShadowsocksConfig struct {
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	Method     string `json:"method"`
	Password   string `json:"password"`
	Prefix     string `json:"prefix"`
}

// URL converts the config into an ss:// proxy URL.
func (c *ShadowsocksConfig) URL() (string, error) {
	if c.Server == "" || c.ServerPort <= 0 || c.Method == "" {
		return "", fmt.Errorf("incomplete shadowsocks config")
	}

	userInfo := base64.URLEncoding.EncodeToString([]byte(c.Method + ":" + c.Password))
	u := &url.URL{
		Scheme: "ss",
		User:   url.User(userInfo),
		Host:   c.Server + ":" + strconv.Itoa(c.ServerPort),
	}
	if c.Prefix != "" {
		q := url.Values{}
		q.Add("prefix", c.Prefix)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func parseShadowsocksJSON(line string) (string, error) {
	var config ShadowsocksConfig
	if err := json.Unmarshal([]byte(line), &config); err != nil {
		return "", fmt.Errorf("failed to parse JSON config: %w", err)
	}
	return config.URL()
}

// Resolve turns a proxy list line into a proxy URL. Besides the forms Parse
// accepts, a ssconfig:// line is fetched over https with client and its
// content (an ss:// URL or a JSON config) is used instead.
func Resolve(ctx context.Context, client *http.Client, line string) (string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "ssconfig://") {
		return Parse(line)
	}

	u, err := url.Parse(line)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	u.Scheme = "https"

	res, err := fetch.Do(ctx, client, u.String(), fetch.Options{})
	if err != nil {
		return "", fmt.Errorf("failed to fetch config: %w", err)
	}
	if res.Response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch config: status %d", res.Response.StatusCode)
	}

	return Parse(string(res.Body))
}
