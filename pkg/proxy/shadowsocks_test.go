package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ssJSON = `{"server": "ss.example.test", "server_port": 8388, "method": "chacha20-ietf-poly1305", "password": "s3cretpass", "prefix": "POST%20abc"}`
	ssURL  = "ss://Y2hhY2hhMjAtaWV0Zi1wb2x5MTMwNTpzM2NyZXRwYXNz@ss.example.test:8388?prefix=POST%2520abc"
)

func TestShadowsocksConfigURL(t *testing.T) {
	c := ShadowsocksConfig{
		Server:     "ss.example.test",
		ServerPort: 8388,
		Method:     "chacha20-ietf-poly1305",
		Password:   "s3cretpass",
		Prefix:     "POST%20abc",
	}
	got, err := c.URL()
	require.NoError(t, err)
	assert.Equal(t, ssURL, got)

	_, err = (&ShadowsocksConfig{Server: "ss.example.test"}).URL()
	assert.Error(t, err)
}

func TestParseShadowsocks(t *testing.T) {
	got, err := Parse(ssJSON)
	require.NoError(t, err)
	assert.Equal(t, ssURL, got)

	got, err = Parse(ssURL)
	require.NoError(t, err)
	assert.Equal(t, ssURL, got)

	_, err = Parse(`{"server":`)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/url", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ssURL + "\n"))
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ssJSON))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")

	tests := []struct {
		name    string
		line    string
		want    string
		wantErr bool
	}{
		{name: "plain line", line: "1.2.3.4:8080", want: "http://1.2.3.4:8080"},
		{name: "remote ss url", line: "ssconfig://" + host + "/url", want: ssURL},
		{name: "remote json", line: "ssconfig://" + host + "/json", want: ssURL},
		{name: "remote missing", line: "ssconfig://" + host + "/missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(context.Background(), srv.Client(), tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
