package ipinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantIP      string
		wantErr     error
	}{
		{name: "ok", status: 200, contentType: "application/json", body: `{"ip":"1.2.3.4"}`, wantIP: "1.2.3.4"},
		{name: "ok with charset", status: 200, contentType: "application/json; charset=utf-8", body: `{"ip":"1.2.3.4"}`, wantIP: "1.2.3.4"},
		{name: "html", status: 200, contentType: "text/html", body: `<html></html>`, wantErr: ErrNotJSON},
		{name: "bad json", status: 200, contentType: "application/json", body: `{"ip":`, wantErr: ErrNotJSON},
		{name: "no ip", status: 200, contentType: "application/json", body: `{"addr":"1.2.3.4"}`, wantErr: ErrMissingIP},
		{name: "server error", status: 502, contentType: "application/json", body: `{"ip":"1.2.3.4"}`, wantErr: ErrUnexpectedStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := Lookup(context.Background(), srv.Client(), srv.URL)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIP, got.IP)
		})
	}
}
