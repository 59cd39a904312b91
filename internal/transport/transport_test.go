package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlainClient(t *testing.T) *PlainClient {
	t.Helper()
	client, err := NewPlainClient(PlainOptions{})
	require.NoError(t, err)
	httpmock.ActivateNonDefault(client.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestPlainClientFetch(t *testing.T) {
	client := newTestPlainClient(t)
	httpmock.RegisterResponder("GET", "https://example.com/watches",
		httpmock.NewStringResponder(200, "<html>listing</html>"))

	status, body, err := client.Fetch(context.Background(), "https://example.com/watches")
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "<html>listing</html>", body)
}

// Backends must surface status and body on 4xx/5xx instead of swallowing
// them; the caller owns the classification.
func TestPlainClientSurfacesErrorBody(t *testing.T) {
	client := newTestPlainClient(t)
	httpmock.RegisterResponder("GET", "https://example.com/blocked",
		httpmock.NewStringResponder(503, "<title>Just a moment...</title>"))

	status, body, err := client.Fetch(context.Background(), "https://example.com/blocked")
	require.NoError(t, err)
	assert.Equal(t, 503, status)
	assert.Contains(t, body, "Just a moment")
}

func TestPlainClientHeaderInjection(t *testing.T) {
	client, err := NewPlainClient(PlainOptions{
		Headers: func() map[string]string {
			return map[string]string{"Cookie": "cf_clearance=abc", "User-Agent": "base-agent"}
		},
	})
	require.NoError(t, err)
	httpmock.ActivateNonDefault(client.client)
	t.Cleanup(httpmock.DeactivateAndReset)

	var got http.Header
	httpmock.RegisterResponder("GET", "https://example.com/",
		func(req *http.Request) (*http.Response, error) {
			got = req.Header.Clone()
			return httpmock.NewStringResponse(200, "ok"), nil
		})

	_, _, err = client.FetchWithHeaders(context.Background(), "https://example.com/",
		map[string]string{"User-Agent": "per-call-agent"})
	require.NoError(t, err)

	assert.Equal(t, "cf_clearance=abc", got.Get("Cookie"))
	assert.Equal(t, "per-call-agent", got.Get("User-Agent"), "per-call headers win")
}

func TestSplitStatusSuffix(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		status  int
		body    string
		wantErr bool
	}{
		{"body with status", "<html>page</html>200", 200, "<html>page</html>", false},
		{"status only", "404", 404, "", false},
		{"challenge page", "<title>Just a moment</title>403", 403, "<title>Just a moment</title>", false},
		{"truncated", "20", 0, "", true},
		{"non-numeric suffix", "<html>abc", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body, err := splitStatusSuffix(tt.output)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestUnblockerRequiresCredentials(t *testing.T) {
	_, err := NewUnblockerClient(UnblockerOptions{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUnblockerFetch(t *testing.T) {
	client, err := NewUnblockerClient(UnblockerOptions{APIKey: "key", Zone: "zone"})
	require.NoError(t, err)
	httpmock.ActivateNonDefault(client.client)
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder("POST", "https://api.brightdata.com/request",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer key", req.Header.Get("Authorization"))
			var payload map[string]any
			require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "zone", payload["zone"])
			assert.Equal(t, "https://example.com/watch", payload["url"])
			return httpmock.NewStringResponse(200, "<html>unblocked</html>"), nil
		})

	status, body, err := client.Fetch(context.Background(), "https://example.com/watch")
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "<html>unblocked</html>", body)
}

func TestDecodeProviderBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		raw         string
		want        string
		wantErr     string
	}{
		{"raw html", "text/html", "<html>x</html>", "<html>x</html>", ""},
		{"json envelope response key", "application/json", `{"response":"<html>y</html>"}`, "<html>y</html>", ""},
		{"json envelope body key", "application/json", `{"body":"<html>z</html>"}`, "<html>z</html>", ""},
		{"provider error", "application/json", `{"error":"zone suspended"}`, "", "zone suspended"},
		{"malformed json passes through", "application/json", `not-json`, "not-json", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeProviderBody(tt.contentType, []byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBrowserBackendNotConfigured(t *testing.T) {
	b := NewBrowserBackend(nil)
	_, _, err := b.Fetch(context.Background(), "https://example.com/")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
