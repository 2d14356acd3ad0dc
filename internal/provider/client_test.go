package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		APIBaseURL:     srv.URL,
		IdentityURL:    srv.URL,
		Email:          "ops@example.test",
		Key:            "secret",
		WebhookBaseURL: "https://hooks.example.test/",
		Timeout:        5 * time.Second,
	}, zap.NewNop())
	return client, srv
}

func TestClientLoginStoresToken(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/account/login/api", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "ops@example.test", body["email"])
		require.Equal(t, "secret", body["key"])
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	})
	client, _ := newTestClient(t, mux)

	require.NoError(t, client.Login(context.Background()))
}

func TestClientLoginRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/account/login/api", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	})
	client, _ := newTestClient(t, mux)

	err := client.Login(context.Background())
	require.ErrorContains(t, err, "empty access token")
}

func TestClientExportResultsSendsBatch(t *testing.T) {
	t.Parallel()

	var exportCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/account/login/api", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	})
	mux.HandleFunc("/v3/downloads/scan-1/export/export-scan-1", func(w http.ResponseWriter, r *http.Request) {
		exportCalls.Add(1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var body struct {
			Results []struct {
				ID       string `json:"id"`
				Endpoint string `json:"endpoint"`
			} `json:"results"`
			CompletionWebhook string `json:"completionWebhook"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Results, 2)
		require.Equal(t, "r1", body.Results[0].ID)
		require.Equal(t, "https://hooks.example.test/webhooks/scan-1/results/r1/export", body.Results[0].Endpoint)
		require.Equal(t, "https://hooks.example.test/webhooks/scan-1/export/completed", body.CompletionWebhook)
		w.WriteHeader(http.StatusNoContent)
	})
	client, _ := newTestClient(t, mux)

	err := client.ExportResults(context.Background(), "scan-1", []string{"r1", "r2"})
	require.NoError(t, err)
	require.Equal(t, int64(1), exportCalls.Load())
}

func TestClientExportResultsPropagatesHTTPError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/account/login/api", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "export quota exceeded", http.StatusTooManyRequests)
	})
	client, _ := newTestClient(t, mux)

	err := client.ExportResults(context.Background(), "scan-1", []string{"r1"})
	require.ErrorContains(t, err, "status 429")
	require.ErrorContains(t, err, "export quota exceeded")
}

func TestClientSubmitScanRegistersWebhooks(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/account/login/api", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	})
	mux.HandleFunc("/v3/scans/submit/file/scan-9", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var body struct {
			Filename   string `json:"filename"`
			Properties struct {
				Webhooks struct {
					Status    string `json:"status"`
					NewResult string `json:"newResult"`
				} `json:"webhooks"`
			} `json:"properties"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "essay.txt", body.Filename)
		require.Equal(t, "https://hooks.example.test/webhooks/scan-9/status/{STATUS}", body.Properties.Webhooks.Status)
		w.WriteHeader(http.StatusCreated)
	})
	client, _ := newTestClient(t, mux)

	err := client.SubmitScan(context.Background(), "scan-9", Submission{Base64: "aGVsbG8=", Filename: "essay.txt"})
	require.NoError(t, err)
}
