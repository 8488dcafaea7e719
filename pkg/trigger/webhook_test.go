package trigger_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/forgemirror/pkg/lifecycle"
	"github.com/Sumatoshi-tech/forgemirror/pkg/trigger"
)

func serve(t *testing.T, wh http.Handler, method, target, body string) (int, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}

	return rec.Code, decoded
}

func TestWebhookRepoRefresh(t *testing.T) {
	t.Parallel()

	sink := newSink()
	wh, err := trigger.NewWebhook(sink, nil)
	require.NoError(t, err)

	code, body := serve(t, wh, http.MethodPost, "/repos/mirror/refresh", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, []string{"mirror"}, sink.Calls())

	code, _ = serve(t, wh, http.MethodPost, "/repos/missing/refresh", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = serve(t, wh, http.MethodGet, "/repos/mirror/refresh", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestWebhookHookPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"repository": "mirror"}`, http.StatusAccepted},
		{"extra fields", `{"repository": "mirror", "ref": "refs/heads/main"}`, http.StatusAccepted},
		{"unknown repository", `{"repository": "missing"}`, http.StatusNotFound},
		{"missing repository", `{}`, http.StatusBadRequest},
		{"empty repository", `{"repository": ""}`, http.StatusBadRequest},
		{"wrong type", `{"repository": 42}`, http.StatusBadRequest},
		{"not json", `repository=mirror`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wh, err := trigger.NewWebhook(newSink(), nil)
			require.NoError(t, err)

			code, body := serve(t, wh, http.MethodPost, "/hooks/refresh", tt.body)
			assert.Equal(t, tt.want, code)

			if tt.want == http.StatusBadRequest {
				assert.Equal(t, "invalid", body["status"])
				assert.NotEmpty(t, body["errors"])
			}
		})
	}
}

func TestWebhookClosedManager(t *testing.T) {
	t.Parallel()

	sink := newSink()
	sink.errs["mirror"] = lifecycle.ErrClosed

	wh, err := trigger.NewWebhook(sink, nil)
	require.NoError(t, err)

	code, _ := serve(t, wh, http.MethodPost, "/repos/mirror/refresh", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
