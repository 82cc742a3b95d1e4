package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfman30/paychat-billing/pkg/logging"
)

func TestRequestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("info", &buf)

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/s1/deposit", nil)
	req.Header.Set("X-Request-ID", "req-1")
	req = req.WithContext(WithUserID(req.Context(), "payer"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "request completed", line["msg"])
	require.Equal(t, float64(http.StatusConflict), line["status"])
	require.Equal(t, "req-1", line["request_id"])
	require.Equal(t, "payer", line["user_id"])
}
