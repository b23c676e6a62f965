package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestForKind は分類ごとのステータスコードとメッセージを検証する。
func TestForKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		kind       Kind
		wantStatus int
		wantMsg    string
	}{
		{"ルート未検出", KindRouteNotFound, http.StatusNotFound, "route not found"},
		{"トークンなし", KindTokenMissing, http.StatusUnauthorized, "token not provided"},
		{"トークン形式不正", KindTokenMalformed, http.StatusUnauthorized, "invalid format, expected Bearer <token>"},
		{"サービス未検出", KindServiceNotFound, http.StatusNotFound, "service not found: billing"},
		{"タイムアウト", KindTimeout, http.StatusGatewayTimeout, "timeout connecting to service"},
		{"接続不可", KindUnreachable, http.StatusServiceUnavailable, "could not connect to service"},
		{"想定外", KindInternal, http.StatusInternalServerError, "internal gateway error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := ForKind(tt.kind, "/api/x", "billing")
			assert.Equal(t, tt.wantStatus, e.Status())
			assert.Equal(t, tt.wantMsg, e.Message)
			assert.False(t, e.Success)
			assert.Equal(t, tt.kind, e.Kind())
		})
	}
}

// TestAbort はAbortがエンベロープをJSONで書き込むことを検証する。
func TestAbort(t *testing.T) {
	t.Parallel()

	router := gin.New()
	reached := false
	router.GET("/x", func(c *gin.Context) {
		Abort(c, RouteNotFound("/x"))
	}, func(_ *gin.Context) {
		reached = true
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, reached, "Abort後のハンドラが実行された")

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "route not found", body["message"])
	assert.Equal(t, "/x", body["path"])
	_, hasDetail := body["detail"]
	assert.False(t, hasDetail)
}
