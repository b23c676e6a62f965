package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewRegistry はレジストリの構築を検証する。
func TestNewRegistry(t *testing.T) {
	t.Parallel()

	t.Run("宣言順を保持し末尾のスラッシュを除去すること", func(t *testing.T) {
		t.Parallel()

		r, err := NewRegistry([]ServiceConfig{
			{Name: "reports", URL: "http://reports:8001/"},
			{Name: "auth", URL: "https://auth:8000", HealthPath: "status"},
		})
		require.NoError(t, err)

		services := r.Services()
		require.Len(t, services, 2)
		assert.Equal(t, Service{Name: "reports", URL: "http://reports:8001", HealthPath: "/health"}, services[0])
		assert.Equal(t, Service{Name: "auth", URL: "https://auth:8000", HealthPath: "/status"}, services[1])

		svc, ok := r.Lookup("auth")
		assert.True(t, ok)
		assert.Equal(t, "https://auth:8000", svc.URL)

		_, ok = r.Lookup("billing")
		assert.False(t, ok)

		assert.Equal(t, map[string]string{"reports": "http://reports:8001", "auth": "https://auth:8000"}, r.URLs())
	})

	t.Run("不正な設定はエラーになること", func(t *testing.T) {
		t.Parallel()

		tests := map[string][]ServiceConfig{
			"名前が空":     {{Name: "", URL: "http://a"}},
			"名前が重複":    {{Name: "a", URL: "http://a"}, {Name: "a", URL: "http://b"}},
			"スキームが不正":  {{Name: "a", URL: "ftp://a"}},
			"ホストがない":   {{Name: "a", URL: "http://"}},
			"URLとして不正": {{Name: "a", URL: "http://[::1"}},
		}
		for name, configs := range tests {
			_, err := NewRegistry(configs)
			assert.Error(t, err, name)
		}
	})

	t.Run("返される一覧を変更してもレジストリに影響しないこと", func(t *testing.T) {
		t.Parallel()

		r, err := NewRegistry([]ServiceConfig{{Name: "a", URL: "http://a"}})
		require.NoError(t, err)

		services := r.Services()
		services[0].URL = "http://mutated"

		svc, _ := r.Lookup("a")
		assert.Equal(t, "http://a", svc.URL)
	})
}
