package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// backendUpValues はgateway_backend_upの値をサービス名ごとに返す。
func backendUpValues(t *testing.T, m *metrics) map[string]float64 {
	t.Helper()

	families, err := m.registry.Gather()
	require.NoError(t, err)

	out := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "gateway_backend_up" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "service" {
					out[label.GetValue()] = metric.GetGauge().GetValue()
				}
			}
		}
	}
	return out
}

// TestHealthAggregatorCheckAll はヘルスチェックの集約を検証する。
func TestHealthAggregatorCheckAll(t *testing.T) {
	t.Parallel()

	t.Run("遅いサービスがあっても他のサービスの結果が得られること", func(t *testing.T) {
		t.Parallel()

		ok1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(ok1.Close)
		ok2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/status", r.URL.Path)
			assert.Equal(t, "secret", r.Header.Get(headerAPIKey))
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(ok2.Close)
		slow := newSlowBackend(t, 5*time.Second)

		registry, err := NewRegistry([]ServiceConfig{
			{Name: "auth", URL: ok1.URL},
			{Name: "reports", URL: ok2.URL, HealthPath: "/status"},
			{Name: "audit", URL: slow.URL},
		})
		require.NoError(t, err)

		m := newMetrics()
		timeout := 200 * time.Millisecond
		h := NewHealthAggregator(registry, newServiceClients(registry, "secret"), timeout, zap.NewNop(), m)

		start := time.Now()
		report := h.CheckAll(context.Background())
		elapsed := time.Since(start)

		assert.Less(t, elapsed, timeout+time.Second)
		require.Len(t, report.Services, 3)

		assert.Equal(t, HealthHealthy, report.Services["auth"].Status)
		assert.Equal(t, ok1.URL, report.Services["auth"].URL)
		assert.Equal(t, http.StatusOK, report.Services["auth"].StatusCode)
		assert.Positive(t, report.Services["auth"].ResponseTime)
		assert.Empty(t, report.Services["auth"].Error)

		assert.Equal(t, HealthHealthy, report.Services["reports"].Status)

		assert.Equal(t, HealthUnreachable, report.Services["audit"].Status)
		assert.Equal(t, slow.URL, report.Services["audit"].URL)
		assert.Zero(t, report.Services["audit"].StatusCode)
		assert.NotEmpty(t, report.Services["audit"].Error)

		assert.False(t, report.CheckedAt.IsZero())
		assert.Equal(t, map[string]float64{"auth": 1, "reports": 1, "audit": 0}, backendUpValues(t, m))
	})

	t.Run("全サービスが遅くても所要時間はプローブ1回の制限時間に収まること", func(t *testing.T) {
		t.Parallel()

		configs := make([]ServiceConfig, 0, 4)
		for _, name := range []string{"auth", "reservations", "reports", "audit"} {
			configs = append(configs, ServiceConfig{Name: name, URL: newSlowBackend(t, 5*time.Second).URL})
		}
		registry, err := NewRegistry(configs)
		require.NoError(t, err)

		timeout := 200 * time.Millisecond
		h := NewHealthAggregator(registry, newServiceClients(registry, "secret"), timeout, zap.NewNop(), nil)

		start := time.Now()
		report := h.CheckAll(context.Background())
		elapsed := time.Since(start)

		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, 2*timeout, "プローブが逐次実行されている")
		require.Len(t, report.Services, len(configs))
		for name, result := range report.Services {
			assert.Equal(t, HealthUnreachable, result.Status, name)
		}
	})

	t.Run("同時実行数の上限を超えるプローブは順番に実行されること", func(t *testing.T) {
		t.Parallel()

		configs := make([]ServiceConfig, 0, 3)
		for _, name := range []string{"auth", "reports", "audit"} {
			configs = append(configs, ServiceConfig{Name: name, URL: newSlowBackend(t, 5*time.Second).URL})
		}
		registry, err := NewRegistry(configs)
		require.NoError(t, err)

		timeout := 100 * time.Millisecond
		h := NewHealthAggregator(registry, newServiceClients(registry, "secret"), timeout, zap.NewNop(), nil)
		h.probeLimit = 1

		start := time.Now()
		report := h.CheckAll(context.Background())

		assert.GreaterOrEqual(t, time.Since(start), 3*timeout)
		assert.Len(t, report.Services, len(configs))
	})

	t.Run("200以外の応答はunhealthy、接続できない場合はunreachableになること", func(t *testing.T) {
		t.Parallel()

		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(failing.Close)

		registry, err := NewRegistry([]ServiceConfig{
			{Name: "notifications", URL: failing.URL},
			{Name: "reservations", URL: closedServerURL(t)},
		})
		require.NoError(t, err)

		h := NewHealthAggregator(registry, newServiceClients(registry, "secret"), time.Second, zap.NewNop(), nil)
		report := h.CheckAll(context.Background())

		assert.Equal(t, HealthUnhealthy, report.Services["notifications"].Status)
		assert.Equal(t, http.StatusServiceUnavailable, report.Services["notifications"].StatusCode)
		assert.Equal(t, HealthUnreachable, report.Services["reservations"].Status)
		assert.NotEmpty(t, report.Services["reservations"].Error)
	})

	t.Run("クライアントが未設定のサービスはunreachableになること", func(t *testing.T) {
		t.Parallel()

		registry := newTestRegistry(t, "auth")
		h := NewHealthAggregator(registry, nil, time.Second, zap.NewNop(), nil)

		report := h.CheckAll(context.Background())
		assert.Equal(t, HealthUnreachable, report.Services["auth"].Status)
	})

	t.Run("呼び出しごとに新しい結果を返すこと", func(t *testing.T) {
		t.Parallel()

		var healthy atomic.Bool
		healthy.Store(true)
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if healthy.Load() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(backend.Close)

		registry, err := NewRegistry([]ServiceConfig{{Name: "auth", URL: backend.URL}})
		require.NoError(t, err)
		h := NewHealthAggregator(registry, newServiceClients(registry, "secret"), time.Second, zap.NewNop(), nil)

		assert.Equal(t, HealthHealthy, h.CheckAll(context.Background()).Services["auth"].Status)
		healthy.Store(false)
		assert.Equal(t, HealthUnhealthy, h.CheckAll(context.Background()).Services["auth"].Status)
	})
}
