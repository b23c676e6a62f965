package gateway

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/apigateway/pkg/httpclient"
)

// HealthStatus はバックエンドサービスのヘルス状態。
type HealthStatus string

const (
	// HealthHealthy はヘルスチェックが200を返したことを表す。
	HealthHealthy HealthStatus = "healthy"
	// HealthUnhealthy はヘルスチェックが200以外を返したことを表す。
	HealthUnhealthy HealthStatus = "unhealthy"
	// HealthUnreachable はヘルスチェックが応答を得られなかったことを表す。
	HealthUnreachable HealthStatus = "unreachable"
)

// ServiceHealth はサービス1つのヘルスチェック結果。
type ServiceHealth struct {
	// Status はヘルス状態。
	Status HealthStatus `json:"status"`
	// URL はサービスのベースURL。
	URL string `json:"url"`
	// StatusCode はヘルスチェックのステータスコード。応答がない場合は0。
	StatusCode int `json:"status_code,omitempty"`
	// ResponseTime は応答時間（秒）。応答がない場合は省略する。
	ResponseTime float64 `json:"response_time,omitempty"`
	// Error は応答が得られなかった理由。
	Error string `json:"error,omitempty"`
}

// HealthReport は全サービスのヘルスチェック結果。呼び出しごとに新しく生成し、キャッシュしない。
type HealthReport struct {
	// Services はサービス名ごとの結果。
	Services map[string]ServiceHealth
	// CheckedAt はチェックを開始した時刻。
	CheckedAt time.Time
}

// maxConcurrentProbes は同時に実行するプローブの上限。
const maxConcurrentProbes = 32

// HealthAggregator は全バックエンドサービスへのプローブを並行に実行して結果を集約する。
type HealthAggregator struct {
	services   []Service
	clients    map[string]*httpclient.Client
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *metrics
	probeLimit int
}

// NewHealthAggregator は新しいHealthAggregatorを生成する。
// timeoutはプローブ1回あたりの制限時間で、転送の制限時間とは独立している。
func NewHealthAggregator(registry *Registry, clients map[string]*httpclient.Client, timeout time.Duration, logger *zap.Logger, m *metrics) *HealthAggregator {
	return &HealthAggregator{
		services:   registry.Services(),
		clients:    clients,
		timeout:    timeout,
		logger:     logger,
		metrics:    m,
		probeLimit: maxConcurrentProbes,
	}
}

// CheckAll は全サービスにプローブを並行に送信し、結果を返す。
// 個々のプローブの失敗は結果に記録するだけで、他のプローブを中断しない。
// 全体の所要時間はプローブ1回の制限時間で抑えられる。
func (h *HealthAggregator) CheckAll(ctx context.Context) HealthReport {
	report := HealthReport{
		Services:  make(map[string]ServiceHealth, len(h.services)),
		CheckedAt: time.Now(),
	}

	results := make([]ServiceHealth, len(h.services))
	var g errgroup.Group
	// サービス数が上限以下であれば全体の所要時間はプローブ1回の制限時間に収まる
	g.SetLimit(h.probeLimit)
	for i, svc := range h.services {
		g.Go(func() error {
			results[i] = h.probe(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	for i, svc := range h.services {
		report.Services[svc.Name] = results[i]
	}
	return report
}

// probe はサービス1つにプローブを送信する。
func (h *HealthAggregator) probe(ctx context.Context, svc Service) ServiceHealth {
	result := ServiceHealth{URL: svc.URL}

	client, ok := h.clients[svc.Name]
	if !ok {
		result.Status = HealthUnreachable
		result.Error = "クライアントが未設定です"
		h.record(svc.Name, result)
		return result
	}

	probe, err := client.Probe(ctx, svc.HealthPath, h.timeout)
	if err != nil {
		result.Status = HealthUnreachable
		result.Error = err.Error()
		h.logger.Warn("ヘルスチェックに失敗",
			zap.String("service", svc.Name),
			zap.String("url", client.URL(svc.HealthPath, "")),
			zap.Bool("timeout", httpclient.IsTimeout(err)),
			zap.Error(err),
		)
		h.record(svc.Name, result)
		return result
	}

	result.StatusCode = probe.StatusCode
	result.ResponseTime = probe.Latency.Seconds()
	result.Status = HealthUnhealthy
	if probe.StatusCode == http.StatusOK {
		result.Status = HealthHealthy
	}
	h.record(svc.Name, result)
	return result
}

func (h *HealthAggregator) record(service string, result ServiceHealth) {
	if h.metrics != nil {
		h.metrics.setBackendUp(service, result.Status == HealthHealthy)
	}
}
