package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigateway/pkg/apierror"
	"github.com/nao1215/apigateway/pkg/httpclient"
	"github.com/nao1215/apigateway/pkg/middleware"
)

const (
	// gatewayName はヘルスチェックで返すGateway自身のサービス名。
	gatewayName = "api-gateway"
	// Version はGatewayのバージョン。
	Version = "1.0.0"
	// shutdownTimeout はグレースフルシャットダウンの待ち時間。
	shutdownTimeout = 10 * time.Second
	// contextKeyMatch は解決済みのルートをGinコンテキストに格納するキー。
	contextKeyMatch = "route_match"
)

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は起動時設定。
	cfg *Config
	// logger は構造化ロガー。
	logger *zap.Logger
	// registry はバックエンドサービスのレジストリ。
	registry *Registry
	// routes はルートテーブル。
	routes *RouteTable
	// gate は認証ゲート。
	gate *middleware.BearerGate
	// forwarder はバックエンドへの転送を行う。
	forwarder *Forwarder
	// health はバックエンドのヘルスチェックを集約する。
	health *HealthAggregator
	// metrics はPrometheusメトリクス。
	metrics *metrics
}

// NewServer は設定から新しいGatewayサーバーを生成する。
// レジストリやルートテーブルの構築に失敗した場合はエラーを返し、サーバーは起動しない。
func NewServer(cfg *Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry, err := NewRegistry(cfg.Services)
	if err != nil {
		return nil, fmt.Errorf("サービスレジストリの構築に失敗: %w", err)
	}
	routes, err := NewRouteTable(cfg.Routes, registry)
	if err != nil {
		return nil, fmt.Errorf("ルートテーブルの構築に失敗: %w", err)
	}

	publicPrefixes := append([]string(nil), cfg.PublicPrefixes...)
	for _, prefix := range routes.PublicPrefixes() {
		if !slices.Contains(publicPrefixes, prefix) {
			publicPrefixes = append(publicPrefixes, prefix)
		}
	}

	clients := newServiceClients(registry, cfg.APIKey)
	m := newMetrics()

	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(middleware.RequestID())
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:    router,
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		routes:    routes,
		gate:      middleware.NewBearerGate(publicPrefixes, logger),
		forwarder: NewForwarder(clients, cfg.ProxyTimeout, logger),
		health:    NewHealthAggregator(registry, clients, cfg.HealthTimeout, logger, m),
		metrics:   m,
	}
	s.setupRoutes()

	return s, nil
}

// newServiceClients はサービスごとに信頼ヘッダーを付与するクライアントを生成する。
// 下層のHTTPクライアント（コネクションプール）は全サービスで共有する。
func newServiceClients(registry *Registry, apiKey string) map[string]*httpclient.Client {
	shared := httpclient.NewHTTPClient()
	clients := make(map[string]*httpclient.Client)
	for _, svc := range registry.Services() {
		clients[svc.Name] = httpclient.New(svc.URL,
			httpclient.WithHTTPClient(shared),
			httpclient.WithHeader(headerAPIKey, apiKey),
			httpclient.WithHeader(headerGateway, gatewayName),
		)
	}
	return clients
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルにシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Gatewayサービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// Gateway自身のエンドポイント（認証不要）
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/api/health", s.handleHealth())
	s.router.GET("/gateway/info", s.handleInfo())
	s.router.GET("/metrics", gin.WrapH(s.metrics.handler()))

	// それ以外はすべて ルート解決 → 認証ゲート → 転送 の順に処理する
	s.router.NoRoute(s.resolveRoute(), s.gate.Handler(), s.handleProxy())
}

// handleHealth は全バックエンドのヘルスチェック結果を返すハンドラを返す。
// Gateway自身は応答できている限り healthy であり、バックエンドの状態とは区別する。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := s.health.CheckAll(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"service":   gatewayName,
			"status":    HealthHealthy,
			"timestamp": report.CheckedAt.Format(time.RFC3339Nano),
			"version":   Version,
			"services":  report.Services,
		})
	}
}

// handleInfo は設定済みのサービスと公開ルートを返すハンドラを返す。
func (s *Server) handleInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success":       true,
			"gateway":       "API Gateway v" + Version,
			"services":      s.registry.URLs(),
			"public_routes": s.gate.PublicPrefixes(),
		})
	}
}

// resolveRoute はルートテーブルから転送先を解決し、Ginコンテキストに格納するハンドラを返す。
// 一致するルートがない場合は認証ゲートを通さずに404を返す。
func (s *Server) resolveRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		match, ok := s.routes.Resolve(c.Request.Method, c.Request.URL.EscapedPath())
		if !ok {
			s.logger.Info("ルートが見つかりません",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
			)
			s.metrics.observeProxy("", apierror.KindRouteNotFound.String(), 0)
			apierror.Abort(c, apierror.RouteNotFound(c.Request.URL.Path))
			return
		}
		c.Set(contextKeyMatch, match)
		c.Next()
	}
}

// handleProxy は解決済みのルートに従ってバックエンドへ転送し、レスポンスを中継するハンドラを返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		match, ok := c.MustGet(contextKeyMatch).(Match)
		if !ok {
			apierror.Abort(c, apierror.Internal())
			return
		}

		start := time.Now()
		relayed, err := s.forwarder.Forward(c.Request.Context(), c.Request, match.Service, match.Path, match.Method)
		if err != nil {
			envelope := apierror.Internal()
			var ferr *ForwardError
			if errors.As(err, &ferr) {
				envelope = ferr.Envelope()
			}
			s.metrics.observeProxy(match.Service, envelope.Kind().String(), time.Since(start))
			apierror.Abort(c, envelope)
			return
		}
		defer relayed.Close()
		s.metrics.observeProxy(match.Service, statusClass(relayed.StatusCode), time.Since(start))

		if _, err := relayed.WriteTo(c); err != nil {
			// ヘッダー送信後のためエンベロープには変換できない
			s.logger.Warn("レスポンスの中継に失敗",
				zap.String("method", match.Method),
				zap.String("url", relayed.URL),
				zap.String("subject", middleware.GetSubject(c)),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("レスポンスを中継",
			zap.String("service", match.Service),
			zap.String("rule", match.Rule.Name),
			zap.Int("status", relayed.StatusCode),
			zap.String("subject", middleware.GetSubject(c)),
		)
	}
}
