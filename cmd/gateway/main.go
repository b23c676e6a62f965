// API Gatewayサービスのエントリポイント。
// Bearerトークンの形式検証、パスによるバックエンドへのルーティングと転送、
// バックエンドのヘルスチェック集約を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nao1215/apigateway/internal/gateway"
	"github.com/nao1215/apigateway/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".envファイルが見つからないため環境変数のみを使用します: %v", err)
	}

	cfg, err := gateway.LoadConfig()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Gatewayサーバーの初期化に失敗", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Gatewayサービスを起動します",
		zap.String("addr", ":"+cfg.Port),
		zap.Duration("proxy_timeout", cfg.ProxyTimeout),
		zap.Duration("health_timeout", cfg.HealthTimeout),
	)
	if err := server.Run(ctx); err != nil {
		logger.Fatal("Gatewayサービスの起動に失敗", zap.Error(err))
	}
}
