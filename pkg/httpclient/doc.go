// Package httpclient はGatewayからバックエンドサービスへのHTTP通信を行うクライアントを提供する。
//
// リクエストの転送とヘルスチェックのプローブの両方がこのクライアントを経由する。
// サービス間の共有シークレット等、全リクエストに付与する固定ヘッダーを保持し、
// 通信エラーを「タイムアウト」と「接続不可」に分類する関数を提供する。
package httpclient
