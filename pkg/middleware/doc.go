// Package middleware はGatewayのリクエストパイプラインを構成するGinミドルウェアを提供する。
//
// Bearerトークンの形式検証（認証ゲート）、リクエストID付与、パニックリカバリ、
// CORS設定など、転送の前段で共通して適用する処理を含む。
// トークンの署名や有効期限の検証は行わない。それはトークンを受け取る
// バックエンドサービスの責務である。
package middleware
