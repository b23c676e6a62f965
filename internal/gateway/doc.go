// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一の入口として、Bearerトークンの形式検証、
// パスのプレフィックスによるバックエンドサービスへのルーティング、
// リクエストの忠実な転送（メソッド、ヘッダー、ボディ、クエリ文字列）を担当する。
// 転送先の失敗は固定のJSONエンベロープに正規化し、バックエンドが返した
// レスポンスは成功・失敗を問わずそのまま中継する。
//
// サービスのURL、共有シークレット、ルートテーブルは起動時に一度だけ構築され、
// 以降は変更されない。リクエスト間で共有される可変状態は存在しない。
package gateway
