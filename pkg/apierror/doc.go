// Package apierror はGatewayが自ら生成する失敗レスポンスの共通形式を提供する。
//
// ルート未検出、認証拒否、転送先のタイムアウトや接続不可など、
// Gateway内部で発生した失敗を分類（Kind）し、固定のHTTPステータスと
// JSONエンベロープに変換する。バックエンドが返したエラーレスポンスは
// この形式に変換せず、そのまま中継する。
package apierror
