package apierror

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind はGateway内部で発生した失敗の分類を表す。
type Kind int

const (
	// KindInternal は分類できない想定外の失敗を表す。ゼロ値。
	KindInternal Kind = iota
	// KindRouteNotFound はパスに一致するルートが存在しないことを表す。
	KindRouteNotFound
	// KindTokenMissing はAuthorizationヘッダーが存在しないことを表す。
	KindTokenMissing
	// KindTokenMalformed はAuthorizationヘッダーが "Bearer <token>" 形式でないことを表す。
	KindTokenMalformed
	// KindServiceNotFound は転送先サービスがレジストリに存在しないことを表す。
	KindServiceNotFound
	// KindTimeout は転送先サービスが制限時間内に応答しなかったことを表す。
	KindTimeout
	// KindUnreachable は転送先サービスに接続できなかったことを表す。
	KindUnreachable
)

// String はログ出力用の分類名を返す。
func (k Kind) String() string {
	switch k {
	case KindRouteNotFound:
		return "route_not_found"
	case KindTokenMissing:
		return "token_missing"
	case KindTokenMalformed:
		return "token_malformed"
	case KindServiceNotFound:
		return "service_not_found"
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	default:
		return "internal"
	}
}

// Status は分類に対応するHTTPステータスコードを返す。
func (k Kind) Status() int {
	switch k {
	case KindRouteNotFound, KindServiceNotFound:
		return http.StatusNotFound
	case KindTokenMissing, KindTokenMalformed:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Envelope はGatewayが返す失敗レスポンスのJSON構造。
type Envelope struct {
	// Success は常にfalse。
	Success bool `json:"success"`
	// Message は失敗内容を表すメッセージ。
	Message string `json:"message"`
	// Path は失敗したリクエストのパス。ルート未検出時のみ設定する。
	Path string `json:"path,omitempty"`
	// Detail は補足情報。
	Detail string `json:"detail,omitempty"`

	kind Kind
}

// Kind はエンベロープの分類を返す。
func (e Envelope) Kind() Kind {
	return e.kind
}

// Status はエンベロープに対応するHTTPステータスコードを返す。
func (e Envelope) Status() int {
	return e.kind.Status()
}

// RouteNotFound は一致するルートがない場合のエンベロープを生成する。
func RouteNotFound(path string) Envelope {
	return Envelope{Message: "route not found", Path: path, kind: KindRouteNotFound}
}

// TokenMissing はAuthorizationヘッダーがない場合のエンベロープを生成する。
func TokenMissing() Envelope {
	return Envelope{Message: "token not provided", kind: KindTokenMissing}
}

// TokenMalformed はAuthorizationヘッダーの形式が不正な場合のエンベロープを生成する。
func TokenMalformed() Envelope {
	return Envelope{Message: "invalid format, expected Bearer <token>", kind: KindTokenMalformed}
}

// ServiceNotFound は転送先サービスが未登録の場合のエンベロープを生成する。
func ServiceNotFound(name string) Envelope {
	return Envelope{Message: fmt.Sprintf("service not found: %s", name), kind: KindServiceNotFound}
}

// Timeout は転送先サービスがタイムアウトした場合のエンベロープを生成する。
func Timeout() Envelope {
	return Envelope{Message: "timeout connecting to service", kind: KindTimeout}
}

// Unreachable は転送先サービスに接続できない場合のエンベロープを生成する。
func Unreachable() Envelope {
	return Envelope{Message: "could not connect to service", kind: KindUnreachable}
}

// Internal は想定外の失敗に対するエンベロープを生成する。
func Internal() Envelope {
	return Envelope{Message: "internal gateway error", kind: KindInternal}
}

// ForKind は分類から対応するエンベロープを生成する。
// ルート未検出とサービス未検出は付随情報が必要なため、それぞれ path と name を使う。
func ForKind(kind Kind, path, name string) Envelope {
	switch kind {
	case KindRouteNotFound:
		return RouteNotFound(path)
	case KindTokenMissing:
		return TokenMissing()
	case KindTokenMalformed:
		return TokenMalformed()
	case KindServiceNotFound:
		return ServiceNotFound(name)
	case KindTimeout:
		return Timeout()
	case KindUnreachable:
		return Unreachable()
	default:
		return Internal()
	}
}

// Abort はエンベロープをJSONとして書き込み、以降のハンドラ実行を中断する。
func Abort(c *gin.Context, e Envelope) {
	c.AbortWithStatusJSON(e.Status(), e)
}
