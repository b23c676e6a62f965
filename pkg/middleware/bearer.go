package middleware

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigateway/pkg/apierror"
)

var (
	// ErrTokenMissing はAuthorizationヘッダーが存在しないことを表す。
	ErrTokenMissing = errors.New("Authorizationヘッダーがありません")
	// ErrTokenMalformed はAuthorizationヘッダーが "Bearer <token>" 形式でないことを表す。
	ErrTokenMalformed = errors.New("Authorizationヘッダーの形式が不正です")
)

// BearerGate はリクエストごとにBearerトークンの要否を判定し、ヘッダーの形式を検証する認証ゲート。
// 生成後は変更されないため、複数のゴルーチンから同時に使用できる。
type BearerGate struct {
	// publicPrefixes は認証不要なパスのプレフィックス。
	publicPrefixes []string
	// logger は拒否したリクエストの記録に使用する。
	logger *zap.Logger
}

// NewBearerGate は認証不要なパスのプレフィックスを指定して認証ゲートを生成する。
func NewBearerGate(publicPrefixes []string, logger *zap.Logger) *BearerGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BearerGate{
		publicPrefixes: slices.Clone(publicPrefixes),
		logger:         logger,
	}
}

// PublicPrefixes は認証不要なパスのプレフィックスのコピーを返す。
func (g *BearerGate) PublicPrefixes() []string {
	return slices.Clone(g.publicPrefixes)
}

// RequiresAuth はパスにBearerトークンが必要かどうかを返す。
// 公開プレフィックスの判定はルートテーブルと同じ PathHasPrefix で行う。
func (g *BearerGate) RequiresAuth(path string) bool {
	for _, prefix := range g.publicPrefixes {
		if PathHasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// Validate はAuthorizationヘッダーが "<scheme> <credential>" の2トークンで構成され、
// schemeが大文字小文字を問わず "Bearer" であることを検証し、credentialを返す。
func (g *BearerGate) Validate(header http.Header) (string, error) {
	raw := header.Get("Authorization")
	if raw == "" {
		return "", ErrTokenMissing
	}

	parts := strings.Split(raw, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrTokenMalformed
	}
	return parts[1], nil
}

// Handler は認証ゲートをGinのパイプライン段として返す。
// 拒否時は401のエンベロープを返し、後続の転送を実行しない。
func (g *BearerGate) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// ルートテーブルと同じくエスケープされたままのパスで判定する
		path := c.Request.URL.EscapedPath()
		if !g.RequiresAuth(path) {
			c.Next()
			return
		}

		token, err := g.Validate(c.Request.Header)
		if err != nil {
			envelope := apierror.TokenMalformed()
			if errors.Is(err, ErrTokenMissing) {
				envelope = apierror.TokenMissing()
			}
			g.logger.Info("認証ゲートでリクエストを拒否",
				zap.String("method", c.Request.Method),
				zap.String("path", path),
				zap.String("reason", envelope.Kind().String()),
			)
			apierror.Abort(c, envelope)
			return
		}

		if subject := SubjectFromToken(token); subject != "" {
			c.Set(contextKeySubject, subject)
		}
		c.Next()
	}
}

// PathHasPrefix はパスがプレフィックスに一致するかを判定する。
// "/" で終わるプレフィックスは単純な前方一致、それ以外はパスと完全一致するか、
// プレフィックスの直後が "/" である場合のみ一致とみなす（"/health" は "/healthz" に一致しない）。
func PathHasPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if strings.HasSuffix(prefix, "/") || len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/'
}
