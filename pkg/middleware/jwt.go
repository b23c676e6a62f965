package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// contextKeySubject はGinコンテキストにトークンのsubjectを格納するキー。
const contextKeySubject = "token_subject"

// SubjectFromToken はJWT形式のトークンから "sub" クレームを取り出す。
// 署名と有効期限は検証しないため、結果はアクセスログの相関用途にのみ使用すること。
// JWTでない不透明なトークンの場合は空文字を返す。
func SubjectFromToken(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}

// GetSubject はGinコンテキストからトークンのsubjectを取得する。
// BearerGateが事前に適用されていない場合は空文字を返す。
func GetSubject(c *gin.Context) string {
	return c.GetString(contextKeySubject)
}
