package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID はリクエストの相関IDを伝播するHTTPヘッダーキー。
const HeaderRequestID = "X-Request-ID"

// RequestID はリクエストに相関IDを付与するGinミドルウェアを返す。
// クライアントが指定した値はそのまま使い、ない場合はUUIDを生成する。
// 付与したIDはインバウンドヘッダーにも設定するため、バックエンドへの転送時に引き継がれる。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
			c.Request.Header.Set(HeaderRequestID, id)
		}
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}
