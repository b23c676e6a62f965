package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/apigateway/pkg/apierror"
	"github.com/nao1215/apigateway/pkg/httpclient"
	"github.com/nao1215/apigateway/pkg/middleware"
)

const (
	// headerAPIKey はサービス間の共有シークレットを送るヘッダー。
	headerAPIKey = "X-API-Key"
	// headerGateway はGateway経由のリクエストであることを示すヘッダー。
	headerGateway = "X-Gateway"
	// headerForwardedFor は接続元クライアントのアドレスを送るヘッダー。
	headerForwardedFor = "X-Forwarded-For"
)

// excludedRequestHeaders はバックエンドに転送しないリクエストヘッダー。
// Content-Lengthはトランスポート層が再計算する。
var excludedRequestHeaders = map[string]struct{}{
	"Host":                {},
	"Connection":          {},
	"Content-Length":      {},
	"Keep-Alive":          {},
	"Proxy-Connection":    {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// excludedResponseHeaders はクライアントに中継しないレスポンスヘッダー。
// いずれもGatewayとクライアント間の接続で改めて決まる。
var excludedResponseHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

// ForwardError は転送の失敗を分類付きで表す。
type ForwardError struct {
	// Kind は失敗の分類。
	Kind apierror.Kind
	// Service は転送先のサービス名。
	Service string
	// Method は転送時のメソッド。
	Method string
	// URL は転送先のURL。URL生成前に失敗した場合は空。
	URL string
	// Err は元になったエラー。
	Err error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("%s %s への転送に失敗 (%s): %v", e.Method, e.URL, e.Kind, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Envelope は失敗に対応するエンベロープを返す。
func (e *ForwardError) Envelope() apierror.Envelope {
	return apierror.ForKind(e.Kind, "", e.Service)
}

// Relayed はバックエンドから受け取ったレスポンス。
// 呼び出し側は必ずCloseすること。
type Relayed struct {
	// StatusCode はバックエンドのステータスコード。
	StatusCode int
	// Header はバックエンドのレスポンスヘッダー。
	Header http.Header
	// Body はバックエンドのレスポンスボディ。
	Body io.ReadCloser
	// URL は転送先のURL。
	URL string

	cancel context.CancelFunc
}

// Close はレスポンスボディを閉じ、転送の制限時間を解放する。
func (r *Relayed) Close() error {
	err := r.Body.Close()
	r.cancel()
	return err
}

// WriteTo はステータスコード、ヘッダー、ボディを変更せずにクライアントへ書き込む。
// ボディはバッファせずにストリームする。
func (r *Relayed) WriteTo(c *gin.Context) (int64, error) {
	dst := c.Writer.Header()
	for key, values := range r.Header {
		if _, skip := excludedResponseHeaders[key]; skip {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	c.Status(r.StatusCode)
	// ボディが空でもGinの404既定本文で上書きされないよう、ここでヘッダーを確定させる
	c.Writer.WriteHeaderNow()
	return io.Copy(c.Writer, r.Body)
}

// Forwarder はインバウンドリクエストから転送先リクエストを組み立てて送信する。
type Forwarder struct {
	clients map[string]*httpclient.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewForwarder は新しいForwarderを生成する。
// clientsはサービス名からクライアントへの対応で、信頼ヘッダーを付与済みであること。
func NewForwarder(clients map[string]*httpclient.Client, timeout time.Duration, logger *zap.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = httpclient.DefaultTimeout
	}
	return &Forwarder{clients: clients, timeout: timeout, logger: logger}
}

// Forward はリクエストをサービスのpathへ転送する。
// methodが空の場合はインバウンドのメソッドを使う。ボディとクエリ文字列は解釈せずにそのまま渡す。
// 失敗時は *ForwardError を返す。
func (f *Forwarder) Forward(ctx context.Context, in *http.Request, service, path, method string) (*Relayed, error) {
	if method == "" {
		method = in.Method
	}

	client, ok := f.clients[service]
	if !ok {
		return nil, f.fail(in, &ForwardError{
			Kind:    apierror.KindServiceNotFound,
			Service: service,
			Method:  method,
			Err:     fmt.Errorf("サービスが未登録です: %s", service),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)

	req, err := client.NewRequest(ctx, method, path, in.URL.RawQuery, in.Body)
	if err != nil {
		cancel()
		return nil, f.fail(in, &ForwardError{
			Kind:    apierror.KindInternal,
			Service: service,
			Method:  method,
			URL:     client.URL(path, in.URL.RawQuery),
			Err:     err,
		})
	}
	req.ContentLength = in.ContentLength
	if in.ContentLength == 0 {
		req.Body = http.NoBody
	}
	copyRequestHeaders(req.Header, in.Header)
	if ip := clientIP(in); ip != "" {
		req.Header.Set(headerForwardedFor, ip)
	} else {
		req.Header.Del(headerForwardedFor)
	}

	f.logger.Info("リクエストを転送",
		zap.String("method", method),
		zap.String("url", req.URL.String()),
		zap.String("service", service),
		zap.String("request_id", in.Header.Get(middleware.HeaderRequestID)),
	)

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		kind := apierror.KindInternal
		switch {
		case httpclient.IsTimeout(err):
			kind = apierror.KindTimeout
		case httpclient.IsUnreachable(err):
			kind = apierror.KindUnreachable
		}
		return nil, f.fail(in, &ForwardError{
			Kind:    kind,
			Service: service,
			Method:  method,
			URL:     req.URL.String(),
			Err:     err,
		})
	}

	return &Relayed{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		URL:        req.URL.String(),
		cancel:     cancel,
	}, nil
}

// fail は転送の失敗をログに記録してそのまま返す。
func (f *Forwarder) fail(in *http.Request, ferr *ForwardError) *ForwardError {
	f.logger.Warn("転送に失敗",
		zap.String("method", ferr.Method),
		zap.String("url", ferr.URL),
		zap.String("path", in.URL.Path),
		zap.String("service", ferr.Service),
		zap.String("kind", ferr.Kind.String()),
		zap.String("request_id", in.Header.Get(middleware.HeaderRequestID)),
		zap.Error(ferr.Err),
	)
	return ferr
}

// copyRequestHeaders は転送対象外を除いたヘッダーをコピーする。
func copyRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		if _, skip := excludedRequestHeaders[http.CanonicalHeaderKey(key)]; skip {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
}

// clientIP は実際の接続元アドレスを返す。インバウンドのヘッダーは信用しない。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
