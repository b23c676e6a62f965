package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout はバックエンド呼び出しの既定の制限時間。
const DefaultTimeout = 30 * time.Second

// probeBodyLimit はプローブで読み捨てるレスポンスボディの上限。
const probeBodyLimit = 64 << 10

// Client はバックエンドサービス1つに対応するHTTPクライアント。
// 生成後は変更されないため、複数のゴルーチンから同時に使用できる。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// header は全リクエストに上書き設定する固定ヘッダー。
	header http.Header
}

// Option はClientの生成オプション。
type Option func(*Client)

// WithHeader は全リクエストに付与する固定ヘッダーを追加する。
// 同名のヘッダーがリクエストに存在する場合は上書きする。
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Set(key, value)
	}
}

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://reservation-service:8002"）を指定する。
// 既定のクライアントはリダイレクトを追跡せず、レスポンスの圧縮も解除しない。
// バックエンドの応答をそのまま中継するためである。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: NewHTTPClient(),
		baseURL:    baseURL,
		header:     http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewHTTPClient はリダイレクトを追跡せず、透過的な展開を行わないHTTPクライアントを生成する。
func NewHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true
	transport.MaxIdleConnsPerHost = 32

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// BaseURL は接続先サービスのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// URL はベースURLにパスとクエリ文字列を連結したURLを返す。
func (c *Client) URL(path, rawQuery string) string {
	u := c.baseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// NewRequest はベースURLを起点とするリクエストを生成する。
func (c *Client) NewRequest(ctx context.Context, method, path, rawQuery string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path, rawQuery), body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	return req, nil
}

// Do は固定ヘッダーを設定してリクエストを送信する。
// レスポンスボディのクローズは呼び出し側の責務。
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for key, values := range c.header {
		req.Header[key] = append([]string(nil), values...)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	return resp, nil
}

// ProbeResult はプローブの結果。
type ProbeResult struct {
	// StatusCode はバックエンドが返したステータスコード。
	StatusCode int
	// Latency はリクエスト送信からレスポンスヘッダー受信までの時間。
	Latency time.Duration
}

// Probe は指定パスにGETリクエストを送信し、ステータスコードと応答時間を返す。
// timeoutが正の場合、プローブ全体をその時間で打ち切る。
func (c *Client) Probe(ctx context.Context, path string, timeout time.Duration) (ProbeResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := c.NewRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return ProbeResult{}, err
	}

	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	latency := time.Since(start)
	defer resp.Body.Close()

	// コネクションを再利用できるようにボディを読み捨てる
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))

	return ProbeResult{StatusCode: resp.StatusCode, Latency: latency}, nil
}
