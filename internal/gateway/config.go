package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nao1215/apigateway/pkg/httpclient"
)

// ErrMissingAPIKey は共有シークレットが必須の環境で未設定であることを表す。
var ErrMissingAPIKey = errors.New("API_KEYが設定されていません")

// ServiceConfig はバックエンドサービス1つの設定。
type ServiceConfig struct {
	// Name はサービス名。ルートの転送先として参照される。
	Name string `mapstructure:"name"`
	// URL はサービスのベースURL。
	URL string `mapstructure:"url"`
	// HealthPath はヘルスチェックのパス。未指定時は "/health"。
	HealthPath string `mapstructure:"health_path"`
}

// RouteConfig は設定ファイルで指定するルート1つの設定。
type RouteConfig struct {
	Name           string   `mapstructure:"name"`
	Prefix         string   `mapstructure:"prefix"`
	Service        string   `mapstructure:"service"`
	Rewrite        string   `mapstructure:"rewrite"`
	Methods        []string `mapstructure:"methods"`
	Public         bool     `mapstructure:"public"`
	MethodOverride string   `mapstructure:"method_override"`
}

// Config はGatewayの起動時設定。LoadConfigで一度だけ構築し、以降は変更しない。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// APIKey はバックエンドへ X-API-Key として送る共有シークレット。
	APIKey string
	// RequireAPIKey がtrueの場合、APIKeyが空だと起動に失敗する。
	RequireAPIKey bool
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string
	// ProxyTimeout は転送1回あたりの制限時間。
	ProxyTimeout time.Duration
	// HealthTimeout はヘルスチェックのプローブ1回あたりの制限時間。
	HealthTimeout time.Duration
	// AllowedOrigins はCORSで許可するオリジン。"*" はすべて許可。
	AllowedOrigins []string
	// PublicPrefixes は認証不要なパスのプレフィックス。
	PublicPrefixes []string
	// Services はバックエンドサービスの一覧。宣言順を保持する。
	Services []ServiceConfig
	// Routes はルートテーブル。
	Routes []RouteRule
}

// defaultPublicPrefixes は認証不要なパスの既定値。
var defaultPublicPrefixes = []string{
	"/api/auth/login",
	"/api/auth/register",
	"/health",
	"/api/health",
}

// defaultServices はサービス名、URLの環境変数キー、既定URLの組。
var defaultServices = []struct {
	name string
	key  string
	url  string
}{
	{"auth", "auth_service_url", "http://auth-service:8000"},
	{"reservations", "reservation_service_url", "http://reservation-service:8002"},
	{"notifications", "notifications_service_url", "http://notifications-service:5000"},
	{"reports", "reports_service_url", "http://reports-service:8001"},
	{"audit", "audit_service_url", "http://audit_service:5004"},
}

// LoadConfig は環境変数と任意の設定ファイル（GATEWAY_CONFIG）から設定を読み込み、検証する。
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	return loadConfig(v)
}

// loadConfig は与えられたviperインスタンスから設定を構築する。
func loadConfig(v *viper.Viper) (*Config, error) {
	v.SetDefault("port", "3000")
	v.SetDefault("api_key", "")
	v.SetDefault("require_api_key", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("proxy_timeout", httpclient.DefaultTimeout)
	v.SetDefault("health_timeout", 5*time.Second)
	v.SetDefault("cors_allowed_origins", "*")
	for _, s := range defaultServices {
		v.SetDefault(s.key, s.url)
	}

	if path := v.GetString("gateway_config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	proxyTimeout, err := durationValue(v, "proxy_timeout")
	if err != nil {
		return nil, err
	}
	healthTimeout, err := durationValue(v, "health_timeout")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           v.GetString("port"),
		APIKey:         v.GetString("api_key"),
		RequireAPIKey:  v.GetBool("require_api_key"),
		LogLevel:       v.GetString("log_level"),
		ProxyTimeout:   proxyTimeout,
		HealthTimeout:  healthTimeout,
		AllowedOrigins: stringList(v, "cors_allowed_origins"),
		PublicPrefixes: defaultPublicPrefixes,
		Routes:         DefaultRoutes(),
	}

	if v.IsSet("public_routes") {
		cfg.PublicPrefixes = stringList(v, "public_routes")
	}

	if v.IsSet("services") {
		if err := v.UnmarshalKey("services", &cfg.Services); err != nil {
			return nil, fmt.Errorf("servicesの読み込みに失敗: %w", err)
		}
	} else {
		for _, s := range defaultServices {
			cfg.Services = append(cfg.Services, ServiceConfig{Name: s.name, URL: v.GetString(s.key)})
		}
	}

	if v.IsSet("routes") {
		var routes []RouteConfig
		if err := v.UnmarshalKey("routes", &routes); err != nil {
			return nil, fmt.Errorf("routesの読み込みに失敗: %w", err)
		}
		cfg.Routes = make([]RouteRule, 0, len(routes))
		for _, r := range routes {
			cfg.Routes = append(cfg.Routes, RouteRule(r))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定の整合性を検証する。
// 共有シークレットが必須なのに空の場合、認証ゲートが実質無効な状態で
// 起動しないようにエラーを返す。
func (c *Config) Validate() error {
	if c.RequireAPIKey && c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Port == "" {
		return errors.New("PORTが空です")
	}
	if c.ProxyTimeout <= 0 {
		return fmt.Errorf("PROXY_TIMEOUTは正の値である必要があります: %s", c.ProxyTimeout)
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("HEALTH_TIMEOUTは正の値である必要があります: %s", c.HealthTimeout)
	}
	if len(c.Services) == 0 {
		return errors.New("サービスが1つも設定されていません")
	}
	return nil
}

// durationValue は時間の設定値を読み込む。単位のない数値は秒として扱う。
func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	var s string
	switch raw := v.Get(key).(type) {
	case string:
		s = strings.TrimSpace(raw)
	case int:
		return time.Duration(raw) * time.Second, nil
	case float64:
		return time.Duration(raw * float64(time.Second)), nil
	default:
		return v.GetDuration(key), nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%sの値が不正です %q: %w", strings.ToUpper(key), s, err)
	}
	return d, nil
}

// stringList はカンマ区切りの文字列またはリストの設定値を読み込む。
func stringList(v *viper.Viper, key string) []string {
	s, ok := v.Get(key).(string)
	if !ok {
		return v.GetStringSlice(key)
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
