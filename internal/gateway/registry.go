package gateway

import (
	"fmt"
	"net/url"
	"strings"
)

// Service はレジストリに登録されたバックエンドサービス。
type Service struct {
	// Name はサービス名。
	Name string
	// URL は末尾の "/" を除いたベースURL。
	URL string
	// HealthPath はヘルスチェックのパス。
	HealthPath string
}

// Registry はサービス名からベースURLへの対応表。宣言順を保持する。
// 生成後は変更されないため、ロックなしで並行に参照できる。
type Registry struct {
	services []Service
	index    map[string]int
}

// NewRegistry はサービス設定からレジストリを生成する。
// 名前の重複、空の名前、http/https以外のURLはエラーとする。
func NewRegistry(configs []ServiceConfig) (*Registry, error) {
	r := &Registry{
		services: make([]Service, 0, len(configs)),
		index:    make(map[string]int, len(configs)),
	}
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("サービス名が空です: url=%s", cfg.URL)
		}
		if _, dup := r.index[cfg.Name]; dup {
			return nil, fmt.Errorf("サービス名が重複しています: %s", cfg.Name)
		}

		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("サービス %s のURLが不正です: %w", cfg.Name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("サービス %s のURLが不正です: %q", cfg.Name, cfg.URL)
		}

		healthPath := cfg.HealthPath
		if healthPath == "" {
			healthPath = "/health"
		}
		if !strings.HasPrefix(healthPath, "/") {
			healthPath = "/" + healthPath
		}

		r.index[cfg.Name] = len(r.services)
		r.services = append(r.services, Service{
			Name:       cfg.Name,
			URL:        strings.TrimRight(cfg.URL, "/"),
			HealthPath: healthPath,
		})
	}
	return r, nil
}

// Lookup はサービス名に対応するサービスを返す。
func (r *Registry) Lookup(name string) (Service, bool) {
	i, ok := r.index[name]
	if !ok {
		return Service{}, false
	}
	return r.services[i], true
}

// Services は登録順のサービス一覧のコピーを返す。
func (r *Registry) Services() []Service {
	out := make([]Service, len(r.services))
	copy(out, r.services)
	return out
}

// URLs はサービス名からベースURLへの対応を返す。
func (r *Registry) URLs() map[string]string {
	out := make(map[string]string, len(r.services))
	for _, s := range r.services {
		out[s.Name] = s.URL
	}
	return out
}
