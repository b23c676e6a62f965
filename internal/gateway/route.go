package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/nao1215/apigateway/pkg/middleware"
)

// pathPlaceholder は書き換えテンプレート中でプレフィックス以降のパスに置換される文字列。
const pathPlaceholder = "{path}"

// RouteRule はパスのプレフィックスから転送先サービスへの対応規則。
type RouteRule struct {
	// Name はログと識別用のルート名。
	Name string
	// Prefix は一致判定に使うパスのプレフィックス。
	Prefix string
	// Service は転送先のサービス名。
	Service string
	// Rewrite は転送先パスのテンプレート。{path} がプレフィックス以降のパスに置換される。
	Rewrite string
	// Methods は許可するHTTPメソッド。空の場合はすべて許可する。
	Methods []string
	// Public がtrueの場合、このプレフィックスは認証不要となる。
	Public bool
	// MethodOverride が空でない場合、転送時のメソッドをこの値に置き換える。
	MethodOverride string
}

// allows はメソッドが許可されているかを返す。
func (r RouteRule) allows(method string) bool {
	return len(r.Methods) == 0 || slices.Contains(r.Methods, method)
}

// Match はルート解決の結果。
type Match struct {
	// Rule は一致したルート。
	Rule RouteRule
	// Service は転送先のサービス名。
	Service string
	// Path は書き換え後の転送先パス。
	Path string
	// Method は転送時のメソッド。
	Method string
}

// RouteTable はプレフィックスの長い順に評価するルートテーブル。
// 同じ長さのプレフィックスは宣言順に評価する。生成後は変更されない。
type RouteTable struct {
	rules []RouteRule
}

// DefaultRoutes は既定のルートテーブルを返す。
func DefaultRoutes() []RouteRule {
	all := []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}
	crud := []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}
	readWrite := []string{http.MethodGet, http.MethodPost}

	return []RouteRule{
		{Name: "auth-login", Prefix: "/api/auth/login", Service: "auth", Rewrite: "/api/login/{path}", Methods: all, Public: true},
		{Name: "auth-register", Prefix: "/api/auth/register", Service: "auth", Rewrite: "/api/register/{path}", Methods: all, Public: true},
		{Name: "auth", Prefix: "/api/auth/", Service: "auth", Rewrite: "/api/{path}", Methods: all},
		{Name: "reservations-item", Prefix: "/api/reservas/", Service: "reservations", Rewrite: "/api/reservas/{path}", Methods: crud},
		{Name: "reservations", Prefix: "/api/reservas", Service: "reservations", Rewrite: "/api/reservas/{path}", Methods: readWrite},
		{Name: "notifications", Prefix: "/api/notifications/", Service: "notifications", Rewrite: "/{path}", Methods: crud},
		{Name: "reports", Prefix: "/api/reports/", Service: "reports", Rewrite: "/api/{path}", Methods: readWrite},
		{Name: "audit", Prefix: "/api/audit/", Service: "audit", Rewrite: "/{path}", Methods: readWrite},
	}
}

// NewRouteTable はルートを検証してルートテーブルを生成する。
// 転送先がレジストリに存在しないルートや、同じプレフィックスで公開設定が
// 食い違うルートがある場合はエラーとする。
func NewRouteTable(rules []RouteRule, registry *Registry) (*RouteTable, error) {
	publicByPrefix := make(map[string]bool, len(rules))
	normalized := make([]RouteRule, 0, len(rules))

	for _, rule := range rules {
		if !strings.HasPrefix(rule.Prefix, "/") {
			return nil, fmt.Errorf("ルート %s のプレフィックスは \"/\" で始まる必要があります: %q", rule.Name, rule.Prefix)
		}
		if _, ok := registry.Lookup(rule.Service); !ok {
			return nil, fmt.Errorf("ルート %s の転送先サービスが未登録です: %s", rule.Name, rule.Service)
		}
		if public, seen := publicByPrefix[rule.Prefix]; seen && public != rule.Public {
			return nil, fmt.Errorf("プレフィックス %s の公開設定が食い違っています", rule.Prefix)
		}
		publicByPrefix[rule.Prefix] = rule.Public

		if rule.Rewrite == "" {
			rule.Rewrite = strings.TrimSuffix(rule.Prefix, "/") + "/" + pathPlaceholder
		}
		methods := make([]string, 0, len(rule.Methods))
		for _, m := range rule.Methods {
			methods = append(methods, strings.ToUpper(m))
		}
		rule.Methods = methods
		rule.MethodOverride = strings.ToUpper(rule.MethodOverride)

		normalized = append(normalized, rule)
	}

	sort.SliceStable(normalized, func(i, j int) bool {
		return len(normalized[i].Prefix) > len(normalized[j].Prefix)
	})
	return &RouteTable{rules: normalized}, nil
}

// Resolve はメソッドとパスに一致する最初のルートを返す。
// pathはエスケープされたままのパスを渡す。
// メソッドが許可されていないルートは一致しないものとして次のルートを評価する。
// "/" で終わるプレフィックスはその後ろにパスが続く場合のみ一致する。
// "." や ".." のセグメントを含むパスはどのルートにも一致しない。
func (t *RouteTable) Resolve(method, path string) (Match, bool) {
	if hasDotSegment(path) {
		return Match{}, false
	}
	for _, rule := range t.rules {
		if !middleware.PathHasPrefix(path, rule.Prefix) || !rule.allows(method) {
			continue
		}
		if strings.HasSuffix(rule.Prefix, "/") && len(path) == len(rule.Prefix) {
			continue
		}

		outMethod := method
		if rule.MethodOverride != "" {
			outMethod = rule.MethodOverride
		}
		return Match{
			Rule:    rule,
			Service: rule.Service,
			Path:    rewritePath(rule.Rewrite, strings.TrimPrefix(path[len(rule.Prefix):], "/")),
			Method:  outMethod,
		}, true
	}
	return Match{}, false
}

// Rules は評価順のルート一覧のコピーを返す。
func (t *RouteTable) Rules() []RouteRule {
	return slices.Clone(t.rules)
}

// PublicPrefixes は公開ルートのプレフィックスを返す。
func (t *RouteTable) PublicPrefixes() []string {
	var out []string
	for _, rule := range t.rules {
		if rule.Public {
			out = append(out, rule.Prefix)
		}
	}
	return out
}

// rewritePath はテンプレートの {path} をsuffixで置換する。
// suffixが空の場合は "/{path}" ごと取り除き、末尾に "/" が残らないようにする。
func rewritePath(template, suffix string) string {
	if suffix == "" {
		template = strings.Replace(template, "/"+pathPlaceholder, "", 1)
	}
	out := strings.Replace(template, pathPlaceholder, suffix, 1)
	if out == "" {
		return "/"
	}
	return out
}

// hasDotSegment はデコード後のパスに "." または ".." のセグメントが含まれるかを返す。
// デコードできないパスも含まれるものとして扱う。
func hasDotSegment(escaped string) bool {
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return true
	}
	for _, segment := range strings.Split(decoded, "/") {
		if segment == "." || segment == ".." {
			return true
		}
	}
	return false
}
