// Package security は外部URLへのアクセスと外部由来テキストの表示に関する防御を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrBlockedURL はアクセスが許可されないURLであることを表す。
var ErrBlockedURL = errors.New("blocked url")

// URLGuard はカタログに登録された外部ストリームURLへのアクセスを制限する。
type URLGuard interface {
	// Client は内部ネットワークへの接続をダイヤル時に拒否するHTTPクライアントを返す。
	// DNS解決後のIPアドレスを検証するため、DNS再バインディングにも有効。
	Client(timeout time.Duration) *http.Client

	// Check はDNS解決を伴わない静的な事前検証を行う。
	Check(rawURL string) error
}

// defaultPorts はポート指定がない場合に許可するポート。
var defaultPorts = []int{80, 443}

// blockedPrefixes は接続先として拒否するアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),      // カレントネットワーク
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC 1918
	netip.MustParsePrefix("100.64.0.0/10"),  // CGNAT
	netip.MustParsePrefix("127.0.0.0/8"),    // ループバック
	netip.MustParsePrefix("169.254.0.0/16"), // リンクローカル（メタデータIPを含む）
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC 1918
	netip.MustParsePrefix("192.168.0.0/16"), // RFC 1918
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// outboundGuard はURLGuardの実装。
type outboundGuard struct {
	ports []int
}

// NewOutboundGuard はURLGuardを生成する。portsを省略した場合は80と443のみ許可する。
func NewOutboundGuard(ports ...int) *outboundGuard {
	if len(ports) == 0 {
		ports = defaultPorts
	}
	return &outboundGuard{ports: ports}
}

// Client はsafeurlでラップしたHTTPクライアントを返す。
func (g *outboundGuard) Client(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(g.ports...).
		Build()

	return safeurl.Client(cfg).Client
}

// Check はスキーム・ポート・ホストを検証する。
func (g *outboundGuard) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: host %s", ErrBlockedURL, host)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || !g.portAllowed(port) {
			return fmt.Errorf("%w: port %s", ErrBlockedURL, p)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil && blockedAddr(addr) {
		return fmt.Errorf("%w: address %s", ErrBlockedURL, addr)
	}
	return nil
}

func (g *outboundGuard) portAllowed(port int) bool {
	for _, p := range g.ports {
		if p == port {
			return true
		}
	}
	return false
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
