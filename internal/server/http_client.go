package server

import (
	"context"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/rs/dnscache"

	"github.com/any-hub/swcache/internal/config"
)

// NewResolver returns a DNS cache shared by upstream connections.
func NewResolver() *dnscache.Resolver {
	return &dnscache.Resolver{}
}

// NewUpstreamClient 返回共享 http.Client；resolver 非空时拨号走 DNS 缓存。
// 源站的重定向原样交还给页面，不在代理内跟随。
func NewUpstreamClient(cfg *config.Config, resolver *dnscache.Resolver) *http.Client {
	client := newClient(cfg, resolver)
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

// NewSeedClient 用于 install 阶段抓取种子资源，按 net/http 默认策略跟随重定向，
// 最终的 200 响应以种子 URL 为 key 存入缓存。
func NewSeedClient(cfg *config.Config, resolver *dnscache.Resolver) *http.Client {
	return newClient(cfg, resolver)
}

func newClient(cfg *config.Config, resolver *dnscache.Resolver) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext:           dialer.DialContext,
	}
	if resolver != nil {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// RefreshResolver 周期性清理 DNS 缓存，直到 ctx 结束。
func RefreshResolver(ctx context.Context, resolver *dnscache.Resolver, every time.Duration) {
	if resolver == nil || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
