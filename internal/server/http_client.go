package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/dict-hub/internal/config"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	maxUpstreamRedirects   = 10
)

// ErrCrossOriginRedirect 表示上游把字典请求重定向到了其他 origin。
var ErrCrossOriginRedirect = errors.New("dictionary redirect leaves origin")

// 抓取字典用的共享 transport，复用长连接并集中配置超时。
var fetchTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          32,
	MaxIdleConnsPerHost:   8,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回抓取字典的 http.Client：超时取 UpstreamTimeout，
// 重定向只允许停留在原始请求的 origin 内。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     fetchTransport.Clone(),
		CheckRedirect: sameOriginRedirects,
	}
}

func sameOriginRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxUpstreamRedirects {
		return fmt.Errorf("stopped after %d redirects", maxUpstreamRedirects)
	}
	first := via[0].URL
	if !strings.EqualFold(req.URL.Scheme, first.Scheme) || !strings.EqualFold(req.URL.Host, first.Host) {
		return fmt.Errorf("%w: %s", ErrCrossOriginRedirect, req.URL.Redacted())
	}
	return nil
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

// fetchOwnedHeaders 由 Go transport 或本服务自行决定，不从客户端透传。
// 字典协商头必须去掉，否则上游可能返回无法解码的 dcb/dcz 响应。
var fetchOwnedHeaders = map[string]struct{}{
	"Host":                 {},
	"Content-Length":       {},
	"Content-Type":         {},
	"Accept-Encoding":      {},
	"Available-Dictionary": {},
	"Dictionary-Id":        {},
}

// ForwardHeaders 将客户端请求头复制到上游字典请求，跳过 hop-by-hop 字段、
// Connection 中点名的字段以及 fetchOwnedHeaders。
func ForwardHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if IsHopByHopHeader(canonical) {
			continue
		}
		if _, ok := fetchOwnedHeaders[canonical]; ok {
			continue
		}
		if _, ok := named[canonical]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(canonical, value)
		}
	}
}

func connectionTokens(h http.Header) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
