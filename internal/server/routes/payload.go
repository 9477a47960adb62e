package routes

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dunglas/httpsfv"

	"github.com/any-hub/dict-hub/internal/dictionary"
	"github.com/any-hub/dict-hub/internal/server"
)

type recordPayload struct {
	ID           int64  `json:"id"`
	URL          string `json:"url"`
	Match        string `json:"match"`
	Origin       string `json:"origin"`
	ResponseTime string `json:"response_time"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	LastUsedTime string `json:"last_used_time"`
	Size         int64  `json:"size"`
	SHA256       string `json:"sha256"`
	Token        string `json:"token"`
}

type sitePayload struct {
	Name         string `json:"name"`
	Domain       string `json:"domain"`
	FrameOrigin  string `json:"frame_origin"`
	TopFrameSite string `json:"top_frame_site"`
}

func encodeRecord(r dictionary.Record) recordPayload {
	payload := recordPayload{
		ID:           r.ID,
		URL:          r.URL,
		Match:        r.Match,
		Origin:       r.Origin(),
		ResponseTime: formatTime(r.ResponseTime),
		LastUsedTime: formatTime(r.LastUsedTime),
		Size:         r.Size,
		SHA256:       r.Hash.String(),
		Token:        r.Token.String(),
	}
	if exp := r.ExpirationTime(); !exp.IsZero() {
		payload.ExpiresAt = formatTime(exp)
	}
	return payload
}

func encodeRecords(records []dictionary.Record) []recordPayload {
	result := make([]recordPayload, 0, len(records))
	for _, r := range records {
		result = append(result, encodeRecord(r))
	}
	return result
}

func encodeSites(routes []server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, sitePayload{
			Name:         route.Config.Name,
			Domain:       route.Config.Domain,
			FrameOrigin:  route.IsolationKey.FrameOrigin,
			TopFrameSite: route.IsolationKey.TopFrameSite,
		})
	}
	return result
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// resolveTarget 解析 url 查询参数。以 / 开头的相对路径按站点 origin 补全。
func resolveTarget(route *server.SiteRoute, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("url is required")
	}
	if strings.HasPrefix(raw, "/") {
		raw = route.IsolationKey.FrameOrigin + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url has no host")
	}
	u.Fragment = ""
	return u, nil
}

// parseTTL 接受 Go Duration 字符串或秒数，空串表示永不过期。
func parseTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			return 0, fmt.Errorf("invalid ttl: %s", raw)
		}
		ttl = time.Duration(seconds) * time.Second
	}
	if ttl < 0 {
		return 0, fmt.Errorf("ttl must not be negative: %s", raw)
	}
	return ttl, nil
}

// upstreamDictionaryHints 从 Use-As-Dictionary 与 Cache-Control 中提取 match 与有效期。
// 两个头都按 RFC 8941 Dictionary 解析；解析失败视为没有提示。
func upstreamDictionaryHints(useAsDictionary, cacheControl string) (string, time.Duration) {
	var match string
	if item, ok := dictionaryMember(useAsDictionary, "match"); ok {
		match, _ = item.Value.(string)
	}

	var ttl time.Duration
	// Cache-Control 指令名不区分大小写，这里只读取整数 max-age。
	if item, ok := dictionaryMember(strings.ToLower(cacheControl), "max-age"); ok {
		if seconds, ok := item.Value.(int64); ok && seconds > 0 {
			ttl = time.Duration(seconds) * time.Second
		}
	}
	return match, ttl
}

func dictionaryMember(raw, key string) (httpsfv.Item, bool) {
	if strings.TrimSpace(raw) == "" {
		return httpsfv.Item{}, false
	}
	dict, err := httpsfv.UnmarshalDictionary([]string{raw})
	if err != nil {
		return httpsfv.Item{}, false
	}
	member, ok := dict.Get(key)
	if !ok {
		return httpsfv.Item{}, false
	}
	item, ok := member.(httpsfv.Item)
	return item, ok
}
