package dictionary

import (
	"errors"
	"net/url"
	"strings"

	"github.com/tidwall/match"
)

// Matcher 从同一 origin 下的候选记录中挑选最适合 u 的一条。
type Matcher interface {
	Match(candidates map[string]Record, u *url.URL) (Record, bool)
}

// PatternMatcher 把 match 字符串当作通配路径：`*` 匹配任意字符（包括 `/`），
// `?` 匹配单个字符。相对路径以字典 URL 为基准解析；绝对 URL 还要求 origin 一致。
// 多条命中时取 match 最长者，其次取 ResponseTime 最新者。
type PatternMatcher struct{}

func (PatternMatcher) Match(candidates map[string]Record, u *url.URL) (Record, bool) {
	var (
		best  Record
		found bool
	)
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	origin := Origin(u)

	for pattern, record := range candidates {
		patternOrigin, patternPath, err := resolvePattern(pattern, record.URL)
		if err != nil || patternOrigin != origin {
			continue
		}
		if !match.Match(target, patternPath) {
			continue
		}
		if !found || better(pattern, record, best) {
			best = record
			found = true
		}
	}
	return best, found
}

func better(pattern string, candidate, current Record) bool {
	if len(pattern) != len(current.Match) {
		return len(pattern) > len(current.Match)
	}
	if !candidate.ResponseTime.Equal(current.ResponseTime) {
		return candidate.ResponseTime.After(current.ResponseTime)
	}
	return pattern < current.Match
}

// ValidateMatch 检查 match 能否以 dictionaryURL 为基准解析，且与字典同源。
func ValidateMatch(pattern, dictionaryURL string) error {
	if strings.TrimSpace(pattern) == "" {
		return errors.New("match pattern is empty")
	}
	base, err := url.Parse(dictionaryURL)
	if err != nil {
		return err
	}
	patternOrigin, _, err := resolvePattern(pattern, dictionaryURL)
	if err != nil {
		return err
	}
	if patternOrigin != Origin(base) {
		return errors.New("match pattern must be same-origin with the dictionary")
	}
	return nil
}

func resolvePattern(pattern, dictionaryURL string) (string, string, error) {
	base, err := url.Parse(dictionaryURL)
	if err != nil {
		return "", "", err
	}

	switch {
	case strings.Contains(pattern, "://"):
		idx := strings.Index(pattern, "://")
		rest := pattern[idx+3:]
		p := "/"
		if slash := strings.Index(rest, "/"); slash >= 0 {
			p = rest[slash:]
			rest = rest[:slash]
		}
		originURL, err := url.Parse(pattern[:idx] + "://" + rest)
		if err != nil {
			return "", "", err
		}
		if originURL.Host == "" {
			return "", "", errors.New("match pattern has no host")
		}
		return Origin(originURL), p, nil
	case strings.HasPrefix(pattern, "/"):
		return Origin(base), pattern, nil
	default:
		dir := base.EscapedPath()
		if i := strings.LastIndex(dir, "/"); i >= 0 {
			dir = dir[:i+1]
		} else {
			dir = "/"
		}
		return Origin(base), dir + pattern, nil
	}
}
