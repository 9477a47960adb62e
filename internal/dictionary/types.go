package dictionary

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIOPending 表示结果将通过回调异步送达。
	ErrIOPending = errors.New("dictionary: io pending")
	// ErrDictionaryLoadFailed 是 ReadAll 对外暴露的唯一失败结果。
	ErrDictionaryLoadFailed = errors.New("dictionary: load failed")

	// ErrEntryNotFound 表示元数据指向的磁盘条目不存在。
	ErrEntryNotFound = errors.New("dictionary: disk cache entry not found")
	// ErrSizeMismatch 表示磁盘条目大小或实际读取字节数与元数据不一致。
	ErrSizeMismatch = errors.New("dictionary: size mismatch")

	// ErrEmptyDictionary 表示写入结束时没有任何内容。
	ErrEmptyDictionary = errors.New("dictionary: empty dictionary")
	// ErrDictionaryTooLarge 表示写入内容超过单个字典的大小上限。
	ErrDictionaryTooLarge = errors.New("dictionary: dictionary too large")
	// ErrWriterDone 表示 Writer 已经 Finish 或 Abort。
	ErrWriterDone = errors.New("dictionary: writer already finished")
	// ErrManagerClosed 表示 Manager 已关闭，写入无法登记。
	ErrManagerClosed = errors.New("dictionary: manager closed")
)

// Hash 是字典内容的 SHA-256 摘要。
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash 解析十六进制编码的 SHA-256。
func ParseHash(raw string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(decoded))
	}
	copy(h[:], decoded)
	return h, nil
}

// IsolationKey 决定字典存放在哪个分区，不同分区之间互不可见。
type IsolationKey struct {
	FrameOrigin  string
	TopFrameSite string
}

func (k IsolationKey) String() string {
	return k.FrameOrigin + " " + k.TopFrameSite
}

// Record 是一条持久化的字典元数据。
type Record struct {
	// ID 是元数据库中的主键，尚未落库时为 0。
	ID           int64
	URL          string
	Match        string
	ResponseTime time.Time
	// Expiration 为零表示永不过期。
	Expiration   time.Duration
	LastUsedTime time.Time
	Size         int64
	Hash         Hash
	Token        uuid.UUID
}

// Origin 返回字典 URL 的 scheme-host-port，解析失败时返回空串。
func (r Record) Origin() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return Origin(u)
}

// ExpirationTime 返回记录的过期时刻；永不过期时返回零值。
func (r Record) ExpirationTime() time.Time {
	if r.Expiration <= 0 {
		return time.Time{}
	}
	return r.ResponseTime.Add(r.Expiration)
}

// IsExpired 判断记录在 now 时刻是否已过期。
func (r Record) IsExpired(now time.Time) bool {
	exp := r.ExpirationTime()
	return !exp.IsZero() && !now.Before(exp)
}

// Origin 将 URL 归一化为 scheme://host:port，默认端口省略。
func Origin(u *url.URL) string {
	if u == nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port == "" {
		if strings.Contains(host, ":") {
			return scheme + "://[" + host + "]"
		}
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}
