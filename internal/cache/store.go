package cache

import (
	"context"
	"errors"
)

// Stream 编号约定：0 保存 JSON 头信息，1 保存字典正文。
const (
	StreamHeader = 0
	StreamBody   = 1

	// MaxStreams 限制单个条目可用的 stream 数量。
	MaxStreams = 3
)

// Backend 描述磁盘缓存的条目级接口。磁盘布局遵循：
//
//	<StoragePath>/<key[0:2]>/<key>/stream-<N>
//
// 所有方法都可能阻塞在磁盘 I/O 上，调用方自行决定是否放入 goroutine。
type Backend interface {
	// OpenOrCreateEntry 打开 key 对应的条目；create 为 false 且条目不存在时返回 ErrNotFound。
	OpenOrCreateEntry(ctx context.Context, key string, create bool) (Entry, error)

	// DoomEntry 删除条目及其所有 stream，条目不存在时视为成功。
	DoomEntry(ctx context.Context, key string) error

	// Keys 列出当前磁盘上的全部条目 key，用于启动时的元数据对账。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 是一个已打开的缓存条目句柄，使用完毕后必须 Close。
type Entry interface {
	Key() string

	// DataSize 返回已提交 stream 的字节数，不存在的 stream 返回 0。
	DataSize(stream int) int64

	// ReadData 从 stream 的 offset 处读取至多 len(buf) 字节。
	ReadData(ctx context.Context, stream int, offset int64, buf []byte) (int, error)

	// WriteData 将 data 追加到 stream 的暂存内容中，Close 时原子提交。
	WriteData(ctx context.Context, stream int, data []byte) (int, error)

	// Close 提交暂存写入并释放句柄。
	Close() error
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidStream 表示 stream 编号越界。
	ErrInvalidStream = errors.New("invalid cache stream")
	// ErrEntryClosed 表示句柄已经 Close。
	ErrEntryClosed = errors.New("cache entry closed")
)
