package dictionary

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/any-hub/dict-hub/internal/cache"
)

type loadState int

const (
	stateLoading loadState = iota
	stateDone
	stateFailed
)

// SharedDictionaryOnDisk 负责把一个磁盘条目的字典正文读入内存，且只读一次。
// 构造时立即在后台打开条目并读取；期间到达的 ReadAll 回调排队，
// 在进入终态的那一刻按注册顺序统一触发。
type SharedDictionaryOnDisk struct {
	size  int64
	hash  Hash
	token uuid.UUID

	mu      sync.Mutex
	state   loadState
	data    []byte
	waiters []func(error)
	onError func(error)
	done    chan struct{}
}

// NewSharedDictionaryOnDisk 启动对 token 条目的异步读取。onError 至多被调用一次，
// 用于让上层清理已知损坏的条目；ReadAll 的调用方只会看到成功或 ErrDictionaryLoadFailed。
func NewSharedDictionaryOnDisk(ctx context.Context, size int64, hash Hash, token uuid.UUID, backend cache.Backend, onError func(error)) *SharedDictionaryOnDisk {
	d := newPendingSharedDictionary(size, hash, token, onError)
	go d.load(ctx, backend)
	return d
}

// newPendingSharedDictionary 只构造处于 Loading 状态的对象，由调用方负责启动 load。
func newPendingSharedDictionary(size int64, hash Hash, token uuid.UUID, onError func(error)) *SharedDictionaryOnDisk {
	return &SharedDictionaryOnDisk{
		size:    size,
		hash:    hash,
		token:   token,
		state:   stateLoading,
		onError: onError,
		done:    make(chan struct{}),
	}
}

func (d *SharedDictionaryOnDisk) load(ctx context.Context, backend cache.Backend) {
	data, err := d.readEntry(ctx, backend)
	d.finish(data, err)
}

// readEntry 打开条目并校验两次大小：打开时的 stream 长度与实际读到的字节数。
// 无论成功与否，条目句柄都在返回前关闭。
func (d *SharedDictionaryOnDisk) readEntry(ctx context.Context, backend cache.Backend) ([]byte, error) {
	entry, err := backend.OpenOrCreateEntry(ctx, d.token.String(), false)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("open dictionary entry: %w", err)
	}
	defer entry.Close()

	if got := entry.DataSize(cache.StreamBody); got != d.size {
		return nil, fmt.Errorf("%w: entry holds %d bytes, record expects %d", ErrSizeMismatch, got, d.size)
	}

	buf := make([]byte, d.size)
	n, err := entry.ReadData(ctx, cache.StreamBody, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("read dictionary entry: %w", err)
	}
	if int64(n) != d.size {
		return nil, fmt.Errorf("%w: read %d bytes, record expects %d", ErrSizeMismatch, n, d.size)
	}
	return buf, nil
}

func (d *SharedDictionaryOnDisk) finish(data []byte, err error) {
	d.mu.Lock()
	if err != nil {
		d.state = stateFailed
	} else {
		d.state = stateDone
		d.data = data
	}
	waiters := d.waiters
	d.waiters = nil
	onError := d.onError
	d.onError = nil
	close(d.done)
	d.mu.Unlock()

	result := error(nil)
	if err != nil {
		result = ErrDictionaryLoadFailed
		if onError != nil {
			onError(err)
		}
	}
	for _, waiter := range waiters {
		waiter(result)
	}
}

// ReadAll 在已完成时同步返回 nil，已失败时同步返回 ErrDictionaryLoadFailed，
// 这两种情况下 callback 不会被调用。加载中时登记 callback 并返回 ErrIOPending。
func (d *SharedDictionaryOnDisk) ReadAll(callback func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case stateDone:
		return nil
	case stateFailed:
		return ErrDictionaryLoadFailed
	}
	if callback != nil {
		d.waiters = append(d.waiters, callback)
	}
	return ErrIOPending
}

// Wait 阻塞直到加载结束或 ctx 结束。
func (d *SharedDictionaryOnDisk) Wait(ctx context.Context) error {
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.ReadAll(nil)
}

// Data 返回共享的字典正文，只能在加载成功后调用。
func (d *SharedDictionaryOnDisk) Data() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateDone {
		panic("dictionary: Data called before the dictionary finished loading")
	}
	return d.data
}

func (d *SharedDictionaryOnDisk) Size() int64 {
	return d.size
}

func (d *SharedDictionaryOnDisk) Hash() Hash {
	return d.hash
}

// Token 返回磁盘条目的 key token。
func (d *SharedDictionaryOnDisk) Token() uuid.UUID {
	return d.token
}
