package dictionary

import (
	"context"
	"sync"
	"sync/atomic"
)

// RefCountedSharedDictionary 被所有解析到同一 token 的请求共享。
// 引用计数归零时执行 onRelease（恰好一次），由 StorageOnDisk 用来把自己从索引中摘除。
// 释放并不会取消进行中的磁盘读取，读取会自行完成并关闭条目句柄。
type RefCountedSharedDictionary struct {
	dict      *SharedDictionaryOnDisk
	refs      atomic.Int32
	onRelease func()
}

func newRefCountedSharedDictionary(dict *SharedDictionaryOnDisk, onRelease func()) *RefCountedSharedDictionary {
	d := &RefCountedSharedDictionary{
		dict:      dict,
		onRelease: onRelease,
	}
	d.refs.Store(1)
	return d
}

// tryAcquire 只在引用计数仍为正时加一，避免复活一个正在销毁的对象。
func (d *RefCountedSharedDictionary) tryAcquire() bool {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return false
		}
		if d.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (d *RefCountedSharedDictionary) release() {
	switch n := d.refs.Add(-1); {
	case n == 0:
		if d.onRelease != nil {
			d.onRelease()
		}
	case n < 0:
		panic("dictionary: invalid reference count")
	}
}

func (d *RefCountedSharedDictionary) refCount() int32 {
	return d.refs.Load()
}

func (d *RefCountedSharedDictionary) ReadAll(callback func(error)) error {
	return d.dict.ReadAll(callback)
}

func (d *RefCountedSharedDictionary) Wait(ctx context.Context) error {
	return d.dict.Wait(ctx)
}

func (d *RefCountedSharedDictionary) Data() []byte {
	return d.dict.Data()
}

func (d *RefCountedSharedDictionary) Size() int64 {
	return d.dict.Size()
}

func (d *RefCountedSharedDictionary) Hash() Hash {
	return d.dict.Hash()
}

// WrappedSharedDictionary 是单个请求持有的句柄，所有读操作都转发给共享对象。
// 请求结束时必须调用 Release；重复 Release 是安全的。
type WrappedSharedDictionary struct {
	dict *RefCountedSharedDictionary
	once sync.Once
}

func newWrappedSharedDictionary(dict *RefCountedSharedDictionary) *WrappedSharedDictionary {
	return &WrappedSharedDictionary{dict: dict}
}

// ReadAll 见 SharedDictionaryOnDisk.ReadAll。
func (w *WrappedSharedDictionary) ReadAll(callback func(error)) error {
	return w.dict.ReadAll(callback)
}

func (w *WrappedSharedDictionary) Wait(ctx context.Context) error {
	return w.dict.Wait(ctx)
}

func (w *WrappedSharedDictionary) Data() []byte {
	return w.dict.Data()
}

func (w *WrappedSharedDictionary) Size() int64 {
	return w.dict.Size()
}

func (w *WrappedSharedDictionary) Hash() Hash {
	return w.dict.Hash()
}

// Release 归还本句柄持有的引用。
func (w *WrappedSharedDictionary) Release() {
	w.once.Do(w.dict.release)
}
