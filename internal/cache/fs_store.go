package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 串行化同一 key 的提交与删除，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) OpenOrCreateEntry(ctx context.Context, key string, create bool) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := s.entryPath(key)
	if err != nil {
		return nil, err
	}

	unlock := s.lockEntry(key)
	defer unlock()

	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
	case err == nil:
		return nil, ErrNotFound
	case errors.Is(err, fs.ErrNotExist):
		if !create {
			return nil, ErrNotFound
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache entry: %w", err)
		}
	default:
		return nil, err
	}

	return &fileEntry{
		store:   s,
		key:     key,
		dir:     dir,
		pending: make(map[int]*os.File),
	}, nil
}

func (s *fileStore) DoomEntry(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.entryPath(key)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(key)
	defer unlock()

	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	shards, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.basePath, shard.Name()))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() && strings.HasPrefix(entry.Name(), shard.Name()) {
				keys = append(keys, entry.Name())
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(key string) (string, error) {
	if len(key) < 2 {
		return "", errors.New("cache key too short")
	}
	if strings.ContainsAny(key, `/\`) || key == ".." || strings.HasPrefix(key, ".") {
		return "", errors.New("invalid cache key")
	}

	dir := filepath.Join(s.basePath, key[:2], key)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

// fileEntry 表示一个已打开的条目；写入先进入 pending 临时文件，Close 时 rename 提交。
type fileEntry struct {
	store *fileStore
	key   string
	dir   string

	mu      sync.Mutex
	pending map[int]*os.File
	closed  bool
}

func (e *fileEntry) Key() string {
	return e.key
}

func (e *fileEntry) DataSize(stream int) int64 {
	if !validStream(stream) {
		return 0
	}
	info, err := os.Stat(e.streamPath(stream))
	if err != nil {
		return 0
	}
	return info.Size()
}

func (e *fileEntry) ReadData(ctx context.Context, stream int, offset int64, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !validStream(stream) {
		return 0, ErrInvalidStream
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, ErrEntryClosed
	}

	f, err := os.Open(e.streamPath(stream))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (e *fileEntry) WriteData(ctx context.Context, stream int, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !validStream(stream) {
		return 0, ErrInvalidStream
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEntryClosed
	}

	f := e.pending[stream]
	if f == nil {
		tmp, err := os.CreateTemp(e.dir, ".stream-*")
		if err != nil {
			return 0, err
		}
		e.pending[stream] = tmp
		f = tmp
	}

	n, err := f.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	return n, err
}

func (e *fileEntry) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if len(e.pending) == 0 {
		return nil
	}

	unlock := e.store.lockEntry(e.key)
	defer unlock()

	var errs error
	for stream, tmp := range e.pending {
		name := tmp.Name()
		if err := tmp.Close(); err != nil {
			errs = multierr.Append(errs, err)
			os.Remove(name)
			continue
		}
		if err := os.Rename(name, e.streamPath(stream)); err != nil {
			errs = multierr.Append(errs, err)
			os.Remove(name)
		}
	}
	e.pending = nil
	return errs
}

func (e *fileEntry) streamPath(stream int) string {
	return filepath.Join(e.dir, "stream-"+strconv.Itoa(stream))
}

func validStream(stream int) bool {
	return stream >= 0 && stream < MaxStreams
}
