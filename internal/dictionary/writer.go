package dictionary

import (
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/dict-hub/internal/cache"
)

type writerState int

const (
	writerWriting writerState = iota
	writerFinished
	writerFailed
)

// Writer 把一个字典流式写入新的磁盘条目，边写边计算 SHA-256。
// Finish 成功返回时记录已经登记到元数据库，并对同一 StorageOnDisk 的 GetDictionary 可见。
type Writer struct {
	manager      *Manager
	storage      *StorageOnDisk
	url          *url.URL
	responseTime time.Time
	expiration   time.Duration
	match        string
	token        uuid.UUID

	mu     sync.Mutex
	state  writerState
	err    error
	entry  cache.Entry
	hasher hash.Hash
	size   int64
}

// entryHeader 写入 stream 0，便于离线排查磁盘条目归属。
type entryHeader struct {
	URL          string    `json:"url"`
	Match        string    `json:"match"`
	ResponseTime time.Time `json:"response_time"`
	Size         int64     `json:"size"`
	Hash         string    `json:"sha256"`
}

func (m *Manager) newWriter(s *StorageOnDisk, u *url.URL, responseTime time.Time, expiration time.Duration, match string) *Writer {
	if responseTime.IsZero() {
		responseTime = m.now()
	}
	return &Writer{
		manager:      m,
		storage:      s,
		url:          u,
		responseTime: responseTime,
		expiration:   expiration,
		match:        match,
		token:        uuid.New(),
		hasher:       sha256.New(),
	}
}

// Token 返回新条目使用的 key token。
func (w *Writer) Token() uuid.UUID {
	return w.token
}

// Write 让 Writer 可以直接作为 io.Copy 的目标。
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.Append(w.manager.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Append 追加一段字典内容。首次调用时创建磁盘条目。
func (w *Writer) Append(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerWriting {
		if w.err != nil {
			return w.err
		}
		return ErrWriterDone
	}
	if len(data) == 0 {
		return nil
	}

	if limit := w.manager.maxDictionarySize; limit > 0 && w.size+int64(len(data)) > limit {
		return w.failLocked(ctx, fmt.Errorf("%w: exceeds %d bytes", ErrDictionaryTooLarge, limit))
	}

	if w.entry == nil {
		entry, err := w.manager.diskCache.OpenOrCreateEntry(ctx, w.token.String(), true)
		if err != nil {
			return w.failLocked(ctx, fmt.Errorf("create dictionary entry: %w", err))
		}
		w.entry = entry
	}

	if _, err := w.entry.WriteData(ctx, cache.StreamBody, data); err != nil {
		return w.failLocked(ctx, fmt.Errorf("write dictionary entry: %w", err))
	}
	w.hasher.Write(data)
	w.size += int64(len(data))
	return nil
}

// Finish 提交磁盘条目、登记元数据并通知 StorageOnDisk。
func (w *Writer) Finish(ctx context.Context) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerWriting {
		if w.err != nil {
			return Record{}, w.err
		}
		return Record{}, ErrWriterDone
	}
	if w.size == 0 {
		return Record{}, w.failLocked(ctx, ErrEmptyDictionary)
	}

	var digest Hash
	copy(digest[:], w.hasher.Sum(nil))

	record := Record{
		URL:          w.url.String(),
		Match:        w.match,
		ResponseTime: w.responseTime,
		Expiration:   w.expiration,
		LastUsedTime: w.responseTime,
		Size:         w.size,
		Hash:         digest,
		Token:        w.token,
	}

	header, err := json.Marshal(entryHeader{
		URL:          record.URL,
		Match:        record.Match,
		ResponseTime: record.ResponseTime,
		Size:         record.Size,
		Hash:         digest.String(),
	})
	if err != nil {
		return Record{}, w.failLocked(ctx, fmt.Errorf("encode entry header: %w", err))
	}
	if _, err := w.entry.WriteData(ctx, cache.StreamHeader, header); err != nil {
		return Record{}, w.failLocked(ctx, fmt.Errorf("write entry header: %w", err))
	}
	if err := w.entry.Close(); err != nil {
		w.entry = nil
		return Record{}, w.failLocked(ctx, fmt.Errorf("commit dictionary entry: %w", err))
	}
	w.entry = nil

	registered, err := w.manager.registerDictionary(ctx, w.storage, record)
	if err != nil {
		return Record{}, w.failLocked(ctx, err)
	}
	w.state = writerFinished
	return registered, nil
}

// Abort 放弃写入并删除已创建的条目。
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != writerWriting {
		return
	}
	w.failLocked(context.Background(), ErrWriterDone)
}

func (w *Writer) failLocked(ctx context.Context, err error) error {
	w.state = writerFailed
	w.err = err
	if w.entry != nil {
		w.entry.Close()
		w.entry = nil
	}
	if doomErr := w.manager.diskCache.DoomEntry(context.WithoutCancel(ctx), w.token.String()); doomErr != nil {
		w.manager.logger.WithError(doomErr).
			WithFields(logrus.Fields{"action": "write_dictionary", "token": w.token.String()}).
			Warn("dictionary_entry_doom_failed")
	}
	return err
}
