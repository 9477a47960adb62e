package dictionary

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StorageOnDisk 是单个 IsolationKey 下的字典注册表。
//
// dictionaryInfo 按 origin → match 保存元数据；dictionaries 按 token 索引当前存活的
// 共享字典，只用于查找复用，不延长其生命周期。两张表都由 mu 保护，回调从不在持锁时执行。
type StorageOnDisk struct {
	isolationKey IsolationKey
	manager      weak.Pointer[Manager]
	matcher      Matcher
	logger       *logrus.Logger
	now          func() time.Time

	mu             sync.Mutex
	loaded         bool
	loadedCh       chan struct{}
	dictionaryInfo map[string]map[string]Record
	dictionaries   map[uuid.UUID]*RefCountedSharedDictionary
}

func newStorageOnDisk(m *Manager, key IsolationKey) *StorageOnDisk {
	s := &StorageOnDisk{
		isolationKey:   key,
		manager:        weak.Make(m),
		matcher:        m.matcher,
		logger:         m.logger,
		now:            m.now,
		loadedCh:       make(chan struct{}),
		dictionaryInfo: make(map[string]map[string]Record),
		dictionaries:   make(map[uuid.UUID]*RefCountedSharedDictionary),
	}
	m.goBackground(func(ctx context.Context) {
		records, err := m.metadata.GetDictionaries(ctx, key)
		s.onDatabaseRead(records, err)
	})
	return s
}

// IsolationKey 返回当前分区键。
func (s *StorageOnDisk) IsolationKey() IsolationKey {
	return s.isolationKey
}

// liveManager 在 Manager 已被回收或已关闭时返回 nil。
func (s *StorageOnDisk) liveManager() *Manager {
	m := s.manager.Value()
	if m == nil || m.isClosed() {
		return nil
	}
	return m
}

func (s *StorageOnDisk) onDatabaseRead(records []Record, err error) {
	if err != nil {
		s.logger.WithError(err).
			WithFields(logrus.Fields{"action": "load_dictionaries", "isolation_key": s.isolationKey.String()}).
			Warn("dictionary_metadata_load_failed")
		s.mu.Lock()
		s.markLoadedLocked()
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		origin := record.Origin()
		if origin == "" {
			continue
		}
		byMatch := s.dictionaryInfo[origin]
		if byMatch == nil {
			byMatch = make(map[string]Record)
			s.dictionaryInfo[origin] = byMatch
		}
		// 加载完成前已写入的记录更新，保留它们。
		if _, exists := byMatch[record.Match]; !exists {
			byMatch[record.Match] = record
		}
	}
	s.markLoadedLocked()
}

func (s *StorageOnDisk) markLoadedLocked() {
	if !s.loaded {
		s.loaded = true
		close(s.loadedCh)
	}
}

// MetadataLoaded 报告初始元数据加载是否已经结束。加载结束前 GetDictionary 只能看到新写入的字典。
func (s *StorageOnDisk) MetadataLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// WaitMetadataLoaded 阻塞直到初始元数据加载结束或 ctx 结束。
func (s *StorageOnDisk) WaitMetadataLoaded(ctx context.Context) error {
	select {
	case <-s.loadedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetDictionary 为请求 URL 找到最匹配的字典。没有命中或 Manager 已销毁时返回 nil。
// 解析到同一 token 的并发请求共享一次磁盘读取。
func (s *StorageOnDisk) GetDictionary(u *url.URL) *WrappedSharedDictionary {
	if u == nil {
		return nil
	}
	m := s.liveManager()
	if m == nil {
		return nil
	}

	s.mu.Lock()
	record, ok := s.matchLocked(u)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	record.LastUsedTime = s.now()
	s.dictionaryInfo[Origin(u)][record.Match] = record

	if existing, ok := s.dictionaries[record.Token]; ok && existing.tryAcquire() {
		if existing.Size() != record.Size || existing.Hash() != record.Hash {
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"action":        "get_dictionary",
				"isolation_key": s.isolationKey.String(),
				"token":         record.Token.String(),
				"record_size":   record.Size,
				"live_size":     existing.Size(),
				"record_hash":   record.Hash.String(),
				"live_hash":     existing.Hash().String(),
			}).Panic("shared_dictionary_record_mismatch")
		}
		s.mu.Unlock()
		m.UpdateLastUsedTime(record)
		return newWrappedSharedDictionary(existing)
	}

	token := record.Token
	var shared *RefCountedSharedDictionary
	onDisk := newPendingSharedDictionary(record.Size, record.Hash, token, s.diskCacheErrorCallback(token))
	shared = newRefCountedSharedDictionary(onDisk, func() {
		s.forget(token, shared)
	})
	s.dictionaries[token] = shared
	s.mu.Unlock()

	m.goLoad(func(ctx context.Context) {
		onDisk.load(ctx, m.diskCache)
	})

	m.UpdateLastUsedTime(record)
	return newWrappedSharedDictionary(shared)
}

func (s *StorageOnDisk) matchLocked(u *url.URL) (Record, bool) {
	candidates := s.dictionaryInfo[Origin(u)]
	if len(candidates) == 0 {
		return Record{}, false
	}
	now := s.now()
	live := candidates
	for _, record := range candidates {
		if record.IsExpired(now) {
			live = make(map[string]Record, len(candidates))
			for match, r := range candidates {
				if !r.IsExpired(now) {
					live[match] = r
				}
			}
			break
		}
	}
	return s.matcher.Match(live, u)
}

func (s *StorageOnDisk) forget(token uuid.UUID, shared *RefCountedSharedDictionary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dictionaries[token] == shared {
		delete(s.dictionaries, token)
	}
}

func (s *StorageOnDisk) diskCacheErrorCallback(token uuid.UUID) func(error) {
	return func(err error) {
		if m := s.liveManager(); m != nil {
			m.onDiskCacheEntryError(s.isolationKey, token, err)
		}
	}
}

// CreateWriter 返回一个把字典写入磁盘缓存的 Writer；Manager 已销毁时返回 nil。
func (s *StorageOnDisk) CreateWriter(u *url.URL, responseTime time.Time, expiration time.Duration, match string) *Writer {
	m := s.liveManager()
	if m == nil || u == nil {
		return nil
	}
	return m.newWriter(s, u, responseTime, expiration, match)
}

// OnDictionaryWritten 登记新写入的字典，同一 (origin, match) 的旧记录被覆盖。
func (s *StorageOnDisk) OnDictionaryWritten(record Record) {
	origin := record.Origin()
	if origin == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byMatch := s.dictionaryInfo[origin]
	if byMatch == nil {
		byMatch = make(map[string]Record)
		s.dictionaryInfo[origin] = byMatch
	}
	byMatch[record.Match] = record
}

// OnDictionaryDeleted 移除被 Manager 删除的 token，并清理空的 match 表。
func (s *StorageOnDisk) OnDictionaryDeleted(tokens []uuid.UUID) {
	if len(tokens) == 0 {
		return
	}
	deleted := make(map[uuid.UUID]struct{}, len(tokens))
	for _, token := range tokens {
		deleted[token] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for token := range deleted {
		delete(s.dictionaries, token)
	}
	for origin, byMatch := range s.dictionaryInfo {
		for match, record := range byMatch {
			if _, ok := deleted[record.Token]; ok {
				delete(byMatch, match)
			}
		}
		if len(byMatch) == 0 {
			delete(s.dictionaryInfo, origin)
		}
	}
}

// Records 返回当前分区的元数据快照，按 origin、match 排序。
func (s *StorageOnDisk) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []Record
	for _, byMatch := range s.dictionaryInfo {
		for _, record := range byMatch {
			result = append(result, record)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		oi, oj := result[i].Origin(), result[j].Origin()
		if oi != oj {
			return oi < oj
		}
		return result[i].Match < result[j].Match
	})
	return result
}

// liveDictionaryCount 返回 dictionaries 索引的大小，供测试观察共享状态。
func (s *StorageOnDisk) liveDictionaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dictionaries)
}
