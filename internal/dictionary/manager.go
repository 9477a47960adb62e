package dictionary

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/dict-hub/internal/cache"
)

const (
	// DefaultMaxDictionarySize 是单个字典的默认大小上限。
	DefaultMaxDictionarySize = 100 << 20
	// DefaultLowWaterMarkRatio 决定淘汰后总大小回落到上限的多少比例。
	DefaultLowWaterMarkRatio = 0.9
	// DefaultCleanupInterval 是后台过期清理与淘汰的默认周期。
	DefaultCleanupInterval = 10 * time.Minute

	doomConcurrency = 4
)

// MetadataStore 持久化字典元数据，实现见 internal/metadata。
type MetadataStore interface {
	GetDictionaries(ctx context.Context, key IsolationKey) ([]Record, error)
	RegisterDictionary(ctx context.Context, key IsolationKey, record Record) (RegisterResult, error)
	UpdateLastUsedTime(ctx context.Context, id int64, lastUsed time.Time) error
	DeleteExpiredEntries(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ProcessEviction(ctx context.Context, maxSize, lowWaterMark int64) ([]uuid.UUID, error)
	DeleteDictionariesByTokens(ctx context.Context, tokens []uuid.UUID) error
	GetAllDiskCacheKeyTokens(ctx context.Context) ([]uuid.UUID, error)
	ClearAll(ctx context.Context) ([]uuid.UUID, error)
	TotalSize(ctx context.Context) (int64, error)
}

// RegisterResult 描述一次登记的结果。ReplacedToken 为 uuid.Nil 表示没有旧记录被覆盖。
type RegisterResult struct {
	ID            int64
	ReplacedToken uuid.UUID
	TotalSize     int64
}

// ManagerOptions 汇总 Manager 的依赖与限额。
type ManagerOptions struct {
	DiskCache cache.Backend
	Metadata  MetadataStore
	Logger    *logrus.Logger
	Matcher   Matcher

	// MaxSize 为 0 表示不限制总大小。
	MaxSize           int64
	MaxDictionarySize int64
	LowWaterMarkRatio float64
	CleanupInterval   time.Duration

	Now func() time.Time
}

// Manager 持有磁盘缓存与元数据库，为每个 IsolationKey 提供一个 StorageOnDisk，
// 并负责写入登记、过期清理、容量淘汰与损坏条目回收。
type Manager struct {
	diskCache cache.Backend
	metadata  MetadataStore
	logger    *logrus.Logger
	matcher   Matcher
	now       func() time.Time

	maxSize           int64
	maxDictionarySize int64
	lowWaterMarkRatio float64
	cleanupInterval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	bgMu   sync.Mutex
	closed atomic.Bool
	wg     sync.WaitGroup

	mu       sync.Mutex
	storages map[IsolationKey]*StorageOnDisk
}

// NewManager 校验依赖并填充默认值。
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.DiskCache == nil {
		return nil, errors.New("disk cache is required")
	}
	if opts.Metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("invalid max size: %d", opts.MaxSize)
	}
	if opts.Matcher == nil {
		opts.Matcher = PatternMatcher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxDictionarySize <= 0 {
		opts.MaxDictionarySize = DefaultMaxDictionarySize
	}
	if opts.LowWaterMarkRatio <= 0 || opts.LowWaterMarkRatio > 1 {
		opts.LowWaterMarkRatio = DefaultLowWaterMarkRatio
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		diskCache:         opts.DiskCache,
		metadata:          opts.Metadata,
		logger:            opts.Logger,
		matcher:           opts.Matcher,
		now:               opts.Now,
		maxSize:           opts.MaxSize,
		maxDictionarySize: opts.MaxDictionarySize,
		lowWaterMarkRatio: opts.LowWaterMarkRatio,
		cleanupInterval:   opts.CleanupInterval,
		ctx:               ctx,
		cancel:            cancel,
		storages:          make(map[IsolationKey]*StorageOnDisk),
	}, nil
}

// GetStorage 返回 key 对应的 StorageOnDisk，首次调用时创建并开始加载元数据。
// Manager 关闭后返回 nil。
func (m *Manager) GetStorage(key IsolationKey) *StorageOnDisk {
	if m.isClosed() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.storages[key]; ok {
		return s
	}
	s := newStorageOnDisk(m, key)
	m.storages[key] = s
	return s
}

// IsolationKeys 返回已创建 storage 的分区键，按字符串排序。
func (m *Manager) IsolationKeys() []IsolationKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]IsolationKey, 0, len(m.storages))
	for key := range m.storages {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Close 取消并等待后台任务，包括进行中的字典读取。之后所有 storage 的操作退化为返回 nil / 空操作。
func (m *Manager) Close() {
	m.bgMu.Lock()
	if m.closed.Load() {
		m.bgMu.Unlock()
		return
	}
	m.closed.Store(true)
	m.bgMu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) isClosed() bool {
	return m.closed.Load()
}

// goBackground 在 Manager 的生命周期内运行 fn，Close 会等待其结束。
func (m *Manager) goBackground(fn func(ctx context.Context)) {
	m.bgMu.Lock()
	if m.closed.Load() {
		m.bgMu.Unlock()
		return
	}
	m.wg.Add(1)
	m.bgMu.Unlock()

	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// goLoad 启动一次字典读取。与 goBackground 不同，Manager 已关闭时 fn 仍会执行
// （此时 ctx 已取消），保证排队的 ReadAll 回调总能收到终态；未关闭时 Close 会等待它结束。
func (m *Manager) goLoad(fn func(ctx context.Context)) {
	m.bgMu.Lock()
	tracked := !m.closed.Load()
	if tracked {
		m.wg.Add(1)
	}
	m.bgMu.Unlock()

	go func() {
		if tracked {
			defer m.wg.Done()
		}
		fn(m.ctx)
	}()
}

// Start 执行一次启动对账，随后按 CleanupInterval 周期性清理过期条目并做容量淘汰。
func (m *Manager) Start(ctx context.Context) {
	m.goBackground(func(bgCtx context.Context) {
		if err := m.CleanupMismatchedEntries(bgCtx); err != nil {
			m.logger.WithError(err).WithField("action", "cleanup_mismatched").Warn("dictionary_cleanup_failed")
		}
		m.runPeriodicCleanup(bgCtx)

		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				m.runPeriodicCleanup(bgCtx)
			}
		}
	})
}

func (m *Manager) runPeriodicCleanup(ctx context.Context) {
	if err := m.ClearExpired(ctx); err != nil {
		m.logger.WithError(err).WithField("action", "clear_expired").Warn("dictionary_cleanup_failed")
	}
	if err := m.RunEviction(ctx); err != nil {
		m.logger.WithError(err).WithField("action", "eviction").Warn("dictionary_cleanup_failed")
	}
}

// UpdateLastUsedTime 异步更新元数据中的最近使用时间，失败只记录日志。
func (m *Manager) UpdateLastUsedTime(record Record) {
	if record.ID == 0 {
		return
	}
	m.goBackground(func(ctx context.Context) {
		if err := m.metadata.UpdateLastUsedTime(ctx, record.ID, record.LastUsedTime); err != nil {
			m.logger.WithError(err).
				WithFields(logrus.Fields{"action": "update_last_used", "token": record.Token.String()}).
				Debug("dictionary_last_used_update_failed")
		}
	})
}

func (m *Manager) registerDictionary(ctx context.Context, s *StorageOnDisk, record Record) (Record, error) {
	if m.isClosed() {
		return Record{}, ErrManagerClosed
	}
	result, err := m.metadata.RegisterDictionary(ctx, s.isolationKey, record)
	if err != nil {
		return Record{}, fmt.Errorf("register dictionary: %w", err)
	}
	record.ID = result.ID

	s.OnDictionaryWritten(record)

	if result.ReplacedToken != uuid.Nil {
		replaced := result.ReplacedToken
		m.goBackground(func(ctx context.Context) {
			if err := m.diskCache.DoomEntry(ctx, replaced.String()); err != nil {
				m.logger.WithError(err).
					WithFields(logrus.Fields{"action": "replace_dictionary", "token": replaced.String()}).
					Warn("dictionary_entry_doom_failed")
			}
		})
	}

	m.logger.WithFields(logrus.Fields{
		"action":        "register_dictionary",
		"isolation_key": s.isolationKey.String(),
		"url":           record.URL,
		"match":         record.Match,
		"size":          record.Size,
		"token":         record.Token.String(),
	}).Info("dictionary_registered")

	if m.maxSize > 0 && result.TotalSize > m.maxSize {
		m.goBackground(func(ctx context.Context) {
			if err := m.RunEviction(ctx); err != nil {
				m.logger.WithError(err).WithField("action", "eviction").Warn("dictionary_cleanup_failed")
			}
		})
	}
	return record, nil
}

// onDiskCacheEntryError 处理 SharedDictionaryOnDisk 报告的读取失败：
// 条目缺失或大小不符时删除元数据与磁盘条目，并通知所有 storage。
func (m *Manager) onDiskCacheEntryError(key IsolationKey, token uuid.UUID, err error) {
	fields := logrus.Fields{
		"action":        "read_dictionary",
		"isolation_key": key.String(),
		"token":         token.String(),
	}
	if !errors.Is(err, ErrEntryNotFound) && !errors.Is(err, ErrSizeMismatch) {
		if !errors.Is(err, context.Canceled) {
			m.logger.WithError(err).WithFields(fields).Warn("dictionary_read_failed")
		}
		return
	}

	m.logger.WithError(err).WithFields(fields).Warn("dictionary_entry_invalid")
	m.goBackground(func(ctx context.Context) {
		if err := m.deleteTokens(ctx, []uuid.UUID{token}); err != nil {
			m.logger.WithError(err).WithFields(fields).Warn("dictionary_cleanup_failed")
		}
	})
}

// ClearExpired 删除所有已过期的字典。
func (m *Manager) ClearExpired(ctx context.Context) error {
	tokens, err := m.metadata.DeleteExpiredEntries(ctx, m.now())
	if err != nil {
		return fmt.Errorf("delete expired dictionaries: %w", err)
	}
	return m.dropEntries(ctx, "clear_expired", tokens)
}

// RunEviction 在总大小超过 MaxSize 时按最近使用时间淘汰，直到回落到低水位。
func (m *Manager) RunEviction(ctx context.Context) error {
	if m.maxSize <= 0 {
		return nil
	}
	lowWaterMark := int64(float64(m.maxSize) * m.lowWaterMarkRatio)
	tokens, err := m.metadata.ProcessEviction(ctx, m.maxSize, lowWaterMark)
	if err != nil {
		return fmt.Errorf("process eviction: %w", err)
	}
	return m.dropEntries(ctx, "eviction", tokens)
}

// ClearAll 删除全部字典。
func (m *Manager) ClearAll(ctx context.Context) error {
	tokens, err := m.metadata.ClearAll(ctx)
	if err != nil {
		return fmt.Errorf("clear dictionaries: %w", err)
	}
	return m.dropEntries(ctx, "clear_all", tokens)
}

// CleanupMismatchedEntries 对账磁盘条目与元数据：删除没有元数据的磁盘条目，
// 以及磁盘条目已丢失的元数据。
func (m *Manager) CleanupMismatchedEntries(ctx context.Context) error {
	keys, err := m.diskCache.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list disk cache keys: %w", err)
	}
	tokens, err := m.metadata.GetAllDiskCacheKeyTokens(ctx)
	if err != nil {
		return fmt.Errorf("list metadata tokens: %w", err)
	}

	known := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		known[token.String()] = struct{}{}
	}
	onDisk := make(map[string]struct{}, len(keys))
	var orphanKeys []string
	for _, key := range keys {
		onDisk[key] = struct{}{}
		if _, ok := known[key]; !ok {
			orphanKeys = append(orphanKeys, key)
		}
	}
	var missing []uuid.UUID
	for _, token := range tokens {
		if _, ok := onDisk[token.String()]; !ok {
			missing = append(missing, token)
		}
	}

	errs := m.doomKeys(ctx, orphanKeys)
	if len(missing) > 0 {
		if err := m.metadata.DeleteDictionariesByTokens(ctx, missing); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete missing dictionaries: %w", err))
		} else {
			m.notifyDeleted(missing)
		}
	}

	if len(orphanKeys) > 0 || len(missing) > 0 {
		m.logger.WithFields(logrus.Fields{
			"action":          "cleanup_mismatched",
			"orphan_entries":  len(orphanKeys),
			"missing_entries": len(missing),
		}).Info("dictionary_cleanup_done")
	}
	return errs
}

// TotalSize 返回元数据库记录的字典总字节数。
func (m *Manager) TotalSize(ctx context.Context) (int64, error) {
	return m.metadata.TotalSize(ctx)
}

func (m *Manager) deleteTokens(ctx context.Context, tokens []uuid.UUID) error {
	if err := m.metadata.DeleteDictionariesByTokens(ctx, tokens); err != nil {
		return fmt.Errorf("delete dictionaries: %w", err)
	}
	return m.dropEntries(ctx, "delete_invalid", tokens)
}

// dropEntries 删除已从元数据移除的 token 对应的磁盘条目，并通知所有 storage。
func (m *Manager) dropEntries(ctx context.Context, action string, tokens []uuid.UUID) error {
	if len(tokens) == 0 {
		return nil
	}
	m.notifyDeleted(tokens)

	keys := make([]string, len(tokens))
	for i, token := range tokens {
		keys[i] = token.String()
	}
	err := m.doomKeys(ctx, keys)

	m.logger.WithFields(logrus.Fields{
		"action":  action,
		"deleted": len(tokens),
	}).Info("dictionaries_deleted")
	return err
}

func (m *Manager) doomKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(doomConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			if err := m.diskCache.DoomEntry(ctx, key); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("doom %s: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (m *Manager) notifyDeleted(tokens []uuid.UUID) {
	m.mu.Lock()
	storages := make([]*StorageOnDisk, 0, len(m.storages))
	for _, s := range m.storages {
		storages = append(storages, s)
	}
	m.mu.Unlock()

	for _, s := range storages {
		s.OnDictionaryDeleted(tokens)
	}
}
