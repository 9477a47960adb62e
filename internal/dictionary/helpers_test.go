package dictionary

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/dict-hub/internal/cache"
)

var testIsolationKey = IsolationKey{FrameOrigin: "https://example.com", TopFrameSite: "https://example.com"}

// fakeBackend 是内存版磁盘缓存，记录 open/read 次数，并可通过 gate 卡住读取。
type fakeBackend struct {
	mu       sync.Mutex
	bodies   map[string][]byte
	declared map[string]int64
	short    map[string]int
	opens    int
	reads    int
	closes   int
	dooms    []string
	gate     chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		bodies:   make(map[string][]byte),
		declared: make(map[string]int64),
		short:    make(map[string]int),
	}
}

func (b *fakeBackend) put(token uuid.UUID, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bodies[token.String()] = body
}

func (b *fakeBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens, b.reads
}

func (b *fakeBackend) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

func (b *fakeBackend) doomed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dooms...)
}

func (b *fakeBackend) OpenOrCreateEntry(ctx context.Context, key string, create bool) (cache.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if _, ok := b.bodies[key]; !ok {
		if !create {
			return nil, cache.ErrNotFound
		}
		b.bodies[key] = nil
	}
	return &fakeEntry{backend: b, key: key}, nil
}

func (b *fakeBackend) DoomEntry(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dooms = append(b.dooms, key)
	delete(b.bodies, key)
	return nil
}

func (b *fakeBackend) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.bodies))
	for key := range b.bodies {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

type fakeEntry struct {
	backend *fakeBackend
	key     string
	pending []byte
}

func (e *fakeEntry) Key() string { return e.key }

func (e *fakeEntry) DataSize(stream int) int64 {
	if stream != cache.StreamBody {
		return 0
	}
	e.backend.mu.Lock()
	defer e.backend.mu.Unlock()
	if size, ok := e.backend.declared[e.key]; ok {
		return size
	}
	return int64(len(e.backend.bodies[e.key]))
}

func (e *fakeEntry) ReadData(ctx context.Context, stream int, offset int64, buf []byte) (int, error) {
	e.backend.mu.Lock()
	gate := e.backend.gate
	e.backend.reads++
	e.backend.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	e.backend.mu.Lock()
	defer e.backend.mu.Unlock()
	body := e.backend.bodies[e.key]
	if offset >= int64(len(body)) {
		return 0, nil
	}
	n := copy(buf, body[offset:])
	if limit, ok := e.backend.short[e.key]; ok && n > limit {
		n = limit
	}
	return n, nil
}

func (e *fakeEntry) WriteData(ctx context.Context, stream int, data []byte) (int, error) {
	if stream == cache.StreamBody {
		e.pending = append(e.pending, data...)
	}
	return len(data), nil
}

func (e *fakeEntry) Close() error {
	e.backend.mu.Lock()
	defer e.backend.mu.Unlock()
	e.backend.closes++
	if e.pending != nil {
		e.backend.bodies[e.key] = e.pending
		e.pending = nil
	}
	return nil
}

// memMetadata 是 MetadataStore 的内存实现。
type memMetadata struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]memRow
	updates int
}

type memRow struct {
	key    IsolationKey
	record Record
}

func newMemMetadata() *memMetadata {
	return &memMetadata{rows: make(map[int64]memRow)}
}

func (m *memMetadata) add(key IsolationKey, record Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	record.ID = m.nextID
	m.rows[record.ID] = memRow{key: key, record: record}
	return record
}

func (m *memMetadata) tokens() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, row := range m.rows {
		out = append(out, row.record.Token)
	}
	return out
}

func (m *memMetadata) GetDictionaries(ctx context.Context, key IsolationKey) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, row := range m.rows {
		if row.key == key {
			out = append(out, row.record)
		}
	}
	return out, nil
}

func (m *memMetadata) RegisterDictionary(ctx context.Context, key IsolationKey, record Record) (RegisterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result RegisterResult
	for id, row := range m.rows {
		if row.key == key && row.record.Origin() == record.Origin() && row.record.Match == record.Match {
			result.ReplacedToken = row.record.Token
			delete(m.rows, id)
		}
	}
	m.nextID++
	record.ID = m.nextID
	m.rows[record.ID] = memRow{key: key, record: record}
	result.ID = record.ID
	for _, row := range m.rows {
		result.TotalSize += row.record.Size
	}
	return result, nil
}

func (m *memMetadata) UpdateLastUsedTime(ctx context.Context, id int64, lastUsed time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if row, ok := m.rows[id]; ok {
		row.record.LastUsedTime = lastUsed
		m.rows[id] = row
	}
	return nil
}

func (m *memMetadata) DeleteExpiredEntries(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return m.deleteIf(func(r Record) bool { return r.IsExpired(now) }), nil
}

func (m *memMetadata) ProcessEviction(ctx context.Context, maxSize, lowWaterMark int64) ([]uuid.UUID, error) {
	m.mu.Lock()
	var total int64
	rows := make([]Record, 0, len(m.rows))
	for _, row := range m.rows {
		total += row.record.Size
		rows = append(rows, row.record)
	}
	m.mu.Unlock()
	if total <= maxSize {
		return nil, nil
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LastUsedTime.Before(rows[j].LastUsedTime) })
	evict := make(map[uuid.UUID]bool)
	for _, r := range rows {
		if total <= lowWaterMark {
			break
		}
		evict[r.Token] = true
		total -= r.Size
	}
	return m.deleteIf(func(r Record) bool { return evict[r.Token] }), nil
}

func (m *memMetadata) DeleteDictionariesByTokens(ctx context.Context, tokens []uuid.UUID) error {
	set := make(map[uuid.UUID]bool, len(tokens))
	for _, token := range tokens {
		set[token] = true
	}
	m.deleteIf(func(r Record) bool { return set[r.Token] })
	return nil
}

func (m *memMetadata) GetAllDiskCacheKeyTokens(ctx context.Context) ([]uuid.UUID, error) {
	return m.tokens(), nil
}

func (m *memMetadata) ClearAll(ctx context.Context) ([]uuid.UUID, error) {
	return m.deleteIf(func(Record) bool { return true }), nil
}

func (m *memMetadata) TotalSize(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, row := range m.rows {
		total += row.record.Size
	}
	return total, nil
}

func (m *memMetadata) deleteIf(pred func(Record) bool) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for id, row := range m.rows {
		if pred(row.record) {
			out = append(out, row.record.Token)
			delete(m.rows, id)
		}
	}
	return out
}

type testEnv struct {
	manager  *Manager
	backend  cache.Backend
	fake     *fakeBackend
	metadata *memMetadata
	now      time.Time
}

type envOption func(*ManagerOptions)

func newTestEnv(t *testing.T, backend cache.Backend, metadata *memMetadata, opts ...envOption) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	options := ManagerOptions{
		DiskCache: backend,
		Metadata:  metadata,
		Logger:    logger,
		Now:       func() time.Time { return now },
	}
	for _, opt := range opts {
		opt(&options)
	}
	manager, err := NewManager(options)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	env := &testEnv{manager: manager, backend: backend, metadata: metadata, now: now}
	if fake, ok := backend.(*fakeBackend); ok {
		env.fake = fake
	}
	return env
}

// loadedStorage 返回元数据已加载完成的 StorageOnDisk。
func (e *testEnv) loadedStorage(t *testing.T) *StorageOnDisk {
	t.Helper()
	s := e.manager.GetStorage(testIsolationKey)
	require.NotNil(t, s)
	require.Eventually(t, s.MetadataLoaded, time.Second, time.Millisecond)
	return s
}

// seed 在元数据与磁盘中同时放入一个字典。
func (e *testEnv) seed(rawURL, match string, body []byte) Record {
	var hash Hash
	copy(hash[:], rawURL+match)
	record := Record{
		URL:          rawURL,
		Match:        match,
		ResponseTime: e.now,
		LastUsedTime: e.now,
		Size:         int64(len(body)),
		Hash:         hash,
		Token:        uuid.New(),
	}
	if e.fake != nil {
		e.fake.put(record.Token, body)
	}
	return e.metadata.add(testIsolationKey, record)
}

// readResult 调用 ReadAll 并在需要时等待回调，返回最终结果。
func readResult(t *testing.T, d interface{ ReadAll(func(error)) error }) error {
	t.Helper()
	ch := make(chan error, 1)
	err := d.ReadAll(func(err error) { ch <- err })
	if err != ErrIOPending {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("ReadAll callback did not fire")
		return nil
	}
}
