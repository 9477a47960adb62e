package dictionary

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewManagerValidatesDependencies(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	_, err := NewManager(ManagerOptions{Metadata: newMemMetadata(), Logger: logger})
	require.Error(t, err)
	_, err = NewManager(ManagerOptions{DiskCache: newFakeBackend(), Logger: logger})
	require.Error(t, err)
	_, err = NewManager(ManagerOptions{DiskCache: newFakeBackend(), Metadata: newMemMetadata()})
	require.Error(t, err)
	_, err = NewManager(ManagerOptions{DiskCache: newFakeBackend(), Metadata: newMemMetadata(), Logger: logger, MaxSize: -1})
	require.Error(t, err)

	m, err := NewManager(ManagerOptions{DiskCache: newFakeBackend(), Metadata: newMemMetadata(), Logger: logger})
	require.NoError(t, err)
	defer m.Close()
	require.EqualValues(t, DefaultMaxDictionarySize, m.maxDictionarySize)
	require.Equal(t, DefaultLowWaterMarkRatio, m.lowWaterMarkRatio)
	require.Equal(t, DefaultCleanupInterval, m.cleanupInterval)
}

func TestGetStorageReturnsSameInstance(t *testing.T) {
	env := newTestEnv(t, newFakeBackend(), newMemMetadata())
	other := IsolationKey{FrameOrigin: "https://a.test", TopFrameSite: "https://a.test"}

	s1 := env.manager.GetStorage(testIsolationKey)
	s2 := env.manager.GetStorage(testIsolationKey)
	require.Same(t, s1, s2)
	require.NotSame(t, s1, env.manager.GetStorage(other))
	require.Equal(t, []IsolationKey{other, testIsolationKey}, env.manager.IsolationKeys())
}

func TestRunEvictionDropsLeastRecentlyUsed(t *testing.T) {
	env := newTestEnv(t, newFakeBackend(), newMemMetadata(), func(o *ManagerOptions) {
		o.MaxSize = 100
		o.LowWaterMarkRatio = 0.5
	})
	var seeded []Record
	for i, match := range []string{"/a/*", "/b/*", "/c/*"} {
		r := env.seed("https://example.com/d", match, make([]byte, 40))
		env.metadata.mu.Lock()
		row := env.metadata.rows[r.ID]
		row.record.LastUsedTime = env.now.Add(time.Duration(i) * time.Minute)
		env.metadata.rows[r.ID] = row
		env.metadata.mu.Unlock()
		seeded = append(seeded, r)
	}
	s := env.loadedStorage(t)
	require.Len(t, s.Records(), 3)

	require.NoError(t, env.manager.RunEviction(context.Background()))

	require.Equal(t, []uuid.UUID{seeded[2].Token}, env.metadata.tokens())
	require.ElementsMatch(t, []string{seeded[0].Token.String(), seeded[1].Token.String()}, env.fake.doomed())
	records := s.Records()
	require.Len(t, records, 1)
	require.Equal(t, "/c/*", records[0].Match)

	total, err := env.manager.TotalSize(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 40, total)
}

func TestRegisterTriggersEvictionOverLimit(t *testing.T) {
	env := newTestEnv(t, newFakeBackend(), newMemMetadata(), func(o *ManagerOptions) {
		o.MaxSize = 10
	})
	old := env.seed("https://example.com/old", "/old/*", make([]byte, 8))
	env.metadata.mu.Lock()
	row := env.metadata.rows[old.ID]
	row.record.LastUsedTime = env.now.Add(-time.Hour)
	env.metadata.rows[old.ID] = row
	env.metadata.mu.Unlock()
	s := env.loadedStorage(t)

	w := s.CreateWriter(mustURL(t, "https://example.com/new"), time.Time{}, 0, "/new/*")
	require.NoError(t, w.Append(context.Background(), make([]byte, 8)))
	_, err := w.Finish(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tokens := env.metadata.tokens()
		return len(tokens) == 1 && tokens[0] == w.Token()
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Records()) == 1 }, time.Second, time.Millisecond)
}

func TestClearExpiredNotifiesStorages(t *testing.T) {
	env := newTestEnv(t, newFakeBackend(), newMemMetadata())
	expiring := env.seed("https://example.com/a", "/a/*", []byte("a"))
	env.metadata.mu.Lock()
	row := env.metadata.rows[expiring.ID]
	row.record.ResponseTime = env.now.Add(-time.Hour)
	row.record.Expiration = time.Minute
	env.metadata.rows[expiring.ID] = row
	env.metadata.mu.Unlock()
	kept := env.seed("https://example.com/b", "/b/*", []byte("b"))
	s := env.loadedStorage(t)

	require.NoError(t, env.manager.ClearExpired(context.Background()))
	require.Equal(t, []uuid.UUID{kept.Token}, env.metadata.tokens())
	require.Equal(t, []string{expiring.Token.String()}, env.fake.doomed())
	records := s.Records()
	require.Len(t, records, 1)
	require.Equal(t, kept.Token, records[0].Token)
}

func TestClearAllRemovesEverything(t *testing.T) {
	env := newTestEnv(t, newFakeBackend(), newMemMetadata())
	env.seed("https://example.com/a", "/a/*", []byte("a"))
	env.seed("https://example.com/b", "/b/*", []byte("b"))
	s := env.loadedStorage(t)

	require.NoError(t, env.manager.ClearAll(context.Background()))
	require.Empty(t, env.metadata.tokens())
	require.Len(t, env.fake.doomed(), 2)
	require.Empty(t, s.Records())
}

func TestCleanupMismatchedEntries(t *testing.T) {
	backend := newFakeBackend()
	env := newTestEnv(t, backend, newMemMetadata())
	kept := env.seed("https://example.com/a", "/a/*", []byte("a"))
	missing := env.seed("https://example.com/b", "/b/*", []byte("b"))
	backend.mu.Lock()
	delete(backend.bodies, missing.Token.String())
	backend.mu.Unlock()
	orphan := uuid.New()
	backend.put(orphan, []byte("orphan"))
	s := env.loadedStorage(t)

	require.NoError(t, env.manager.CleanupMismatchedEntries(context.Background()))

	require.Equal(t, []uuid.UUID{kept.Token}, env.metadata.tokens())
	require.Equal(t, []string{orphan.String()}, backend.doomed())
	keys, err := backend.Keys(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{kept.Token.String()}, keys)
	records := s.Records()
	require.Len(t, records, 1)
	require.Equal(t, kept.Token, records[0].Token)
}

func TestStartRunsInitialCleanup(t *testing.T) {
	backend := newFakeBackend()
	env := newTestEnv(t, backend, newMemMetadata())
	orphan := uuid.New()
	backend.put(orphan, []byte("orphan"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.manager.Start(ctx)

	require.Eventually(t, func() bool {
		return len(backend.doomed()) == 1
	}, time.Second, time.Millisecond)
}

func TestDiskCacheErrorOnlyCleansKnownCorruption(t *testing.T) {
	env := newTestEnv(t, newFakeBackend(), newMemMetadata())
	record := env.seed("https://example.com/a", "/a/*", []byte("a"))
	env.loadedStorage(t)

	env.manager.onDiskCacheEntryError(testIsolationKey, record.Token, context.Canceled)
	env.manager.onDiskCacheEntryError(testIsolationKey, record.Token, io.ErrUnexpectedEOF)
	env.manager.wg.Wait()
	require.Equal(t, []uuid.UUID{record.Token}, env.metadata.tokens())

	env.manager.onDiskCacheEntryError(testIsolationKey, record.Token, ErrEntryNotFound)
	require.Eventually(t, func() bool { return len(env.metadata.tokens()) == 0 }, time.Second, time.Millisecond)
}
