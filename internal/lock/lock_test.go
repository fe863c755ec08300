package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blanqspace/centrix/internal/store"
	"github.com/blanqspace/centrix/internal/testutil"
)

type fixture struct {
	m   *Manager
	st  *store.Store
	clk *testutil.FakeClock
	dir string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(root, "ctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := testutil.NewFakeClock(time.Time{})
	dir := filepath.Join(root, "locks")
	return fixture{m: New(st, dir, WithClock(clk)), st: st, clk: clk, dir: dir}
}

func (f fixture) mirrorCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.st.DB().QueryRow("SELECT COUNT(*) FROM locks").Scan(&n))
	return n
}

func TestLockLifecycle_AcquireBusyReapAcquire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.m.Acquire(ctx, "orders", "A", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.m.Acquire(ctx, "orders", "A", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "locks are not reentrant")

	ok, err = f.m.Acquire(ctx, "orders", "B", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now := f.clk.Advance(10 * time.Second)

	n, err := f.m.Reap(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.mirrorCount(t))

	ok, err = f.m.Acquire(ctx, "orders", "C", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	infos, err := f.m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "C", infos[0].Owner)
}

func TestAcquire_ReclaimsStaleWithoutReap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.m.Acquire(ctx, "db/migrate", "A", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	f.clk.Advance(time.Second)

	ok, err = f.m.Acquire(ctx, "db/migrate", "B", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	infos, err := f.m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "B", infos[0].Owner)
	assert.True(t, infos[0].Mirrored)
	assert.True(t, infos[0].FileBacked)
	assert.False(t, infos[0].Expired)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no stale leftovers")
	assert.Equal(t, "db_migrate.lock", entries[0].Name())
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const contenders = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := f.m.Acquire(ctx, "shared", "owner", time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRelease_OnlyOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.m.Acquire(ctx, "job", "A", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := f.m.Release(ctx, "job", "B")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = f.m.Release(ctx, "job", "A")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Zero(t, f.mirrorCount(t))

	_, err = os.Stat(filepath.Join(f.dir, "job.lock"))
	assert.True(t, os.IsNotExist(err))

	released, err = f.m.Release(ctx, "job", "A")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestAcquire_DefaultTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.m.Acquire(ctx, "x", "A", 0)
	require.NoError(t, err)
	require.True(t, ok)

	infos, err := f.m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, DefaultTTL, infos[0].TTL)
}

func TestAcquire_EmptyName(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Acquire(context.Background(), "  ", "A", time.Second)
	assert.Error(t, err)
}

func TestNames_AreNFCNormalized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	composed := "caf\u00e9"
	decomposed := "cafe\u0301"

	ok, err := f.m.Acquire(ctx, composed, "A", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.m.Acquire(ctx, decomposed, "B", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "equivalent names map to one lock")
}

func TestUnreadableLockFile_ExpiresByMtime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(f.dir, 0o755))
	path := filepath.Join(f.dir, "crashed.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	fresh := f.clk.Now().Add(-DefaultTTL / 2)
	require.NoError(t, os.Chtimes(path, fresh, fresh))

	ok, err := f.m.Acquire(ctx, "crashed", "A", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "unreadable file is held until mtime + default TTL")

	stale := f.clk.Now().Add(-2 * DefaultTTL)
	require.NoError(t, os.Chtimes(path, stale, stale))

	ok, err = f.m.Acquire(ctx, "crashed", "A", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestList_IncludesOrphanMirrorRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.clk.Now()
	_, err := f.st.DB().Exec(`
		INSERT INTO locks(name, owner, pid, acquired_at, ttl_seconds, expires_at)
		VALUES ('ghost', 'Z', 42, ?, 60, ?)
	`, now.UnixMilli(), now.Add(time.Minute).UnixMilli())
	require.NoError(t, err)

	ok, err := f.m.Acquire(ctx, "alpha", "A", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	f.clk.Advance(15 * time.Second)

	infos, err := f.m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "alpha", infos[0].Name)
	assert.True(t, infos[0].FileBacked)
	assert.Equal(t, 15*time.Second, infos[0].Age)

	assert.Equal(t, "ghost", infos[1].Name)
	assert.False(t, infos[1].FileBacked)
	assert.True(t, infos[1].Mirrored)
	assert.Equal(t, 42, infos[1].PID)

	// Reap drops the orphan row but only expired locks count as reaped.
	n, err := f.m.Reap(ctx, f.clk.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.mirrorCount(t))
}

func TestReap_RestoresMissingMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.m.Acquire(ctx, "alpha", "A", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.st.DB().Exec("DELETE FROM locks")
	require.NoError(t, err)

	n, err := f.m.Reap(ctx, f.clk.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.mirrorCount(t))
}

func TestReap_KeepsLiveLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, ttl := range map[string]time.Duration{"short": time.Second, "long": time.Hour} {
		ok, err := f.m.Acquire(ctx, name, "A", ttl)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := f.m.Reap(ctx, f.clk.Advance(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	infos, err := f.m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "long", infos[0].Name)
}

func TestReap_CountsExpiredOrphanRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.clk.Now()
	_, err := f.st.DB().Exec(`
		INSERT INTO locks(name, owner, pid, acquired_at, ttl_seconds, expires_at)
		VALUES ('gone', 'Z', 42, ?, 10, ?), ('ghost', 'Z', 42, ?, 60, ?)
	`, now.Add(-time.Minute).UnixMilli(), now.Add(-50*time.Second).UnixMilli(),
		now.UnixMilli(), now.Add(time.Minute).UnixMilli())
	require.NoError(t, err)

	n, err := f.m.Reap(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.mirrorCount(t))
}

func TestReap_KeepsMirrorOfLockTakenDuringScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.testHookAfterScan = func() {
		ok, err := f.m.Acquire(ctx, "late", "A", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := f.m.Reap(ctx, f.clk.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.mirrorCount(t))

	infos, err := f.m.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Mirrored)
	assert.True(t, infos[0].FileBacked)
}

func TestReclaimStale_LeavesReplacedFileInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(f.dir, 0o755))
	path := filepath.Join(f.dir, "crashed.lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	stale := f.clk.Now().Add(-2 * DefaultTTL)
	require.NoError(t, os.Chtimes(path, stale, stale))

	// A fresh holder swaps in its own, still empty, file before the rename.
	// The stale file is kept under another name so its inode is not reused.
	f.m.testHookMoveAside = func(p string) {
		require.NoError(t, os.Rename(p, p+".old"))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		require.NoError(t, os.Chtimes(p, stale, stale))
	}

	ok, err := f.m.reclaimStale(path, f.clk.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.FileExists(t, path)

	f.m.testHookMoveAside = nil
	ok, err = f.m.Acquire(ctx, "crashed", "A", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an unchanged stale file is reclaimed")
}
