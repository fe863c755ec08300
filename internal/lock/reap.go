package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/blanqspace/centrix/internal/clock"
)

type fileLock struct {
	path string
	rec  record
	ok   bool
	exp  time.Time
}

// scanFiles reads every lock file in the directory, keyed by lock name.
func (m *Manager) scanFiles() (map[string]fileLock, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]fileLock{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock dir: %w", err)
	}

	files := make(map[string]fileLock, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		rec, ok, err := readRecord(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		exp, err := m.expiresAt(path, rec, ok)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		name := rec.Name
		if !ok || name == "" {
			name = strings.TrimSuffix(e.Name(), fileSuffix)
		}
		files[name] = fileLock{path: path, rec: rec, ok: ok, exp: exp}
	}
	return files, nil
}

type mirrorRow struct {
	owner      string
	pid        int
	acquiredAt int64
	ttlSeconds int64
	expiresAt  int64
}

func (m *Manager) mirrorRows(ctx context.Context) (map[string]mirrorRow, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT name, owner, pid, acquired_at, ttl_seconds, expires_at FROM locks")
	if err != nil {
		return nil, fmt.Errorf("list lock rows: %w", err)
	}
	defer rows.Close()

	out := make(map[string]mirrorRow)
	for rows.Next() {
		var name string
		var r mirrorRow
		if err := rows.Scan(&name, &r.owner, &r.pid, &r.acquiredAt, &r.ttlSeconds, &r.expiresAt); err != nil {
			return nil, fmt.Errorf("scan lock row: %w", err)
		}
		out[name] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lock rows: %w", err)
	}
	return out, nil
}

// List returns file locks and orphan mirror rows, sorted by name.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	files, err := m.scanFiles()
	if err != nil {
		return nil, err
	}
	mirrored, err := m.mirrorRows(ctx)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	infos := make([]Info, 0, len(files)+len(mirrored))
	for name, f := range files {
		info := Info{
			Name:       name,
			Owner:      f.rec.Owner,
			PID:        f.rec.PID,
			ExpiresAt:  f.exp,
			FileBacked: true,
		}
		if f.ok {
			info.AcquiredAt = clock.FromMillis(f.rec.AcquiredAt)
			info.TTL = info.ExpiresAt.Sub(info.AcquiredAt)
		} else {
			info.AcquiredAt = f.exp.Add(-m.defaultTTL)
			info.TTL = m.defaultTTL
		}
		_, info.Mirrored = mirrored[name]
		infos = append(infos, info)
	}
	for name, r := range mirrored {
		if _, ok := files[name]; ok {
			continue
		}
		infos = append(infos, Info{
			Name:       name,
			Owner:      r.owner,
			PID:        r.pid,
			AcquiredAt: clock.FromMillis(r.acquiredAt),
			ExpiresAt:  clock.FromMillis(r.expiresAt),
			TTL:        time.Duration(r.expiresAt-r.acquiredAt) * time.Millisecond,
			Mirrored:   true,
		})
	}

	for i := range infos {
		infos[i].Age = now.Sub(infos[i].AcquiredAt)
		infos[i].Expired = !infos[i].ExpiresAt.After(now)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Reap removes every lock expired at now, in both representations, and
// reconciles the mirror with the surviving files. It returns the number of
// distinct expired lock names removed; orphan mirror rows that had not yet
// expired are dropped without being counted.
func (m *Manager) Reap(ctx context.Context, now time.Time) (int, error) {
	files, err := m.scanFiles()
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}

	nowMs := clock.Millis(now)
	removed := make(map[string]bool)
	live := make(map[string]fileLock, len(files))
	for name, f := range files {
		if f.exp.After(now) {
			live[name] = f
			continue
		}
		ok, err := m.reclaimStale(f.path, now)
		if err != nil {
			return 0, fmt.Errorf("reap %s: %w", name, err)
		}
		if ok {
			removed[name] = true
		} else {
			live[name] = f
		}
	}

	if m.testHookAfterScan != nil {
		m.testHookAfterScan()
	}
	mirrored, err := m.mirrorRows(ctx)
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	for name, r := range mirrored {
		f, held := live[name]
		if held {
			if f.ok && (r.owner != f.rec.Owner || r.expiresAt != f.rec.ExpiresAt) {
				m.mirror(ctx, f.rec)
			}
			continue
		}
		// A file created after the scan belongs to a fresh holder.
		if _, err := os.Stat(m.path(name)); err == nil {
			continue
		}
		if _, err := m.db.ExecContext(ctx, "DELETE FROM locks WHERE name = ?", name); err != nil {
			return 0, fmt.Errorf("reap %s: delete row: %w", name, err)
		}
		if r.expiresAt <= nowMs {
			removed[name] = true
		}
	}
	for name, f := range live {
		if _, ok := mirrored[name]; !ok && f.ok {
			m.mirror(ctx, f.rec)
		}
	}

	if len(removed) > 0 {
		m.logger.Info("reaped locks", "count", len(removed))
	}
	return len(removed), nil
}
