package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"

	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/store"
)

// DefaultTTL applies when Acquire is called with a non-positive TTL.
const DefaultTTL = 30 * time.Second

const fileSuffix = ".lock"

// Info describes one lock for operator visibility.
type Info struct {
	Name       string        `json:"name"`
	Owner      string        `json:"owner"`
	PID        int           `json:"pid"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	TTL        time.Duration `json:"ttl"`
	Age        time.Duration `json:"age"`
	Expired    bool          `json:"expired"`
	FileBacked bool          `json:"file_backed"`
	Mirrored   bool          `json:"mirrored"`
}

// record is the lock file content.
type record struct {
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	PID        int    `json:"pid"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// Manager acquires and releases locks under one runtime directory.
type Manager struct {
	db         *sql.DB
	dir        string
	clock      clock.Clock
	logger     *slog.Logger
	defaultTTL time.Duration
	pid        int

	testHookMoveAside func(path string) // between the staleness check and the rename
	testHookAfterScan func()            // between Reap's file scan and mirror read
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for expiry decisions.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTTL = d
		}
	}
}

// New creates a Manager keeping lock files in dir.
func New(st *store.Store, dir string, opts ...Option) *Manager {
	m := &Manager{
		db:         st.DB(),
		dir:        dir,
		clock:      clock.System{},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		defaultTTL: DefaultTTL,
		pid:        os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the lock directory.
func (m *Manager) Dir() string {
	return m.dir
}

// normalizeName returns the canonical (NFC, trimmed) form of a lock name.
func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// fileName maps a lock name to its file name: path separators become "_".
func fileName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", string(os.PathSeparator), "_")
	return r.Replace(name) + fileSuffix
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, fileName(name))
}

// Acquire takes the lock name for owner for ttl.
//
// It returns false when a live lock is held by anyone, including owner
// itself. A stale lock is reclaimed and acquisition retried once.
func (m *Manager) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	name = normalizeName(name)
	if name == "" {
		return false, errors.New("acquire lock: empty name")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return false, fmt.Errorf("acquire lock %s: create dir: %w", name, err)
	}

	path := m.path(name)
	for attempt := 0; attempt < 2; attempt++ {
		now := m.clock.Now()
		rec := record{
			Name:       name,
			Owner:      owner,
			PID:        m.pid,
			AcquiredAt: clock.Millis(now),
			ExpiresAt:  clock.Millis(now.Add(ttl)),
			TTLSeconds: int64(ttl / time.Second),
		}

		created, err := createExclusive(path, rec)
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if created {
			m.mirror(ctx, rec)
			return true, nil
		}
		if attempt > 0 {
			break
		}

		reclaimed, err := m.reclaimStale(path, now)
		if err != nil {
			return false, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if !reclaimed {
			return false, nil
		}
		m.logger.Info("reclaimed stale lock", "lock", name, "owner", owner)
	}
	return false, nil
}

// createExclusive writes rec to path only if path does not exist.
func createExclusive(path string, rec record) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}

	data, err := json.Marshal(rec)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// readRecord parses a lock file. ok is false when the content is unreadable.
func readRecord(path string) (rec record, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return record{}, false, err
	}
	if err := json.Unmarshal(data, &rec); err != nil || rec.ExpiresAt == 0 {
		return record{}, false, nil
	}
	return rec, true, nil
}

// expiresAt returns the effective expiry of the lock file at path.
func (m *Manager) expiresAt(path string, rec record, ok bool) (time.Time, error) {
	if ok {
		return clock.FromMillis(rec.ExpiresAt), nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime().Add(m.defaultTTL), nil
}

// reclaimStale removes the lock file at path if it is stale at now.
//
// The file is renamed aside and its identity compared with the one judged
// stale: if a fresh holder replaced it in between, it is linked back into
// place and nothing is reclaimed. It reports true when the path is free to
// retry.
func (m *Manager) reclaimStale(path string, now time.Time) (bool, error) {
	judged, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	rec, ok, err := readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	exp := judged.ModTime().Add(m.defaultTTL)
	if ok {
		exp = clock.FromMillis(rec.ExpiresAt)
	}
	if exp.After(now) {
		return false, nil
	}

	if m.testHookMoveAside != nil {
		m.testHookMoveAside(path)
	}
	aside := path + ".stale." + strconv.Itoa(m.pid) + "." + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("move aside %s: %w", path, err)
	}

	moved, err := os.Stat(aside)
	if err == nil && os.SameFile(judged, moved) &&
		moved.Size() == judged.Size() && moved.ModTime().Equal(judged.ModTime()) {
		os.Remove(aside)
		return true, nil
	}

	// Not the file we judged stale: put it back.
	if err := os.Link(aside, path); err != nil {
		m.logger.Warn("could not restore lock file after reclaim race",
			"path", path, "error", err)
	}
	os.Remove(aside)
	return false, nil
}

// mirror upserts the DB row for rec. Failures are logged only.
func (m *Manager) mirror(ctx context.Context, rec record) {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO locks(name, owner, pid, acquired_at, ttl_seconds, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			pid = excluded.pid,
			acquired_at = excluded.acquired_at,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at
	`, rec.Name, rec.Owner, rec.PID, rec.AcquiredAt, rec.TTLSeconds, rec.ExpiresAt)
	if err != nil {
		m.logger.Warn("lock mirror write failed", "lock", rec.Name, "error", err)
	}
}

// Release drops the lock if owner holds it.
//
// When the file is gone, a leftover mirror row owned by owner is removed and
// counts as a release.
func (m *Manager) Release(ctx context.Context, name, owner string) (bool, error) {
	name = normalizeName(name)
	path := m.path(name)

	rec, ok, err := readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		res, err := m.db.ExecContext(ctx, "DELETE FROM locks WHERE name = ? AND owner = ?", name, owner)
		if err != nil {
			return false, fmt.Errorf("release lock %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}
	if err != nil {
		return false, fmt.Errorf("release lock %s: read: %w", name, err)
	}
	if !ok || rec.Owner != owner {
		return false, nil
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	if _, err := m.db.ExecContext(ctx, "DELETE FROM locks WHERE name = ?", name); err != nil {
		m.logger.Warn("lock mirror delete failed", "lock", name, "error", err)
	}
	return true, nil
}
