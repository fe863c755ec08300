package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/store"
)

// maxClaimAttempts bounds ClaimNext retries after lost CAS races.
const maxClaimAttempts = 5

// EnqueueRequest describes a new command.
type EnqueueRequest struct {
	Type          string
	Payload       store.Document
	RequestedBy   string
	Role          string
	TTL           time.Duration
	CorrelationID string
}

// Enqueue inserts a NEW command and returns its id.
//
// The type is trimmed and upper-cased. A TTL below one second (but positive)
// is rounded up to one second.
func (b *Bus) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	cmdType := strings.ToUpper(strings.TrimSpace(req.Type))
	if cmdType == "" {
		return 0, errors.New("enqueue: empty command type")
	}

	payload, err := store.MarshalDocument(req.Payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	var ttl any
	if req.TTL > 0 {
		secs := int64((req.TTL + time.Second - 1) / time.Second)
		ttl = secs
	}

	now := clock.Millis(b.clock.Now())
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO commands
		(type, payload, status, requested_by, role, ttl_seconds, correlation_id, created_at, updated_at)
		VALUES (?, ?, 'NEW', ?, ?, ?, ?, ?, ?)
	`, cmdType, payload, req.RequestedBy, req.Role, ttl, nullString(req.CorrelationID), now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", cmdType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: last insert id: %w", cmdType, err)
	}
	return id, nil
}

const commandColumns = `id, type, payload, status, requested_by, role, ttl_seconds,
	correlation_id, result, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (Command, error) {
	var (
		c                  Command
		payload            string
		status             string
		ttl                sql.NullInt64
		corrID, result     sql.NullString
		created, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.Type, &payload, &status, &c.RequestedBy, &c.Role,
		&ttl, &corrID, &result, &created, &updatedAt); err != nil {
		return Command{}, err
	}

	doc, err := store.UnmarshalDocument(payload)
	if err != nil {
		return Command{}, fmt.Errorf("command %d payload: %w", c.ID, err)
	}
	c.Payload = doc
	if result.Valid {
		res, err := store.UnmarshalDocument(result.String)
		if err != nil {
			return Command{}, fmt.Errorf("command %d result: %w", c.ID, err)
		}
		c.Result = res
	}

	c.Status = Status(status)
	if ttl.Valid {
		c.TTL = time.Duration(ttl.Int64) * time.Second
	}
	c.CorrelationID = corrID.String
	c.CreatedAt = clock.FromMillis(created)
	c.UpdatedAt = clock.FromMillis(updatedAt)
	return c, nil
}

// Get returns the command with id, or store.ErrNotFound.
func (b *Bus) Get(ctx context.Context, id int64) (Command, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+commandColumns+" FROM commands WHERE id = ?", id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Command{}, fmt.Errorf("command %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return Command{}, fmt.Errorf("get command %d: %w", id, err)
	}
	return c, nil
}

// ListQuery filters List. Zero values mean "any".
type ListQuery struct {
	Status  Status
	Types   []string
	AfterID int64 // only ids greater than this, for paging
	Limit   int
}

// List returns commands ordered by id ascending.
// A Limit ≤ 0 returns the oldest 100.
func (b *Bus) List(ctx context.Context, q ListQuery) ([]Command, error) {
	var (
		clauses []string
		args    []any
	)
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if in, inArgs := inClause(q.Types); in != "" {
		clauses = append(clauses, "type "+in)
		args = append(args, inArgs...)
	}
	if q.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, q.AfterID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	args = append(args, limit)

	query := "SELECT " + commandColumns + " FROM commands"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	cmds := []Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("list commands: %w", err)
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return cmds, nil
}

// CountByStatus returns how many commands are in status.
func (b *Bus) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM commands WHERE status = ?", string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s commands: %w", status, err)
	}
	return n, nil
}

// Claim moves command id from NEW to RUNNING.
//
// It returns false when another caller already claimed it, when it is no
// longer NEW, or when its TTL has passed.
func (b *Bus) Claim(ctx context.Context, id int64) (bool, error) {
	now := clock.Millis(b.clock.Now())
	res, err := b.db.ExecContext(ctx, `
		UPDATE commands SET status = 'RUNNING', updated_at = ?
		WHERE id = ? AND status = 'NEW'
		  AND (ttl_seconds IS NULL OR created_at + ttl_seconds * 1000 > ?)
	`, now, id, now)
	if err != nil {
		return false, fmt.Errorf("claim command %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim command %d: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// ClaimFilter restricts which command types ClaimNext considers.
// Types, when non-empty, is an allow-list; ExcludeTypes is applied after it.
type ClaimFilter struct {
	Types        []string
	ExcludeTypes []string
}

// ClaimNext claims the oldest eligible NEW command.
//
// It returns nil, nil when nothing is eligible. Lost races are retried a
// bounded number of times against the next candidate.
func (b *Bus) ClaimNext(ctx context.Context, f ClaimFilter) (*Command, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		id, ok, err := b.nextCandidate(ctx, f)
		if err != nil || !ok {
			return nil, err
		}

		won, err := b.Claim(ctx, id)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}

		c, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
	return nil, nil
}

func (b *Bus) nextCandidate(ctx context.Context, f ClaimFilter) (int64, bool, error) {
	now := clock.Millis(b.clock.Now())
	query := `SELECT id FROM commands
		WHERE status = 'NEW'
		  AND (ttl_seconds IS NULL OR created_at + ttl_seconds * 1000 > ?)`
	args := []any{now}

	if in, inArgs := inClause(f.Types); in != "" {
		query += " AND type " + in
		args = append(args, inArgs...)
	}
	if in, inArgs := inClause(f.ExcludeTypes); in != "" {
		query += " AND type NOT " + in
		args = append(args, inArgs...)
	}
	query += " ORDER BY id ASC LIMIT 1"

	var id int64
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select next command: %w", err)
	}
	return id, true, nil
}

// Finish moves a RUNNING command to DONE or FAIL and stores result.
// It returns false if the command was not RUNNING.
func (b *Bus) Finish(ctx context.Context, id int64, status Status, result store.Document) (bool, error) {
	if status != StatusDone && status != StatusFail {
		return false, fmt.Errorf("finish command %d: invalid final status %q", id, status)
	}
	res, err := store.MarshalNullable(result)
	if err != nil {
		return false, fmt.Errorf("finish command %d: %w", id, err)
	}

	out, err := b.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, result = ?, updated_at = ?
		WHERE id = ? AND status = 'RUNNING'
	`, string(status), res, clock.Millis(b.clock.Now()), id)
	if err != nil {
		return false, fmt.Errorf("finish command %d: %w", id, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish command %d: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// ExpireSweep flips every NEW command whose TTL has passed at now to EXPIRED
// and emits a WARN cmd.<type>.expired event for each. It returns the number
// of commands expired.
//
// Rows and events are written in one transaction.
func (b *Bus) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	nowMS := clock.Millis(now)
	expired := 0

	err := b.st.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, type, ttl_seconds, correlation_id FROM commands
			WHERE status = 'NEW' AND ttl_seconds IS NOT NULL
			  AND created_at + ttl_seconds * 1000 <= ?
			ORDER BY id ASC
		`, nowMS)
		if err != nil {
			return fmt.Errorf("select stale commands: %w", err)
		}

		type stale struct {
			id     int64
			typ    string
			ttl    int64
			corrID sql.NullString
		}
		var candidates []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.id, &s.typ, &s.ttl, &s.corrID); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale command: %w", err)
			}
			candidates = append(candidates, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale commands: %w", err)
		}

		for _, s := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE commands SET status = 'EXPIRED', updated_at = ?
				WHERE id = ? AND status = 'NEW'
			`, nowMS, s.id)
			if err != nil {
				return fmt.Errorf("expire command %d: %w", s.id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}

			data, err := store.MarshalDocument(store.Document{
				"command_id":  s.id,
				"ttl_seconds": s.ttl,
				"message":     "Command expired",
			})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO events(topic, level, data, correlation_id, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, CommandTopic(s.typ, "expired"), string(LevelWarn), data, s.corrID, nowMS); err != nil {
				return fmt.Errorf("emit expiry event for command %d: %w", s.id, err)
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire sweep: %w", err)
	}

	if expired > 0 {
		b.logger.Info("expired stale commands", "count", expired)
	}
	return expired, nil
}

// inClause builds "IN (?, ?, ...)" for the upper-cased values.
// It returns "" for an empty list.
func inClause(values []string) (string, []any) {
	if len(values) == 0 {
		return "", nil
	}
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = strings.ToUpper(strings.TrimSpace(v))
	}
	return "IN (" + strings.Join(marks, ", ") + ")", args
}
