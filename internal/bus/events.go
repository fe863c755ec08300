package bus

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/blanqspace/centrix/internal/clock"
	"github.com/blanqspace/centrix/internal/store"
)

// defaultLimit applies when a caller passes a non-positive limit.
const defaultLimit = 100

// Emit appends an event and returns its id. Unknown levels are stored as INFO.
func (b *Bus) Emit(ctx context.Context, topic string, level Level, data store.Document, correlationID string) (int64, error) {
	if !level.Valid() {
		level = LevelInfo
	}
	doc, err := store.MarshalDocument(data)
	if err != nil {
		return 0, fmt.Errorf("emit %s: %w", topic, err)
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO events(topic, level, data, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, topic, string(level), doc, nullString(correlationID), clock.Millis(b.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("emit %s: %w", topic, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("emit %s: last insert id: %w", topic, err)
	}
	return id, nil
}

// TailQuery selects events for TailEvents. Empty Level/Topic match anything.
type TailQuery struct {
	Limit int
	Level Level
	Topic string
}

// TailEvents returns the newest Limit matching events in ascending id order.
// A Limit ≤ 0 means 100.
func (b *Bus) TailEvents(ctx context.Context, q TailQuery) ([]Event, error) {
	var (
		clauses []string
		args    []any
	)
	if q.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, string(q.Level))
	}
	if q.Topic != "" {
		clauses = append(clauses, "topic = ?")
		args = append(args, q.Topic)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	args = append(args, limit)

	query := "SELECT id, topic, level, data, correlation_id, created_at FROM events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e       Event
			level   string
			data    string
			corrID  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Topic, &level, &data, &corrID, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		doc, err := store.UnmarshalDocument(data)
		if err != nil {
			return nil, fmt.Errorf("event %d data: %w", e.ID, err)
		}
		e.Level = Level(level)
		e.Data = doc
		e.CorrelationID = corrID.String
		e.CreatedAt = clock.FromMillis(created)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	slices.Reverse(events)
	return events, nil
}
