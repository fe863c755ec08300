package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

// sentinelTable marks a database whose schema script has been applied.
const sentinelTable = "meta"

// tableSpec lists the columns a managed table must have for the current code
// to read and write it.
type tableSpec struct {
	name    string
	columns []string
}

var managedTables = []tableSpec{
	{name: "commands", columns: []string{
		"id", "type", "payload", "status", "requested_by", "role",
		"ttl_seconds", "correlation_id", "result", "created_at", "updated_at",
	}},
	{name: "events", columns: []string{
		"id", "topic", "level", "data", "correlation_id", "created_at",
	}},
	{name: "locks", columns: []string{
		"name", "owner", "pid", "acquired_at", "ttl_seconds", "expires_at",
	}},
	{name: "approvals", columns: []string{
		"id", "subject_id", "token", "status", "initiator", "approver",
		"reason", "created_at", "expires_at", "decided_at",
	}},
	{name: "svc_status", columns: []string{
		"service", "last_seen", "state", "details",
	}},
	{name: "kv", columns: []string{
		"key", "value", "updated_at",
	}},
}

// missing returns required columns absent from have, sorted.
func (t tableSpec) missing(have map[string]bool) []string {
	var out []string
	for _, c := range t.columns {
		if !have[c] {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// ensureSchema archives drifted tables and applies schema.sql when needed.
//
// The whole check runs in one IMMEDIATE transaction, so two processes starting
// against a fresh file cannot both rename or both create.
func ensureSchema(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	needsApply := false
	for _, spec := range managedTables {
		cols, exists, err := tableColumns(ctx, tx, spec.name)
		if err != nil {
			return err
		}
		if !exists {
			needsApply = true
			continue
		}
		missing := spec.missing(cols)
		if len(missing) == 0 {
			continue
		}
		legacy, err := archiveTable(ctx, tx, spec.name)
		if err != nil {
			return err
		}
		logger.Warn("schema drift: archived incompatible table",
			"table", spec.name,
			"legacy_table", legacy,
			"missing_columns", missing,
		)
		needsApply = true
	}

	initialized, err := tableExists(ctx, tx, sentinelTable)
	if err != nil {
		return err
	}
	if !initialized || needsApply {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("failed to execute schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}

// tableColumns returns the column set of a table and whether it exists.
func tableColumns(ctx context.Context, tx *sql.Tx, name string) (map[string]bool, bool, error) {
	exists, err := tableExists(ctx, tx, name)
	if err != nil || !exists {
		return nil, false, err
	}

	rows, err := tx.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", name)
	if err != nil {
		return nil, false, fmt.Errorf("table info %s: %w", name, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, false, fmt.Errorf("scan table info %s: %w", name, err)
		}
		cols[col] = true
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate table info %s: %w", name, err)
	}
	return cols, true, nil
}

// archiveTable renames name to the first free name_legacy<N> and drops the
// archived table's explicit indexes so the fresh table can reuse their names.
func archiveTable(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	var legacy string
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_legacy%d", name, n)
		exists, err := tableExists(ctx, tx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			legacy = candidate
			break
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %q RENAME TO %q", name, legacy)); err != nil {
		return "", fmt.Errorf("archive %s: %w", name, err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL",
		legacy,
	)
	if err != nil {
		return "", fmt.Errorf("list indexes of %s: %w", legacy, err)
	}
	var indexes []string
	for rows.Next() {
		var idx string
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan index of %s: %w", legacy, err)
		}
		indexes = append(indexes, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate indexes of %s: %w", legacy, err)
	}

	for _, idx := range indexes {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP INDEX %q", idx)); err != nil {
			return "", fmt.Errorf("drop index %s: %w", idx, err)
		}
	}
	return legacy, nil
}
