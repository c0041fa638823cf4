package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"crmsync/internal/crm"
)

// goMigration is a data migration that cannot be written as portable SQL.
// It runs in version order alongside the *.up.sql files.
type goMigration struct {
	version string
	up      func(ctx context.Context, tx *sql.Tx) error
}

var goMigrations = []goMigration{
	{version: "0003_fold_pipeline_deals", up: foldPipelineDeals},
}

type migration struct {
	version string
	file    string
	up      func(ctx context.Context, tx *sql.Tx) error
}

func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var pending []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".up.sql") {
			pending = append(pending, migration{version: name, file: filepath.Join(migrationsDir, name)})
		}
	}
	for _, gm := range goMigrations {
		pending = append(pending, migration{version: gm.version, up: gm.up})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		if migrated, err := isMigrated(ctx, db, m.version); err != nil {
			return err
		} else if migrated {
			continue
		}
		if err := applyOne(ctx, db, m); err != nil {
			return err
		}
	}

	return nil
}

func applyOne(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", m.version, err)
	}

	if m.up != nil {
		err = m.up(ctx, tx)
	} else {
		var contents []byte
		contents, err = os.ReadFile(m.file)
		if err == nil {
			_, err = tx.ExecContext(ctx, string(contents))
		}
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", m.version, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version=$1`, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return count > 0, nil
}

// foldPipelineDeals moves rows from the legacy pipeline_deals table into
// crm_records and drops it, so reads only ever see one schema.
func foldPipelineDeals(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, tenant_id, title, stage, amount, sort_order FROM pipeline_deals ORDER BY tenant_id, sort_order, id`)
	if err != nil {
		return fmt.Errorf("read pipeline_deals: %w", err)
	}
	var deals []crm.Deal
	for rows.Next() {
		var d crm.Deal
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Title, &d.Stage, &d.Value, &d.Position); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan pipeline_deals: %w", err)
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for i, d := range deals {
		payload, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode legacy deal %s: %w", d.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO crm_records (tenant_id, table_name, id, group_key, position, created_seq, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, d.TenantID, crm.TableDeals, d.ID, d.Stage, d.Position, int64(i+1), string(payload)); err != nil {
			return fmt.Errorf("fold legacy deal %s: %w", d.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DROP TABLE pipeline_deals`); err != nil {
		return fmt.Errorf("drop pipeline_deals: %w", err)
	}
	return nil
}
