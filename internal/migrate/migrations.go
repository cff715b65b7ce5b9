// Package migrate applies the embedded reviewflow schema migrations.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	up      string
}

// Migrate brings the reviewflow schema up to date. Each migration file runs
// in its own transaction, so a failure leaves the version bookkeeping at the
// last migration that fully applied.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(
		version INTEGER NOT NULL,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("reviewflow schema: create version table: %w", err)
	}
	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyOne(db, m); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("reviewflow schema: read version: %w", err)
	}
	return v, nil
}

func applyOne(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(m.up); err != nil {
		return fmt.Errorf("reviewflow schema: apply %s: %w", m.name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("reviewflow schema: record %s: %w", m.name, err)
	}
	return tx.Commit()
}

func loadMigrations() ([]migration, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	migrations := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		prefix, _, found := strings.Cut(name, "_")
		if !found {
			return nil, fmt.Errorf("reviewflow schema: migration %s has no version prefix", name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("reviewflow schema: migration %s: %w", name, err)
		}
		data, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration{version: v, name: name, up: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}
