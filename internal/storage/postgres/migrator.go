package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	migrationsDir = "sql/migrations"
	// migrationLockKey - ключ pg_advisory_lock, общий для всех экземпляров сервиса.
	migrationLockKey   = int64(0x7265_7461_696c)
	migrationLockWait  = 10 * time.Second
	schemaMigrationDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

var (
	migrationFileRe = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

	embeddedMigrations = sync.OnceValues(func() ([]migration, error) {
		return parseMigrations(migrationsFS, migrationsDir)
	})
)

// ErrMigrationDrift - применённая миграция отличается от встроенной.
var ErrMigrationDrift = errors.New("applied migration differs from embedded one")

type migration struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

func (m migration) label() string { return fmt.Sprintf("%04d_%s", m.Version, m.Name) }

// MigrationState - состояние схемы относительно встроенных миграций.
type MigrationState struct {
	Version   int64
	Applied   int
	Available int
	// Pending - неприменённые миграции в порядке применения.
	Pending []string
	// Drifted - применённые миграции, чей текст с тех пор изменился.
	Drifted []string
}

// MigrateUp применяет steps миграций; steps <= 0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, all []migration) error {
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		if drifted := driftedMigrations(all, applied); len(drifted) > 0 {
			return fmt.Errorf("%w: %s", ErrMigrationDrift, strings.Join(drifted, ", "))
		}
		for _, m := range planUp(all, applied, steps) {
			if err := runMigration(ctx, conn, m, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrateDown откатывает steps последних миграций; steps <= 0 означает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn, all []migration) error {
		applied, err := appliedChecksums(ctx, conn)
		if err != nil {
			return err
		}
		plan, err := planDown(all, applied, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := runMigration(ctx, conn, m, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus сравнивает schema_migrations со встроенными миграциями.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errors.New("postgres store is not initialized")
	}
	all, err := embeddedMigrations()
	if err != nil {
		return MigrationState{}, err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schemaMigrationDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := appliedChecksums(ctx, s.db)
	if err != nil {
		return MigrationState{}, err
	}
	return describeState(all, applied), nil
}

func describeState(all []migration, applied map[int64]string) MigrationState {
	state := MigrationState{Available: len(all), Applied: len(applied)}
	for version := range applied {
		state.Version = max(state.Version, version)
	}
	for _, m := range planUp(all, applied, 0) {
		state.Pending = append(state.Pending, m.label())
	}
	state.Drifted = driftedMigrations(all, applied)
	return state
}

// withMigrationLock держит advisory lock на выделенном соединении, пока выполняется fn.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn, all []migration) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}
	all, err := embeddedMigrations()
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockWait)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn, all)
}

// appliedChecksums возвращает version -> checksum применённых миграций.
func appliedChecksums(ctx context.Context, q querier) (map[int64]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

func runMigration(ctx context.Context, conn *sql.Conn, m migration, up bool) (err error) {
	step := "down"
	if up {
		step = "up"
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s %s: begin: %w", step, m.label(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if up {
		if _, err = tx.ExecContext(ctx, m.Up); err != nil {
			return fmt.Errorf("up %s: %w", m.label(), err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Name, m.Checksum)
	} else {
		if _, err = tx.ExecContext(ctx, m.Down); err != nil {
			return fmt.Errorf("down %s: %w", m.label(), err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version)
	}
	if err != nil {
		return fmt.Errorf("%s %s: record: %w", step, m.label(), err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s %s: commit: %w", step, m.label(), err)
	}
	return nil
}

// planUp - неприменённые миграции по возрастанию версии, не больше steps (steps <= 0 без ограничения).
func planUp(all []migration, applied map[int64]string, steps int) []migration {
	var plan []migration
	for _, m := range all {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		plan = append(plan, m)
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

// planDown - последние steps применённых миграций по убыванию версии.
func planDown(all []migration, applied map[int64]string, steps int) ([]migration, error) {
	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	slices.Sort(versions)
	slices.Reverse(versions)
	if len(versions) > steps {
		versions = versions[:steps]
	}

	plan := make([]migration, 0, len(versions))
	for _, version := range versions {
		i := slices.IndexFunc(all, func(m migration) bool { return m.Version == version })
		if i < 0 {
			return nil, fmt.Errorf("applied migration %d is not embedded in this binary", version)
		}
		plan = append(plan, all[i])
	}
	return plan, nil
}

// driftedMigrations сравнивает контрольные суммы. Пустая сумма в базе не проверяется.
func driftedMigrations(all []migration, applied map[int64]string) []string {
	var drifted []string
	for _, m := range all {
		if sum, ok := applied[m.Version]; ok && sum != "" && sum != m.Checksum {
			drifted = append(drifted, m.label())
		}
	}
	return drifted
}

// parseMigrations читает пары NNNN_name.up.sql / NNNN_name.down.sql из dir.
func parseMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := migrationFileRe.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("unexpected file in migrations: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, parts[2])
		}
		target := &m.Down
		if parts[3] == "up" {
			target = &m.Up
		}
		if *target != "" {
			return nil, fmt.Errorf("migration %s is defined twice", entry.Name())
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migrations found")
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down files", m.label())
		}
		sum := sha256.Sum256([]byte(m.Up))
		m.Checksum = hex.EncodeToString(sum[:])
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
