package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	migrationsDir = "sql/migrations"
	// migrationLockKey — ключ pg_advisory_lock, "fulf" в ASCII.
	migrationLockKey  = int64(0x66756c66)
	migrationTimeout  = 5 * time.Second
	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// migration — пара файлов NNNN_name.up.sql / NNNN_name.down.sql.
type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// migrationStep — одна миграция в выбранном направлении.
type migrationStep struct {
	migration
	direction migrationDirection
}

// MigrationInfo описывает одну миграцию и её состояние в базе.
type MigrationInfo struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// MigrateUp применяет up-миграции; steps=0 применяет все недостающие.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние steps миграций; steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// Migrations перечисляет встроенные миграции с отметкой о применении.
func (s *Store) Migrations(ctx context.Context) ([]MigrationInfo, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}
	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationInfo, 0, len(migrations))
	for _, m := range migrations {
		at, ok := applied[m.Version]
		out = append(out, MigrationInfo{Version: m.Version, Name: m.Name, Applied: ok, AppliedAt: at})
	}
	return out, nil
}

// MigrationStatus возвращает старшую применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errStoreNotInitialized
	}
	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return 0, 0, err
	}
	var latest int64
	for version := range applied {
		if version > latest {
			latest = version
		}
	}
	return latest, len(applied), nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[int64]time.Time, error) {
	queryCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(queryCtx, migrationTableDDL); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	return readApplied(queryCtx, s.db)
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	logger := s.migrationLogger().WithField("direction", string(direction))
	return s.withMigrationLock(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}
		applied, err := readApplied(ctx, conn)
		if err != nil {
			return err
		}

		var plan []migrationStep
		if direction == migrationUp {
			plan = planUp(migrations, applied, steps)
		} else {
			plan, err = planDown(migrations, applied, steps)
			if err != nil {
				return err
			}
		}
		if len(plan) == 0 {
			logger.Debug("schema is up to date")
			return nil
		}

		for _, step := range plan {
			if err := runStep(ctx, conn, step); err != nil {
				return err
			}
			logger.WithField("migration", step.String()).Info("migration executed")
		}
		return nil
	})
}

// withMigrationLock держит advisory lock на выделенном соединении, пока выполняется fn.
// Параллельно запущенные экземпляры сервиса ждут друг друга.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()
	return fn(conn)
}

func (s *Store) migrationLogger() *log.Entry {
	if s.logger == nil {
		return log.WithField("component", "migrator")
	}
	return s.logger.WithField("component", "migrator")
}

// planUp выбирает неприменённые миграции по возрастанию версии.
func planUp(migrations []migration, applied map[int64]time.Time, steps int) []migrationStep {
	var plan []migrationStep
	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		plan = append(plan, migrationStep{migration: m, direction: migrationUp})
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

// planDown выбирает последние steps применённых миграций по убыванию версии.
// Версия в базе без файла миграции — ошибка: откатить её нечем.
func planDown(migrations []migration, applied map[int64]time.Time, steps int) ([]migrationStep, error) {
	known := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		known[m.Version] = m
	}
	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	if steps > 0 && len(versions) > steps {
		versions = versions[:steps]
	}

	plan := make([]migrationStep, 0, len(versions))
	for _, version := range versions {
		m, ok := known[version]
		if !ok {
			return nil, fmt.Errorf("cannot rollback unknown migration version %d", version)
		}
		plan = append(plan, migrationStep{migration: m, direction: migrationDown})
	}
	return plan, nil
}

// runStep выполняет DDL и обновляет schema_migrations в одной транзакции.
func runStep(ctx context.Context, conn *sql.Conn, step migrationStep) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", step.direction, step, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	body, record, args := step.UpSQL, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, []any{step.Version, step.Name}
	if step.direction == migrationDown {
		body, record, args = step.DownSQL, `DELETE FROM schema_migrations WHERE version = $1`, []any{step.Version}
	}

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", step.direction, step, err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s migration %s: %w", step.direction, step, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", step.direction, step, err)
	}
	return nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readApplied(ctx context.Context, q rowQuerier) (map[int64]time.Time, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]time.Time)
	for rows.Next() {
		var (
			version int64
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = at.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// parseMigrationFileName разбирает имя вида 0001_orders.up.sql.
func parseMigrationFileName(file string) (version int64, name string, direction migrationDirection, err error) {
	stem, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", file)
	}
	switch {
	case strings.HasSuffix(stem, ".up"):
		direction, stem = migrationUp, strings.TrimSuffix(stem, ".up")
	case strings.HasSuffix(stem, ".down"):
		direction, stem = migrationDown, strings.TrimSuffix(stem, ".down")
	default:
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", file)
	}

	rawVersion, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" || strings.ContainsAny(name, ".- ") {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", file)
	}
	version, err = strconv.ParseInt(rawVersion, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", "", fmt.Errorf("invalid migration version in %s", file)
	}
	return version, name, direction, nil
}

func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, direction, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, name)
		}
		target := &m.UpSQL
		if direction == migrationDown {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
