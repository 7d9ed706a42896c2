package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/drblury/matchwatch/internal/model"
)

// Driver names accepted by OpenSQL.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

var errStoreClosed = errors.New("registry: store closed")

// SQLStore keeps the registry in a summoners table.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// DriverFor picks the driver for dsn: pgx for postgres URLs, sqlite otherwise.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// OpenSQL opens the database and creates the schema. An empty driver is
// derived from the DSN.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver == "" {
		driver = DriverFor(dsn)
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("registry: unsupported driver %q", driver)
	}
	if driver == DriverSQLite && !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idColumn = "id SERIAL PRIMARY KEY"
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS summoners (
			`+idColumn+`,
			name VARCHAR(255) NOT NULL,
			guildid VARCHAR(255) NOT NULL,
			tagline VARCHAR(255) NOT NULL,
			puuid VARCHAR(255) NOT NULL DEFAULT '',
			UNIQUE (name, tagline, guildid)
		)
	`)
	if err != nil {
		return fmt.Errorf("registry: create table: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) List(ctx context.Context) ([]model.TrackedEntity, error) {
	if s.db == nil {
		return nil, errStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, tagline, guildid FROM summoners ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("registry: query summoners: %w", err)
	}
	defer rows.Close()

	entities := []model.TrackedEntity{}
	for rows.Next() {
		var e model.TrackedEntity
		if err := rows.Scan(&e.Name, &e.Tagline, &e.GroupID); err != nil {
			return nil, fmt.Errorf("registry: scan summoner: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// Add inserts the entity. Adding an entity that is already tracked in the
// guild refreshes its stable id.
func (s *SQLStore) Add(ctx context.Context, reg Registration) error {
	if s.db == nil {
		return errStoreClosed
	}
	if err := reg.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO summoners (name, guildid, tagline, puuid)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name, tagline, guildid) DO UPDATE SET puuid = excluded.puuid
	`), reg.Name, reg.GroupID, reg.Tagline, reg.StableID)
	if err != nil {
		return fmt.Errorf("registry: insert summoner: %w", err)
	}
	return nil
}

// Update changes the tagline and stable id of the entity with the same name
// in the same guild.
func (s *SQLStore) Update(ctx context.Context, reg Registration) error {
	if s.db == nil {
		return errStoreClosed
	}
	if err := reg.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE summoners SET tagline = ?, puuid = ?
		WHERE name = ? AND guildid = ?
	`), reg.Tagline, reg.StableID, reg.Name, reg.GroupID)
	if err != nil {
		return fmt.Errorf("registry: update summoner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: update summoner: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
