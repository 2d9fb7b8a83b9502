package mysql

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (migrationLogger) Verbose() bool { return false }

// Migrate brings the schema up to the latest embedded version.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	driver, err := migratemysql.WithInstance(db, &migratemysql.Config{})
	if err != nil {
		return fmt.Errorf("migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "mysql", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	m.Log = migrationLogger{}

	from, _, _ := m.Version()
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Uint("version", from).Msg("schema up to date")
			return nil
		}
		return fmt.Errorf("migrate up: %w", err)
	}
	to, _, _ := m.Version()
	log.Info().Uint("from", from).Uint("to", to).Msg("schema migrated")
	return nil
}
