package icingadb

import (
	"context"
	"fmt"
	"github.com/icinga/icinga-go-library/database"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/icinga/icingastate/internal"
	"github.com/icinga/icingastate/schema/mysql"
	"github.com/icinga/icingastate/schema/pgsql"
	"github.com/pkg/errors"
	"strings"
)

// CheckSchema asserts the database schema of the expected version being present.
//
// If the schema is missing entirely and autoImport is true, the schema shipped with this version is imported.
func CheckSchema(ctx context.Context, db *database.DB, autoImport bool, logger *logging.Logger) error {
	var (
		expectedDbSchemaVersion uint16
		schema                  string
		tableQuery              string
	)

	switch db.DriverName() {
	case database.MySQL:
		expectedDbSchemaVersion = internal.MySqlSchemaVersion
		schema = mysql.Schema
		tableQuery = "SELECT COUNT(*) FROM information_schema.tables " +
			"WHERE table_schema = DATABASE() AND table_name = 'icingastate_schema'"
	case database.PostgreSQL:
		expectedDbSchemaVersion = internal.PgSqlSchemaVersion
		schema = pgsql.Schema
		tableQuery = "SELECT COUNT(*) FROM information_schema.tables " +
			"WHERE table_schema = CURRENT_SCHEMA() AND table_name = 'icingastate_schema'"
	default:
		return errors.Errorf("unsupported database driver %q", db.DriverName())
	}

	var tables int
	if err := db.QueryRowxContext(ctx, tableQuery).Scan(&tables); err != nil {
		return database.CantPerformQuery(err, tableQuery)
	}

	if tables == 0 {
		if !autoImport {
			return errors.New("database schema is missing, please import it or start with --database-auto-import")
		}

		logger.Info("Importing database schema")

		for _, stmt := range splitStatements(schema) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return database.CantPerformQuery(err, stmt)
			}
		}
	}

	var version uint16

	err := db.QueryRowxContext(ctx, "SELECT version FROM icingastate_schema ORDER BY id DESC LIMIT 1").Scan(&version)
	if err != nil {
		return errors.Wrap(err, "can't check database schema version")
	}

	if version != expectedDbSchemaVersion {
		// Since these error messages are trivial and mostly caused by users, we don't need
		// to print a stack trace here. However, since errors.Errorf() does this automatically,
		// we need to use fmt instead.
		return fmt.Errorf(
			"unexpected database schema version: v%d (expected v%d), please make sure you have applied all database"+
				" migrations after upgrading Icinga State", version, expectedDbSchemaVersion,
		)
	}

	return nil
}

// splitStatements splits an SQL script into its statements.
// Statements must end with a semicolon at the end of a line.
func splitStatements(script string) []string {
	var stmts []string

	for _, stmt := range strings.Split(script, ";\n") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, strings.TrimSuffix(stmt, ";"))
		}
	}

	return stmts
}
