package internal

import (
	"github.com/icinga/icinga-go-library/version"
)

// Version contains version and Git commit information.
//
// The placeholders are replaced on `git archive` using the `export-subst` attribute.
var Version = version.Version("0.1.0", "$Format:%(describe)$", "$Format:%H$")

// MySqlSchemaVersion is the version of the MySQL/MariaDB schema shipped under ./schema/mysql.
const MySqlSchemaVersion uint16 = 1

// PgSqlSchemaVersion is the version of the PostgreSQL schema shipped under ./schema/pgsql.
const PgSqlSchemaVersion uint16 = 1
