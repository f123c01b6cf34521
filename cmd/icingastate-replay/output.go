package main

import (
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// alertSchema specifies the structure of the --output SQLite database.
var alertSchema = []string{
	`CREATE TABLE IF NOT EXISTS alert (
	step INT NOT NULL,
	checkable TEXT NOT NULL,
	object_type TEXT NOT NULL,
	type TEXT NOT NULL,
	state TEXT NOT NULL,
	request_time INT NOT NULL
)`,
	"DELETE FROM alert",
}

// writeAlerts stores alerts in the SQLite database file, replacing the alerts of a previous run.
func writeAlerts(file string, alerts []ReplayedAlert) error {
	db, err := sqlx.Open("sqlite3", "file:"+file)
	if err != nil {
		return errors.Wrap(err, "can't open SQLite database")
	}
	defer func() { _ = db.Close() }()

	for _, ddl := range alertSchema {
		if _, err := db.Exec(ddl); err != nil {
			return errors.Wrap(err, "can't import schema into SQLite database")
		}
	}

	tx, err := db.Beginx()
	if err != nil {
		return errors.Wrap(err, "can't begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	const insert = "INSERT INTO alert (step, checkable, object_type, type, state, request_time) " +
		"VALUES (:step, :checkable, :object_type, :type, :state, :request_time)"

	for _, a := range alerts {
		if _, err := tx.NamedExec(insert, a); err != nil {
			return errors.Wrap(err, "can't insert alert")
		}
	}

	return errors.Wrap(tx.Commit(), "can't commit transaction")
}
