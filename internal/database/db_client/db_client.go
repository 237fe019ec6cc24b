package db_client

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(host, port, user, pass, database string) (*sql.DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		user, pass, host, port, database,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Room mutations are serialized per worksheet, so concurrency here is
	// bounded by the number of live rooms plus the background workers.
	db.SetMaxOpenConns(40)
	db.SetConnMaxIdleTime(time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, db.Ping()
}
