// Package db bootstraps the sandbox gateway's Postgres database.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS apps (
    id TEXT PRIMARY KEY,
    api_key TEXT NOT NULL UNIQUE,
    track_retention BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS codes (
    app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
    code TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    affiliate_code_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (app_id, code)
);

CREATE TABLE IF NOT EXISTS sessions (
    app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
    session_id TEXT NOT NULL,
    platform TEXT NOT NULL,
    user_agent TEXT NOT NULL DEFAULT '',
    device_model TEXT NOT NULL DEFAULT '',
    os_version TEXT NOT NULL DEFAULT '',
    screen_resolution TEXT NOT NULL DEFAULT '',
    timezone TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (app_id, session_id)
);

CREATE TABLE IF NOT EXISTS app_opens (
    id TEXT PRIMARY KEY,
    app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
    affiliate_code_id TEXT NOT NULL,
    external_user_id TEXT NOT NULL DEFAULT '',
    auto_generated_user_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS app_opens_created_at_idx ON app_opens (created_at);

CREATE TABLE IF NOT EXISTS conversions (
    app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
    external_user_id TEXT NOT NULL,
    code TEXT NOT NULL,
    affiliate_code_id TEXT NOT NULL DEFAULT '',
    platform TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    auto_generated_user_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (app_id, external_user_id)
);

CREATE TABLE IF NOT EXISTS purchases (
    app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
    transaction_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    code TEXT NOT NULL,
    affiliate_code_id TEXT NOT NULL DEFAULT '',
    platform TEXT NOT NULL,
    token TEXT NOT NULL DEFAULT '',
    external_user_id TEXT NOT NULL DEFAULT '',
    auto_generated_user_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (app_id, transaction_id)
);
`

// InitPostgres opens the database at dsn, checks the connection and creates
// the schema.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates missing tables.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
