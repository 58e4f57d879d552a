package db

import "embed"

// MigrationFS holds the SQL migration files consumed by the migrate runner.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
