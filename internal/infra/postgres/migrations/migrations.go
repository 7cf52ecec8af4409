// Package migrations holds the postgres schema, applied with bun/migrate.
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is the ordered set registered by the timestamped files of this package.
var Migrations = migrate.NewMigrations()
