// Package migrations holds the Postgres schema. Each migration registers from
// a file named <version>_<name>.go, which bun uses as the migration name.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
