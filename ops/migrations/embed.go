// Package migrations embeds the Postgres schema applied by internal/migrate.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var files embed.FS

// SQL returns the migration files rooted at the sql directory.
func SQL() fs.FS {
	sub, err := fs.Sub(files, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}
