// Package migrations holds the merossd SQLite schema.
//
// Importing it (usually blank) registers the embedded SQL files with the
// database package, so DB.Migrate needs no files next to the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/meross-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files)
}
