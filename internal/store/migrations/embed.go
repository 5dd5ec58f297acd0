// Package migrations holds the embedded SQLite schema migrations.
package migrations

import "embed"

// FS contains the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
