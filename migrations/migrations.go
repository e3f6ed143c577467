// Package migrations embeds the goose SQL migrations for run history.
package migrations

import "embed"

// FS holds the migration files.
//
//go:embed *.sql
var FS embed.FS
