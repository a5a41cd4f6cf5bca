// Package migrations embeds the SQL migration files applied at startup.
package migrations

import "embed"

// FS contains the embedded migration files, applied in lexical order by goose.
//
//go:embed *.sql
var FS embed.FS
