// Package migrations embeds the SQL schema for the local account store.
package migrations

import "embed"

// FS holds the goose migrations.
//
//go:embed *.sql
var FS embed.FS
