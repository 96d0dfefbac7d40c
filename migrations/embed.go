// Package migrations embeds the goose SQL migrations for the fitsync database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
