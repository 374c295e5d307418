// Package migrations embeds the goose SQL migrations for the local client database.
package migrations

import "embed"

// FS holds every *.sql migration file, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
